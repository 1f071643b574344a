// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bdev is a userspace block device client for remote file backends which
// only accept block-aligned I/O. It opens one backend file as a device
// image and serves arbitrary byte-granularity reads and writes against it,
// translating them into the minimal aligned backend operations.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/device contains the block device client: handle lifecycle,
// the alignment engine and the vectorized I/O dispatcher.
//
// - internal/fileclient defines the backend capability with an s3
// implementation for production and a memory implementation for testing
// and local runs. The memory backend shares configuration with the real
// one and makes running without remote storage possible without code
// duplication.
//
// - internal/taskpool, internal/metrics and internal/config are the
// supporting pieces: worker pool, prometheus counters and toml+env
// configuration common to all backends.
package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/bdev/internal/config"
	"github.com/asch/bdev/internal/device"
	"github.com/asch/bdev/internal/fileclient"
	"github.com/asch/bdev/internal/fileclient/memory"
	"github.com/asch/bdev/internal/fileclient/s3"
	"github.com/asch/bdev/internal/metrics"
)

// Parse configuration from file and environment variables, build the
// device client on the configured backend and keep the device open until
// SIGINT or SIGTERM asks for a graceful shutdown.
func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(cfg.Log.Pretty, cfg.Log.Level)

	backend, err := getFileClient(cfg.Backend)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	client := device.New(backend)

	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		client.SetMetrics(metrics.NewIOMetrics(reg))
		runMetricsEndpoint(reg, cfg.MetricsPort)
	}

	err = client.Init(device.Options{
		ConfigPath: cfg.ConfigPath,
		ThreadNum:  cfg.Threads,
	})
	if err != nil {
		log.Panic().Err(err).Send()
	}

	if err := client.Open(cfg.Filename, cfg.Owner); err != nil {
		log.Panic().Err(err).Send()
	}

	stat, err := client.Stat(cfg.Filename, cfg.Owner)
	if err != nil {
		log.Panic().Err(err).Send()
	}
	log.Info().
		Str("filename", cfg.Filename).
		Uint64("length", stat.Length).
		Stringer("status", stat.Status).
		Msg("device opened")

	if cfg.Verify.Enabled {
		if err := runVerify(client, cfg.Verify.Size); err != nil {
			log.Panic().Err(err).Send()
		}
	}

	waitForSignal()

	log.Info().Msg("shutting down")
	if err := client.Close(); err != nil {
		log.Error().Err(err).Msg("closing device")
	}
	client.UnInit()
}

// Return the backend picked in the configuration. Memory holds everything
// in process and is only good for testing the stack without a remote.
func getFileClient(backend string) (fileclient.FileClient, error) {
	switch backend {
	case "s3":
		return s3.New(), nil
	case "memory":
		return memory.New(), nil
	}

	return nil, fmt.Errorf("unknown backend %q", backend)
}

// Write a pseudo-random span through the vectorized path at an unaligned
// offset, read it back and compare. Serves as an end-to-end smoke test of
// the alignment engine against the configured backend.
func runVerify(client *device.Client, span int64) error {
	if span <= 0 {
		return nil
	}

	const partLen = 1 << 20

	// Unaligned base offset so the boundary page handling is exercised.
	const base = 1000

	data := make([]byte, span)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(data)

	var parts []device.WritePart
	for off := int64(0); off < span; off += partLen {
		end := off + partLen
		if end > span {
			end = span
		}
		parts = append(parts, device.WritePart{
			Offset: base + off,
			Length: end - off,
			Buf:    data[off:end],
		})
	}

	start := time.Now()
	if _, err := client.Writev(parts); err != nil {
		return fmt.Errorf("verify write: %w", err)
	}

	check := make([]byte, span)
	readParts := make([]device.ReadPart, len(parts))
	for i, p := range parts {
		readParts[i] = device.ReadPart{
			Offset: p.Offset,
			Length: p.Length,
			Buf:    check[p.Offset-base : p.Offset-base+p.Length],
		}
	}

	if _, err := client.Readv(readParts); err != nil {
		return fmt.Errorf("verify read: %w", err)
	}

	if !bytes.Equal(data, check) {
		return fmt.Errorf("verify: read data differs from written data")
	}

	elapsed := time.Since(start)
	log.Info().
		Int64("bytes", 2*span).
		Dur("elapsed", elapsed).
		Float64("mbps", float64(2*span)/elapsed.Seconds()/(1024*1024)).
		Msg("verification pass succeeded")

	return nil
}

func waitForSignal() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
	log.Info().Msg("received interrupt")
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Expose prometheus metrics together with the golang web profiler. Useful
// for performance debugging.
func runMetricsEndpoint(reg *prometheus.Registry, port int) {
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
