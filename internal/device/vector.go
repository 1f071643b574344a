// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ReadPart is one independent region of a vectorized call. Parts of one
// call must reference disjoint buffers; overlap is unspecified behavior.
type ReadPart struct {
	Offset int64
	Length int64
	Buf    []byte
}

// WritePart has the same shape as ReadPart.
type WritePart = ReadPart

// Readv reads every part concurrently on the worker pool and blocks until
// all of them finished. The result is the summed byte count, or one
// aggregate error when any part failed. Parts complete in no particular
// order and failures never cancel in-flight siblings.
func (c *Client) Readv(parts []ReadPart) (int64, error) {
	return c.vector(parts, c.Read, "readv")
}

// Writev is the write counterpart of Readv.
func (c *Client) Writev(parts []WritePart) (int64, error) {
	return c.vector(parts, c.Write, "writev")
}

func (c *Client) vector(parts []ReadPart, op func([]byte, int64, int64) (int64, error), name string) (int64, error) {
	if !c.inited {
		return 0, ErrNotInitialized
	}
	if c.fd == sentinelFD {
		return 0, ErrNotOpened
	}

	var (
		wg     sync.WaitGroup
		total  int64
		failed int64
	)

	// Every part is submitted and awaited even after failures: in-flight
	// backend calls cannot be aborted and the caller gets full accounting.
	for i := range parts {
		p := parts[i]
		wg.Add(1)
		c.pool.Submit(func() {
			defer wg.Done()

			n, err := op(p.Buf, p.Offset, p.Length)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				log.Debug().Err(err).Int64("offset", p.Offset).Int64("length", p.Length).Msg(name + " part failed")
				return
			}

			atomic.AddInt64(&total, n)
		})
	}

	wg.Wait()

	if failed > 0 {
		return 0, fmt.Errorf("%s: %d of %d parts failed", name, failed, len(parts))
	}

	return total, nil
}
