// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/bdev/internal/fileclient"
	"github.com/asch/bdev/internal/metrics"
	"github.com/asch/bdev/internal/taskpool"
)

// Descriptor value meaning no file is open.
const sentinelFD = -1

var (
	// ErrNotOpened is returned by I/O calls issued before a successful
	// Open. No backend call is made in that case.
	ErrNotOpened = errors.New("no file is opened on the device")

	// ErrNotInitialized is returned when the client is used before a
	// successful Init.
	ErrNotInitialized = errors.New("device client is not initialized")
)

// Options configures the client. Immutable after Init.
type Options struct {
	// ConfigPath is forwarded verbatim to the backend Init.
	ConfigPath string

	// ThreadNum is the number of workers serving vectorized I/O.
	ThreadNum int
}

// FileStatus is the decoded backend file status.
type FileStatus int

const (
	StatusCreated FileStatus = iota
	StatusDeleting
	StatusCloning
	StatusCloneMetaInstalled
	StatusCloned
	StatusBeingCloned
)

func (s FileStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusDeleting:
		return "deleting"
	case StatusCloning:
		return "cloning"
	case StatusCloneMetaInstalled:
		return "clone-meta-installed"
	case StatusCloned:
		return "cloned"
	case StatusBeingCloned:
		return "being-cloned"
	}

	return fmt.Sprintf("unknown(%d)", int(s))
}

// Stat is the device view of backend file metadata.
type Stat struct {
	Length uint64
	Status FileStatus
}

// Client is the block device client. One instance owns at most one open
// backend file. Open and Close must not race with in-flight I/O; the
// vectorized calls share the descriptor read-only.
type Client struct {
	fc   fileclient.FileClient
	pool *taskpool.Pool
	iom  *metrics.IOMetrics

	fd     int
	inited bool
}

// New returns a client using fc as its backend. Init must be called before
// any other method.
func New(fc fileclient.FileClient) *Client {
	return &Client{
		fc: fc,
		fd: sentinelFD,
	}
}

// SetMetrics attaches I/O counters. A nil handle keeps metrics disabled.
// Must be called before I/O starts.
func (c *Client) SetMetrics(m *metrics.IOMetrics) {
	c.iom = m
}

// Init configures the backend and starts the worker pool. When the backend
// refuses its configuration the client stays uninitialized and no pool is
// started. Repeated Init replaces the previous pool.
func (c *Client) Init(opts Options) error {
	if err := c.fc.Init(opts.ConfigPath); err != nil {
		return fmt.Errorf("initializing file backend: %w", err)
	}

	if c.pool != nil {
		c.pool.Stop()
	}
	c.pool = taskpool.New(opts.ThreadNum)
	c.inited = true

	return nil
}

// UnInit stops the worker pool and releases the backend. It always
// succeeds and may be called repeatedly.
func (c *Client) UnInit() {
	if c.pool != nil {
		c.pool.Stop()
		c.pool = nil
	}

	c.fc.UnInit()
	c.fd = sentinelFD
	c.inited = false
}

// Open acquires a descriptor for filename. Any non-negative descriptor is
// a success, including zero. A previously held descriptor is replaced.
func (c *Client) Open(filename, owner string) error {
	if !c.inited {
		return ErrNotInitialized
	}

	fd, err := c.fc.Open(filename, owner)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filename, err)
	}
	if fd < 0 {
		return fmt.Errorf("opening %s: backend returned negative descriptor %d", filename, fd)
	}

	c.fd = fd
	log.Debug().Str("filename", filename).Int("fd", fd).Msg("device file opened")

	return nil
}

// Close releases the descriptor. With nothing open it is a successful
// no-op and issues no backend call. When the backend refuses, the
// descriptor is retained so Close can be retried.
func (c *Client) Close() error {
	if c.fd == sentinelFD {
		return nil
	}

	if err := c.fc.Close(c.fd); err != nil {
		return fmt.Errorf("closing fd %d: %w", c.fd, err)
	}

	c.fd = sentinelFD

	return nil
}

// Stat fetches metadata for filename. It is keyed by filename and works
// without a prior Open. Backend failures propagate verbatim; a status code
// outside the known mapping is an error.
func (c *Client) Stat(filename, owner string) (Stat, error) {
	if !c.inited {
		return Stat{}, ErrNotInitialized
	}

	fi, err := c.fc.StatFile(filename, owner)
	if err != nil {
		return Stat{}, err
	}

	status, err := statusFromRaw(fi.RawStatus)
	if err != nil {
		return Stat{}, err
	}

	return Stat{
		Length: fi.Length,
		Status: status,
	}, nil
}

func statusFromRaw(raw int) (FileStatus, error) {
	s := FileStatus(raw)
	if s < StatusCreated || s > StatusBeingCloned {
		return 0, fmt.Errorf("unknown backend file status %d", raw)
	}

	return s, nil
}
