// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory is a file backend holding everything in process memory.
// It honors the same aligned-I/O contract as the real backend and is meant
// for tests and for running the daemon without any remote storage.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/asch/bdev/internal/fileclient"
)

var (
	ErrNotInitialized = errors.New("memory backend is not initialized")
	ErrBadDescriptor  = errors.New("unknown file descriptor")
	ErrWrongOwner     = errors.New("file is owned by somebody else")
)

type file struct {
	data   []byte
	status int
	owner  string
}

type openFile struct {
	name string
	file *file
}

// Client implements fileclient.FileClient on top of a map of byte slices.
// Files come into existence on first Open and grow on write.
type Client struct {
	mu     sync.Mutex
	files  map[string]*file
	fds    map[int]openFile
	nextFD int
	inited bool
}

func New() *Client {
	return &Client{}
}

func (c *Client) Init(configPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inited {
		c.files = make(map[string]*file)
		c.fds = make(map[int]openFile)
		c.inited = true
	}

	return nil
}

func (c *Client) UnInit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files = nil
	c.fds = nil
	c.inited = false
}

func (c *Client) Open(filename, owner string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inited {
		return -1, ErrNotInitialized
	}

	f, ok := c.files[filename]
	if !ok {
		f = &file{owner: owner}
		c.files[filename] = f
	} else if f.owner != owner {
		return -1, ErrWrongOwner
	}

	fd := c.nextFD
	c.nextFD++
	c.fds[fd] = openFile{name: filename, file: f}

	return fd, nil
}

func (c *Client) Close(fd int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inited {
		return ErrNotInitialized
	}
	if _, ok := c.fds[fd]; !ok {
		return ErrBadDescriptor
	}

	delete(c.fds, fd)

	return nil
}

func (c *Client) Read(fd int, buf []byte, offset, length int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.lookup(fd, offset, length)
	if err != nil {
		return -1, err
	}

	// Blocks beyond the written extent read as zeros.
	for i := range buf[:length] {
		buf[i] = 0
	}

	if offset < int64(len(f.data)) {
		copy(buf[:length], f.data[offset:])
	}

	return length, nil
}

func (c *Client) Write(fd int, buf []byte, offset, length int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.lookup(fd, offset, length)
	if err != nil {
		return -1, err
	}

	if end := offset + length; end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}

	copy(f.data[offset:], buf[:length])

	return length, nil
}

func (c *Client) StatFile(filename, owner string) (fileclient.FileInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inited {
		return fileclient.FileInfo{}, ErrNotInitialized
	}

	f, ok := c.files[filename]
	if !ok {
		return fileclient.FileInfo{}, fmt.Errorf("no such file: %s", filename)
	}
	if f.owner != owner {
		return fileclient.FileInfo{}, ErrWrongOwner
	}

	return fileclient.FileInfo{
		Length:    uint64(len(f.data)),
		RawStatus: f.status,
	}, nil
}

// SetFileStatus overrides the raw status code reported for filename. Only
// tests care about statuses other than zero.
func (c *Client) SetFileStatus(filename string, status int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[filename]
	if !ok {
		return fmt.Errorf("no such file: %s", filename)
	}
	f.status = status

	return nil
}

func (c *Client) lookup(fd int, offset, length int64) (*file, error) {
	if !c.inited {
		return nil, ErrNotInitialized
	}

	of, ok := c.fds[fd]
	if !ok {
		return nil, ErrBadDescriptor
	}

	if offset%fileclient.BlockSize != 0 || length%fileclient.BlockSize != 0 {
		return nil, fmt.Errorf("unaligned backend I/O: offset %d length %d", offset, length)
	}

	return of.file, nil
}
