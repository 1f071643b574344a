// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"fmt"

	"github.com/asch/bdev/internal/fileclient"
)

// The backend accepts I/O only in multiples of this, on aligned offsets.
const blockSize = fileclient.BlockSize

// alignedRange is the minimal block-aligned interval enclosing a requested
// byte range.
type alignedRange struct {
	offset int64
	length int64
}

func alignRange(offset, length int64) alignedRange {
	start := offset / blockSize * blockSize
	end := (offset + length + blockSize - 1) / blockSize * blockSize

	return alignedRange{
		offset: start,
		length: end - start,
	}
}

// Read fills buf[:length] from the device at an arbitrary byte offset. An
// exactly aligned request goes straight into the caller buffer; anything
// else reads the enclosing aligned range into a scratch buffer and copies
// the requested window out. A zero length is a successful no-op.
func (c *Client) Read(buf []byte, offset, length int64) (n int64, err error) {
	defer func() { c.iom.ObserveRead(n, err) }()

	if c.fd == sentinelFD {
		return 0, ErrNotOpened
	}
	if offset < 0 || length < 0 {
		return 0, fmt.Errorf("invalid read range: offset %d length %d", offset, length)
	}
	if length == 0 {
		return 0, nil
	}

	r := alignRange(offset, length)

	if r.offset == offset && r.length == length {
		if err := c.backendRead(buf[:length], offset, length); err != nil {
			return 0, err
		}
		return length, nil
	}

	scratch := make([]byte, r.length)
	if err := c.backendRead(scratch, r.offset, r.length); err != nil {
		return 0, err
	}

	copy(buf[:length], scratch[offset-r.offset:])

	return length, nil
}

// Write stores buf[:length] to the device at an arbitrary byte offset as
// one consolidated backend write. Only partially overwritten boundary
// pages are read back first, at most one at the head and one at the tail;
// interior pages come solely from the caller. Every boundary read must
// validate before the write is issued, so a failed Write never partially
// applies.
func (c *Client) Write(buf []byte, offset, length int64) (n int64, err error) {
	defer func() { c.iom.ObserveWrite(n, err) }()

	if c.fd == sentinelFD {
		return 0, ErrNotOpened
	}
	if offset < 0 || length < 0 {
		return 0, fmt.Errorf("invalid write range: offset %d length %d", offset, length)
	}
	if length == 0 {
		return 0, nil
	}

	r := alignRange(offset, length)

	if r.offset == offset && r.length == length {
		if err := c.backendWrite(buf[:length], offset, length); err != nil {
			return 0, err
		}
		return length, nil
	}

	scratch := make([]byte, r.length)

	headPartial := offset > r.offset
	tailPartial := offset+length < r.offset+r.length
	tailStart := r.offset + r.length - blockSize

	if headPartial {
		if err := c.backendRead(scratch[:blockSize], r.offset, blockSize); err != nil {
			return 0, err
		}
	}

	// When head and tail land on the same page the head read already
	// covered it.
	if tailPartial && (!headPartial || tailStart != r.offset) {
		off := tailStart - r.offset
		if err := c.backendRead(scratch[off:off+blockSize], tailStart, blockSize); err != nil {
			return 0, err
		}
	}

	copy(scratch[offset-r.offset:], buf[:length])

	if err := c.backendWrite(scratch, r.offset, r.length); err != nil {
		return 0, err
	}

	return length, nil
}

// backendRead issues one aligned backend read and treats anything but a
// full-length transfer as a failure, short reads included.
func (c *Client) backendRead(buf []byte, offset, length int64) error {
	n, err := c.fc.Read(c.fd, buf, offset, length)
	if err != nil {
		return fmt.Errorf("backend read of %d bytes at %d: %w", length, offset, err)
	}
	if n != length {
		return fmt.Errorf("backend read of %d bytes at %d transferred %d", length, offset, n)
	}

	return nil
}

// backendWrite issues one aligned backend write with the same full-length
// rule as backendRead.
func (c *Client) backendWrite(buf []byte, offset, length int64) error {
	n, err := c.fc.Write(c.fd, buf, offset, length)
	if err != nil {
		return fmt.Errorf("backend write of %d bytes at %d: %w", length, offset, err)
	}
	if n != length {
		return fmt.Errorf("backend write of %d bytes at %d transferred %d", length, offset, n)
	}

	return nil
}
