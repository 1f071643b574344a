// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"errors"
	"sync/atomic"
	"testing"
)

const (
	kiB = int64(1024)
	miB = 1024 * kiB
)

func alignedParts(n int) []ReadPart {
	parts := make([]ReadPart, n)
	for i := range parts {
		parts[i] = ReadPart{
			Offset: int64(i) * 4 * miB,
			Length: 4 * kiB,
			Buf:    make([]byte, 4*kiB),
		}
	}
	return parts
}

func TestReadvAllSuccess(t *testing.T) {
	fake := &fakeFileClient{openFD: 1}
	c := newOpenDevice(t, fake)

	n, err := c.Readv(alignedParts(4))
	if err != nil {
		t.Fatalf("Readv failed: %v", err)
	}
	if n != 4*(4*kiB) {
		t.Fatalf("Readv returned %d bytes, want %d", n, 4*(4*kiB))
	}

	reads, _ := fake.calls()
	if len(reads) != 4 {
		t.Fatalf("expected 4 backend reads, got %d", len(reads))
	}
}

func TestReadvAllFailed(t *testing.T) {
	fake := &fakeFileClient{openFD: 1, readFn: func([]byte, int64, int64) (int64, error) {
		return -1, errors.New("io error")
	}}
	c := newOpenDevice(t, fake)

	if _, err := c.Readv(alignedParts(4)); err == nil {
		t.Fatal("expected Readv to fail")
	}

	// Every part is still submitted and awaited: each backend read must
	// be observed exactly once.
	reads, _ := fake.calls()
	if len(reads) != 4 {
		t.Fatalf("expected 4 backend reads, got %d", len(reads))
	}
}

func TestReadvPartialFailed(t *testing.T) {
	var remaining int64 = 4
	fake := &fakeFileClient{openFD: 1, readFn: func(_ []byte, _, length int64) (int64, error) {
		if atomic.AddInt64(&remaining, -1) < 2 {
			return -1, errors.New("io error")
		}
		return length, nil
	}}
	c := newOpenDevice(t, fake)

	if _, err := c.Readv(alignedParts(4)); err == nil {
		t.Fatal("expected Readv to fail when any part fails")
	}

	reads, _ := fake.calls()
	if len(reads) != 4 {
		t.Fatalf("expected 4 backend reads, got %d", len(reads))
	}
}

func TestReadvRequiresOpenFile(t *testing.T) {
	fake := &fakeFileClient{}
	c := newTestClient(t, fake)

	if _, err := c.Readv(alignedParts(2)); !errors.Is(err, ErrNotOpened) {
		t.Fatalf("expected ErrNotOpened, got %v", err)
	}
	if len(fake.reads) != 0 {
		t.Fatalf("expected zero backend reads, got %d", len(fake.reads))
	}
}

func TestReadvRequiresInit(t *testing.T) {
	c := New(&fakeFileClient{})

	if _, err := c.Readv(alignedParts(1)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestWritevAllSuccess(t *testing.T) {
	fake := &fakeFileClient{openFD: 1}
	c := newOpenDevice(t, fake)

	n, err := c.Writev(alignedParts(4))
	if err != nil {
		t.Fatalf("Writev failed: %v", err)
	}
	if n != 4*(4*kiB) {
		t.Fatalf("Writev returned %d bytes, want %d", n, 4*(4*kiB))
	}

	reads, writes := fake.calls()
	if len(reads) != 0 {
		t.Fatalf("aligned Writev issued %d boundary reads", len(reads))
	}
	if len(writes) != 4 {
		t.Fatalf("expected 4 backend writes, got %d", len(writes))
	}
}

func TestWritevAllFailed(t *testing.T) {
	fake := &fakeFileClient{openFD: 1, writeFn: func([]byte, int64, int64) (int64, error) {
		return -1, errors.New("io error")
	}}
	c := newOpenDevice(t, fake)

	if _, err := c.Writev(alignedParts(4)); err == nil {
		t.Fatal("expected Writev to fail")
	}

	_, writes := fake.calls()
	if len(writes) != 4 {
		t.Fatalf("expected 4 backend writes, got %d", len(writes))
	}
}

func TestWritevPartialFailureStillRunsEveryPart(t *testing.T) {
	fake := &fakeFileClient{openFD: 1, writeFn: func(_ []byte, offset, length int64) (int64, error) {
		if offset == 4*miB {
			return -1, errors.New("io error")
		}
		return length, nil
	}}
	c := newOpenDevice(t, fake)

	if _, err := c.Writev(alignedParts(4)); err == nil {
		t.Fatal("expected Writev to fail")
	}

	// No short-circuit: the failing part must not suppress its siblings.
	_, writes := fake.calls()
	if len(writes) != 4 {
		t.Fatalf("expected 4 backend writes, got %d", len(writes))
	}
}

func TestWritevAllUnaligned(t *testing.T) {
	fake := &fakeFileClient{openFD: 1, readFn: fillOnes}
	c := newOpenDevice(t, fake)

	parts := make([]WritePart, 4)
	for i := range parts {
		parts[i] = WritePart{
			Offset: int64(i) * 4 * miB,
			Length: 2 * kiB,
			Buf:    make([]byte, 2*kiB),
		}
	}

	n, err := c.Writev(parts)
	if err != nil {
		t.Fatalf("Writev failed: %v", err)
	}
	if n != 4*(2*kiB) {
		t.Fatalf("Writev returned %d bytes, want %d", n, 4*(2*kiB))
	}

	// Each 2 KiB part sits at the head of its page: one boundary read
	// and one consolidated write per part.
	reads, writes := fake.calls()
	if len(reads) != 4 {
		t.Fatalf("expected 4 boundary reads, got %d", len(reads))
	}
	if len(writes) != 4 {
		t.Fatalf("expected 4 backend writes, got %d", len(writes))
	}
	for _, w := range writes {
		if w.length != blockSize {
			t.Fatalf("consolidated write of %d bytes, want %d", w.length, blockSize)
		}
	}
}

func TestWritevMoreGroupsThanWorkers(t *testing.T) {
	fake := &fakeFileClient{openFD: 1}

	c := New(fake)
	if err := c.Init(Options{ThreadNum: 2}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(c.UnInit)
	if err := c.Open("/filename", "owner"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	n, err := c.Writev(alignedParts(16))
	if err != nil {
		t.Fatalf("Writev failed: %v", err)
	}
	if n != 16*(4*kiB) {
		t.Fatalf("Writev returned %d bytes, want %d", n, 16*(4*kiB))
	}
}

func TestReadvEmpty(t *testing.T) {
	fake := &fakeFileClient{openFD: 1}
	c := newOpenDevice(t, fake)

	n, err := c.Readv(nil)
	if err != nil || n != 0 {
		t.Fatalf("empty Readv = (%d, %v), want (0, nil)", n, err)
	}
}
