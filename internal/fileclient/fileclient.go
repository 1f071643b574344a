// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package fileclient defines the capability the device layer consumes to
// talk to a remote file backend. The backend operates on whole blocks of
// BlockSize bytes; offsets and lengths passed to Read and Write must be
// multiples of it. Anything implementing FileClient can back a device,
// which is how the s3 and memory implementations stay interchangeable.
package fileclient

// BlockSize is the backend I/O granularity in bytes. It is fixed for the
// process lifetime; the device layer aligns every request to it.
const BlockSize = 4096

// FileInfo is the raw metadata record returned by StatFile. RawStatus is
// the backend numeric status code, interpretation is left to the caller.
type FileInfo struct {
	Length    uint64
	RawStatus int
}

// FileClient is the remote file backend capability. Read and Write return
// the number of bytes transferred; a count different from the requested
// length is a failure for the caller even when the error is nil, short
// transfers are never retried at this layer.
type FileClient interface {
	// Init configures the client from the given configuration file.
	// No other method may be called before Init succeeds.
	Init(configPath string) error

	// UnInit releases all client resources. It is idempotent.
	UnInit()

	// Open returns a non-negative descriptor for the named file owned
	// by owner. Zero is a valid descriptor.
	Open(filename, owner string) (int, error)

	// Close releases the descriptor previously returned by Open.
	Close(fd int) error

	// Read fills buf[:length] from the file at offset. Offset and
	// length must be multiples of BlockSize.
	Read(fd int, buf []byte, offset, length int64) (int64, error)

	// Write stores buf[:length] to the file at offset. Offset and
	// length must be multiples of BlockSize.
	Write(fd int, buf []byte, offset, length int64) (int64, error)

	// StatFile returns metadata for the named file. It is keyed by
	// filename and works without a prior Open.
	StatFile(filename, owner string) (FileInfo, error)
}
