// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package device exposes a byte-addressable block device on top of a
// remote file backend which only accepts block-aligned I/O. The client
// owns the open-handle lifecycle, translates arbitrary byte ranges into
// the minimal set of aligned backend operations and fans independent
// regions out over a worker pool for the vectorized calls.
//
// The backend is injected as a fileclient.FileClient, so the s3
// implementation and any in-process substitute are interchangeable.
package device
