// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements fileclient.FileClient on top of an S3 bucket. It
// uses aws api v1. Every device file is stored as a set of objects of
// exactly one block each plus one meta object with length, status and
// owner. Since the device layer only ever issues block-aligned I/O, each
// backend call maps to whole-object GETs and PUTs.
package s3

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/asch/bdev/internal/config"
	"github.com/asch/bdev/internal/fileclient"
)

const (
	// Format string for block object keys. We split the block number
	// into halves and use the lower half of bits as s3 prefix and upper
	// half for the rest of the key. This is to prevent s3 rate limiting
	// which is applied to objects with the same prefix.
	blockKeyFmt = "%08x/%08x%s"

	// Format string for the meta object of a file.
	metaKeyFmt = "meta%s"
)

var errNotInitialized = errors.New("s3 backend is not initialized")

// fileMeta is the content of the meta object.
type fileMeta struct {
	Length uint64 `json:"length"`
	Status int    `json:"status"`
	Owner  string `json:"owner"`
}

// Client is the S3 implementation of the file backend. Parameters of the
// http connection are carefully tuned for the best performance in the AWS
// environment.
type Client struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string

	mu     sync.Mutex
	fds    map[int]string
	metas  map[string]*fileMeta
	nextFD int
	inited bool
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

func New() *Client {
	return &Client{}
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// Init loads the configuration from configPath and connects to the bucket,
// creating it when missing.
func (c *Client) Init(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading backend config: %w", err)
	}

	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(cfg.S3.Remote),
		Region:                        aws.String(cfg.S3.Region),
		Credentials:                   credentials.NewStaticCredentials(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return err
	}

	c.bucket = cfg.S3.Bucket
	c.client = s3.New(sess)
	c.uploader = s3manager.NewUploader(sess)
	c.downloader = s3manager.NewDownloader(sess)

	// Objects are single blocks, multipart transfers cannot help.
	c.uploader.Concurrency = 1
	c.downloader.Concurrency = 1

	if err := c.makeBucketExist(); err != nil {
		return err
	}

	c.mu.Lock()
	c.fds = make(map[int]string)
	c.metas = make(map[string]*fileMeta)
	c.inited = true
	c.mu.Unlock()

	return nil
}

func (c *Client) UnInit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fds = nil
	c.metas = nil
	c.inited = false
}

// Open fetches the meta object of filename, creating it for files seen for
// the first time, and hands out the next descriptor.
func (c *Client) Open(filename, owner string) (int, error) {
	if err := c.ready(); err != nil {
		return -1, err
	}

	meta, err := c.loadMeta(filename)
	if err != nil {
		if !isNoSuchKey(err) {
			return -1, err
		}

		meta = &fileMeta{Owner: owner}
		if err := c.storeMeta(filename, meta); err != nil {
			return -1, err
		}
	}

	if meta.Owner != owner {
		return -1, fmt.Errorf("file %s is owned by %q, not %q", filename, meta.Owner, owner)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inited {
		return -1, errNotInitialized
	}

	fd := c.nextFD
	c.nextFD++
	c.fds[fd] = filename
	c.metas[filename] = meta

	return fd, nil
}

func (c *Client) Close(fd int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.fds[fd]; !ok {
		return fmt.Errorf("unknown file descriptor %d", fd)
	}

	delete(c.fds, fd)

	return nil
}

// Read fetches whole block objects into buf. Blocks which were never
// written have no object and read as zeros.
func (c *Client) Read(fd int, buf []byte, offset, length int64) (int64, error) {
	filename, err := c.resolve(fd, offset, length)
	if err != nil {
		return -1, err
	}

	for done := int64(0); done < length; done += fileclient.BlockSize {
		block := (offset + done) / fileclient.BlockSize
		chunk := buf[done : done+fileclient.BlockSize]

		if err := c.downloadBlock(filename, block, chunk); err != nil {
			return -1, fmt.Errorf("reading %s block %d: %w", filename, block, err)
		}
	}

	return length, nil
}

// Write uploads whole block objects from buf and extends the recorded file
// length when the write grows the file.
func (c *Client) Write(fd int, buf []byte, offset, length int64) (int64, error) {
	filename, err := c.resolve(fd, offset, length)
	if err != nil {
		return -1, err
	}

	for done := int64(0); done < length; done += fileclient.BlockSize {
		block := (offset + done) / fileclient.BlockSize
		chunk := buf[done : done+fileclient.BlockSize]

		if err := c.uploadBlock(filename, block, chunk); err != nil {
			return -1, fmt.Errorf("writing %s block %d: %w", filename, block, err)
		}
	}

	if err := c.extend(filename, uint64(offset+length)); err != nil {
		return -1, err
	}

	return length, nil
}

func (c *Client) StatFile(filename, owner string) (fileclient.FileInfo, error) {
	if err := c.ready(); err != nil {
		return fileclient.FileInfo{}, err
	}

	meta, err := c.loadMeta(filename)
	if err != nil {
		return fileclient.FileInfo{}, err
	}

	if meta.Owner != owner {
		return fileclient.FileInfo{}, fmt.Errorf("file %s is owned by %q, not %q", filename, meta.Owner, owner)
	}

	return fileclient.FileInfo{
		Length:    meta.Length,
		RawStatus: meta.Status,
	}, nil
}

// Resolve maps fd to its filename and rejects unaligned I/O, which would
// mean a bug in the device layer above.
func (c *Client) resolve(fd int, offset, length int64) (string, error) {
	if offset%fileclient.BlockSize != 0 || length%fileclient.BlockSize != 0 {
		return "", fmt.Errorf("unaligned backend I/O: offset %d length %d", offset, length)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inited {
		return "", errNotInitialized
	}

	filename, ok := c.fds[fd]
	if !ok {
		return "", fmt.Errorf("unknown file descriptor %d", fd)
	}

	return filename, nil
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inited {
		return errNotInitialized
	}

	return nil
}

func (c *Client) downloadBlock(filename string, block int64, chunk []byte) error {
	b := aws.NewWriteAtBuffer(chunk)

	n, err := c.downloader.Download(b, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(blockKey(filename, block)),
	})

	if err != nil {
		if isNoSuchKey(err) {
			for i := range chunk {
				chunk[i] = 0
			}
			return nil
		}
		return err
	}

	if n != int64(len(chunk)) {
		return fmt.Errorf("block object has %d bytes, want %d", n, len(chunk))
	}

	return nil
}

func (c *Client) uploadBlock(filename string, block int64, chunk []byte) error {
	_, err := c.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(blockKey(filename, block)),
		Body:   bytes.NewReader(chunk),
	})

	return err
}

// Extend bumps the recorded length when end exceeds it. The meta cache is
// authoritative between Open and UnInit, the remote copy is write-through.
func (c *Client) extend(filename string, end uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.metas[filename]
	if !ok || meta.Length >= end {
		return nil
	}

	meta.Length = end

	return c.storeMeta(filename, meta)
}

func (c *Client) loadMeta(filename string) (*fileMeta, error) {
	out, err := c.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(metaKey(filename)),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}

	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt meta object for %s: %w", filename, err)
	}

	return &meta, nil
}

func (c *Client) storeMeta(filename string, meta *fileMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	_, err = c.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(metaKey(filename)),
		Body:   bytes.NewReader(raw),
	})

	return err
}

// Check whether bucket exist and if not, create it and wait until it
// appears.
func (c *Client) makeBucketExist() error {
	_, err := c.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(c.bucket)})

	if err != nil {
		_, err = c.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(c.bucket)})

		if err == nil {
			err = c.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(c.bucket)})
		}
	}

	return err
}

func isNoSuchKey(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey
	}

	return false
}

func blockKey(filename string, block int64) string {
	left := (block >> 32) & 0xffffffff
	right := block & 0xffffffff

	return fmt.Sprintf(blockKeyFmt, right, left, filename)
}

func metaKey(filename string) string {
	return fmt.Sprintf(metaKeyFmt, filename)
}
