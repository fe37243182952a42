// Package http reads archive data blobs with HTTP range requests.
package http //nolint:revive // intentional naming for domain clarity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
)

// ErrRangeUnsupported is returned when the server ignores range requests.
var ErrRangeUnsupported = errors.New("http: range requests not supported")

// Source implements random access reads via HTTP range requests.
// It satisfies archive.ByteSource.
type Source struct {
	url      string
	client   *nethttp.Client
	headers  nethttp.Header
	size     int64
	etag     string
	sourceID string
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithSize sets the content size, skipping the size probe. Use it when the
// size is already known, for example from a manifest descriptor.
func WithSize(size int64) Option {
	return func(s *Source) {
		s.size = size
	}
}

// WithSourceID overrides the default source identifier.
func WithSourceID(id string) Option {
	return func(s *Source) {
		s.sourceID = id
	}
}

// NewSource creates a Source backed by HTTP range requests.
// Unless WithSize is given it probes the remote to determine the content size.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{
		url:    url,
		client: nethttp.DefaultClient,
		size:   -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}

	if s.size < 0 {
		size, etag, err := s.rangeProbe(ctx)
		if err != nil {
			return nil, err
		}
		s.size = size
		s.etag = etag
	}
	if s.sourceID == "" {
		s.sourceID = s.defaultSourceID()
	}
	return s, nil
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID returns a stable identifier for the remote content.
func (s *Source) SourceID() string {
	return s.sourceID
}

// ReadRange returns a reader for the byte range [off, off+length).
// If the offset is at or beyond the content size, it returns io.EOF. The
// returned reader must be closed to release the underlying connection.
func (s *Source) ReadRange(off, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return nil, fmt.Errorf("read range length %d: negative length", length)
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if off < 0 {
		return nil, fmt.Errorf("read range %d: negative offset", off)
	}
	if off >= s.size {
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	if length > s.size-off {
		length = s.size - off
	}

	resp, err := s.rangeRequest(context.Background(), off, off+length-1)
	if err != nil {
		return nil, err
	}
	if err := checkRangeStatus(resp); err != nil {
		drain(resp.Body)
		return nil, err
	}
	return &rangeReadCloser{
		body:   resp.Body,
		reader: io.LimitReader(resp.Body, length),
	}, nil
}

// ReadAt reads len(p) bytes from the remote at the given offset. It
// implements [io.ReaderAt]. If fewer bytes are available than requested, it
// returns the number of bytes read along with io.EOF.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	resp, err := s.rangeRequest(context.Background(), off, end)
	if err != nil {
		return 0, err
	}
	defer drain(resp.Body)
	if err := checkRangeStatus(resp); err != nil {
		return 0, err
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Source) defaultSourceID() string {
	if s.etag != "" {
		return fmt.Sprintf("url:%s|etag:%s", s.url, s.etag)
	}
	return fmt.Sprintf("url:%s|size:%d", s.url, s.size)
}

// rangeProbe verifies range request support and extracts the content size
// from Content-Range.
func (s *Source) rangeProbe(ctx context.Context) (size int64, etag string, err error) {
	resp, err := s.rangeRequest(ctx, 0, 0)
	if err != nil {
		return 0, "", err
	}
	defer drain(resp.Body)

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return 0, "", ErrRangeUnsupported
		}
		return 0, "", fmt.Errorf("range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, "", errors.New("range probe missing Content-Range")
	}
	size, err = parseContentRange(crange)
	if err != nil {
		return 0, "", err
	}
	return size, resp.Header.Get("ETag"), nil
}

// rangeRequest performs a GET request for the byte range [off, end].
func (s *Source) rangeRequest(ctx context.Context, off, end int64) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, s.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	return s.client.Do(req)
}

func checkRangeStatus(resp *nethttp.Response) error {
	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		return nil
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return io.EOF
	case nethttp.StatusOK:
		return ErrRangeUnsupported
	default:
		return fmt.Errorf("range request failed: %s", resp.Status)
	}
}

// drain discards and closes a response body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body) //nolint:errcheck // best-effort drain for connection reuse
	_ = body.Close()
}

// rangeReadCloser wraps a response body with a limit reader.
type rangeReadCloser struct {
	body   io.ReadCloser
	reader io.Reader
}

func (r *rangeReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

// Close drains and closes the underlying response body.
func (r *rangeReadCloser) Close() error {
	_, _ = io.Copy(io.Discard, r.body) //nolint:errcheck // best-effort drain for connection reuse
	return r.body.Close()
}

// parseContentRange extracts the total size from a Content-Range header
// value of the form "bytes start-end/size".
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
