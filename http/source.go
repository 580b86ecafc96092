// Package http provides an image source backed by HTTP range requests.
//
// A Source probes the remote once for its size and validator (ETag or
// Last-Modified) and then serves each ReadAt with a single ranged GET. The
// validator of every range response is compared against the probed one so a
// listing never mixes blocks from two versions of an image.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrRangeUnsupported is returned when the server ignores Range headers.
	ErrRangeUnsupported = errors.New("http: server does not support range requests")

	// ErrContentChanged is returned when a range response carries a
	// different validator than the one observed when the source was opened.
	ErrContentChanged = errors.New("http: remote content changed")
)

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Op     string
	Status string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http: %s: %s", e.Op, e.Status)
}

// Source implements random access reads over HTTP.
// It satisfies isoroot.Source and the block cache's RangeReader.
type Source struct {
	url       string
	client    *nethttp.Client
	headers   nethttp.Header
	ctx       context.Context
	logger    *slog.Logger
	size      int64
	validator string
	sourceID  string
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders adds headers to every request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		for key, values := range headers {
			for _, value := range values {
				s.header().Add(key, value)
			}
		}
	}
}

// WithHeader sets a single header on every request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		s.header().Set(key, value)
	}
}

// WithContext sets the context attached to every request.
func WithContext(ctx context.Context) Option {
	return func(s *Source) {
		s.ctx = ctx
	}
}

// WithLogger sets the logger used for request tracing.
// If not set, logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

func (s *Source) header() nethttp.Header {
	if s.headers == nil {
		s.headers = make(nethttp.Header)
	}
	return s.headers
}

// NewSource returns a Source for url after probing its size and validator.
func NewSource(url string, opts ...Option) (*Source, error) {
	s := &Source{url: url}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	if err := s.probe(); err != nil {
		return nil, err
	}
	s.sourceID = digest.FromString(fmt.Sprintf("url:%s|size:%d|validator:%s", s.url, s.size, s.validator)).String()
	s.logger.Debug("opened http source", "url", s.url, "size", s.size, "validator", s.validator)
	return s, nil
}

// Size returns the size of the remote image.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID returns a digest of the URL, size, and validator.
func (s *Source) SourceID() string {
	return s.sourceID
}

// Close releases idle connections held by the client.
func (s *Source) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// ReadAt reads len(p) bytes at off with one range request.
// A read extending past the end of the image returns the available bytes
// and io.EOF.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http: read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), s.size-off)

	body, err := s.get(off, want)
	if err != nil {
		return 0, err
	}
	defer drain(body)

	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		return n, err
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// ReadRange returns a reader for length bytes at off.
func (s *Source) ReadRange(off, length int64) (io.ReadCloser, error) {
	switch {
	case length < 0:
		return nil, fmt.Errorf("http: read range length %d: negative length", length)
	case length == 0:
		return io.NopCloser(bytes.NewReader(nil)), nil
	case off < 0:
		return nil, fmt.Errorf("http: read range %d: negative offset", off)
	case off >= s.size:
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	length = min(length, s.size-off)

	body, err := s.get(off, length)
	if err != nil {
		return nil, err
	}
	return &limitedBody{body: body, r: io.LimitReader(body, length)}, nil
}

// get issues a ranged GET and returns the response body on 206.
func (s *Source) get(off, length int64) (io.ReadCloser, error) {
	req, err := s.newRequest(nethttp.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("range request", "offset", off, "length", length, "status", resp.StatusCode)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusRequestedRangeNotSatisfiable:
		drain(resp.Body)
		return nil, io.EOF
	case nethttp.StatusOK:
		drain(resp.Body)
		return nil, ErrRangeUnsupported
	default:
		drain(resp.Body)
		return nil, &StatusError{Op: "range request", Status: resp.Status, Code: resp.StatusCode}
	}

	if v := validatorOf(resp.Header); s.validator != "" && v != "" && v != s.validator {
		drain(resp.Body)
		return nil, fmt.Errorf("%w: validator %q, opened with %q", ErrContentChanged, v, s.validator)
	}
	return resp.Body, nil
}

// probe determines the image size from a one-byte range request,
// cross-checked against HEAD when the server answers it.
func (s *Source) probe() error {
	headSize := int64(-1)
	if req, err := s.newRequest(nethttp.MethodHead); err == nil {
		if resp, err := s.client.Do(req); err == nil {
			if resp.StatusCode == nethttp.StatusOK {
				headSize = resp.ContentLength
				s.validator = validatorOf(resp.Header)
			}
			drain(resp.Body)
		}
	}

	req, err := s.newRequest(nethttp.MethodGet)
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusOK:
		return ErrRangeUnsupported
	default:
		return &StatusError{Op: "range probe", Status: resp.Status, Code: resp.StatusCode}
	}

	size, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	if headSize > 0 && headSize != size {
		return fmt.Errorf("http: content size mismatch: head=%d range=%d", headSize, size)
	}
	if s.validator == "" {
		s.validator = validatorOf(resp.Header)
	}
	s.size = size
	return nil
}

func (s *Source) newRequest(method string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(s.ctx, method, s.url, nil)
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
	return req, nil
}

// validatorOf returns the strong validator of a response: the ETag if
// present, otherwise Last-Modified.
func validatorOf(h nethttp.Header) string {
	if etag := h.Get("ETag"); etag != "" {
		return etag
	}
	return h.Get("Last-Modified")
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

type limitedBody struct {
	body io.ReadCloser
	r    io.Reader
}

func (b *limitedBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *limitedBody) Close() error {
	drain(b.body)
	return nil
}

// parseContentRange returns the complete length from a
// "bytes first-last/complete" Content-Range value.
func parseContentRange(value string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	return size, nil
}
