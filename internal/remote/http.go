package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
)

const (
	// DefaultTimeout applies to requests whose context has no deadline.
	DefaultTimeout = 45 * time.Second

	defaultUserAgent = "callsync"

	// maxErrorBody bounds how much of an error response is read for the reason.
	maxErrorBody = 4 * 1024

	defaultMaxIdleConnsPerHost = 4
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultDialTimeout         = 30 * time.Second
)

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
	// Transport replaces the default pooled transport.
	Transport http.RoundTripper
}

// HTTPClient pushes metadata and uploads recordings to the remote REST API:
//
//	PUT {base}/calls/{id}            JSON metadata
//	PUT {base}/calls/{id}/recording  raw artifact bytes
type HTTPClient struct {
	base      *url.URL
	token     string
	timeout   time.Duration
	userAgent string
	client    *http.Client
}

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.Newf("remote base URL is required").
			Component("remote").
			Category(errors.CategoryConfiguration).
			Build()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, errors.Newf("invalid remote base URL %q", cfg.BaseURL).
			Component("remote").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   defaultDialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
			IdleConnTimeout:     defaultIdleConnTimeout,
			TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
		}
	}

	return &HTTPClient{
		base:      base,
		token:     cfg.Token,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Transport: transport},
	}, nil
}

// Name implements RecordingUploader.
func (c *HTTPClient) Name() string { return "http" }

// PushMetadata implements MetadataPusher.
func (c *HTTPClient) PushMetadata(ctx context.Context, rec *entities.CallRecord) error {
	const op = "push_metadata"

	body, err := json.Marshal(NewMetadataPayload(rec))
	if err != nil {
		return Rejected(op, "encode metadata", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.callURL(rec.CompositeID), bytes.NewReader(body))
	if err != nil {
		return Rejected(op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Metadata-Version", strconv.FormatInt(rec.MetadataVersion, 10))

	return c.do(ctx, op, req)
}

// UploadRecording implements RecordingUploader. The artifact is streamed
// from disk; every call sends the whole file.
func (c *HTTPClient) UploadRecording(ctx context.Context, compositeID, artifactPath string) error {
	const op = "upload_recording"

	file, err := os.Open(artifactPath) //nolint:gosec // G304: artifact path is owned by the engine
	if err != nil {
		return wrap(op, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return wrap(op, err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.callURL(compositeID)+"/recording", file)
	if err != nil {
		return Rejected(op, "build request", err)
	}
	req.ContentLength = stat.Size()
	req.Header.Set("Content-Type", ContentType(artifactPath))
	req.Header.Set("X-Recording-Filename", filepath.Base(artifactPath))

	return c.do(ctx, op, req)
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) callURL(compositeID string) string {
	return c.base.String() + "/calls/" + url.PathEscape(compositeID)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *HTTPClient) do(ctx context.Context, op string, req *http.Request) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return wrap(op, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return StatusError(op, resp.StatusCode, readReason(resp.Body))
}

// readReason extracts a message from an error response: the "error" or
// "message" field of a JSON body, or the body text.
func readReason(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}

// ContentType guesses the MIME type of an artifact from its extension.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m4a", ".mp4", ".aac":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".mp3":
		return "audio/mpeg"
	case ".amr":
		return "audio/amr"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".3gp":
		return "audio/3gpp"
	default:
		return "application/octet-stream"
	}
}
