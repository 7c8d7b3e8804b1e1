package footballdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding/charmap"

	"github.com/socascores/ingester/internal/artifact"
	"github.com/socascores/ingester/internal/ingesterr"
	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/ratelimit"
)

const (
	defaultUserAgent = "socascores-ingester/1.0"
	maxBodyBytes     = 32 << 20

	EncodingUTF8        = "utf-8"
	EncodingWindows1252 = "windows-1252"
)

// ClientConfig configures the CSV download client.
type ClientConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	Limiters   *ratelimit.Registry
	Logger     *logging.Logger

	// MaxBodyBytes caps a response; larger bodies fail. Zero means 32 MiB.
	MaxBodyBytes int64
}

// Client downloads season CSV files with per-host rate limiting and retries.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	limiters   *ratelimit.Registry
	logger     *logging.Logger
	maxBody    int64
}

// Payload is a downloaded file. Body is normalized to UTF-8; Hash covers
// the bytes as received.
type Payload struct {
	Body     []byte
	RawSize  int64
	Hash     string
	Encoding string
	MIME     string
}

// NewClient creates a new download client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	limiters := cfg.Limiters
	if limiters == nil {
		limiters = ratelimit.NewRegistry(ratelimit.SourceConfigs{})
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = maxBodyBytes
	}

	return &Client{
		httpClient: httpClient,
		timeout:    timeout,
		userAgent:  userAgent,
		limiters:   limiters,
		logger:     logger,
		maxBody:    maxBody,
	}
}

// Download retrieves rawURL, retrying transient failures with backoff.
func (c *Client) Download(ctx context.Context, rawURL string) (*Payload, error) {
	limiter, cfg := c.limiters.ForURL(rawURL)

	var payload *Payload
	attempt := 0
	operation := func() error {
		attempt++
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		p, err := c.get(ctx, rawURL)
		if err != nil {
			if ingesterr.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		payload = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("download failed, retrying",
			"url", rawURL,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, ratelimit.NewBackOff(ctx, cfg), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w (last error: %v)", ctxErr, err)
		}
		return nil, err
	}
	return payload, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (*Payload, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, ingesterr.Mark(fmt.Errorf("create request: %w", err), ingesterr.ErrPermanent)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/csv, text/plain;q=0.9, */*;q=0.1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ingesterr.Mark(fmt.Errorf("execute request: %w", err), ingesterr.ErrPermanent)
		}
		return nil, ingesterr.Mark(fmt.Errorf("execute request: %w", err), ingesterr.ErrTransient)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, ingesterr.Mark(fmt.Errorf("read response body: %w", err), ingesterr.ErrTransient)
	}
	if int64(len(body)) > c.maxBody {
		return nil, ingesterr.Mark(fmt.Errorf("response body exceeds %d bytes", c.maxBody), ingesterr.ErrPermanent)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, abbreviate(body))
		if isRetryableStatus(resp.StatusCode) {
			return nil, ingesterr.Mark(statusErr, ingesterr.ErrTransient)
		}
		return nil, ingesterr.Mark(statusErr, ingesterr.ErrPermanent)
	}

	return normalize(body)
}

// normalize rejects payloads that are not delimited text and transcodes
// legacy Windows-1252 files to UTF-8.
func normalize(body []byte) (*Payload, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, ingesterr.Mark(errors.New("empty response body"), ingesterr.ErrPermanent)
	}

	mtype := mimetype.Detect(body)
	if mtype.Is("text/html") || mtype.Is("application/xhtml+xml") {
		return nil, ingesterr.Mark(fmt.Errorf("response is %s, not CSV", mtype.String()), ingesterr.ErrPermanent)
	}
	if !isText(mtype) {
		return nil, ingesterr.Mark(fmt.Errorf("response is binary (%s), not CSV", mtype.String()), ingesterr.ErrPermanent)
	}

	p := &Payload{
		RawSize:  int64(len(body)),
		Encoding: EncodingUTF8,
		MIME:     mtype.String(),
	}
	p.Hash = artifact.HashBytes(body)

	if utf8.Valid(body) {
		p.Body = body
		return p, nil
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(body)
	if err != nil {
		return nil, ingesterr.Mark(fmt.Errorf("transcode windows-1252: %w", err), ingesterr.ErrPermanent)
	}
	p.Body = decoded
	p.Encoding = EncodingWindows1252
	return p, nil
}

func isText(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func abbreviate(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
