package edinet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// listRequestType asks the document-list endpoint for full metadata.
	listRequestType = "2"
	// archiveRequestType selects the ZIP archive with the XBRL payload.
	archiveRequestType = "1"
)

// Source lists newly published documents and downloads their archives.
type Source interface {
	ListDocuments(ctx context.Context, date time.Time) ([]DocumentMeta, error)
	DownloadArchive(ctx context.Context, docID string) ([]byte, error)
}

// TransientError marks a fetch failure the caller should retry next cycle.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("edinet: transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Options parameterise the EDINET API client.
type Options struct {
	BaseURL        string
	APIKey         string
	ListTimeout    time.Duration
	ArchiveTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	UserAgent      string
}

// Client wraps the EDINET document-list and document-content endpoints.
type Client struct {
	opts    Options
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewClient constructs an EDINET API client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 10 * time.Second
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.edinet-fsa.go.jp/api/v2"
	}

	return &Client{
		opts:    opts,
		client:  &http.Client{},
		baseURL: baseURL,
		logger:  logger.With().Str("component", "edinet_client").Logger(),
	}
}

// ListDocuments fetches document metadata published on the given date.
func (c *Client) ListDocuments(ctx context.Context, date time.Time) ([]DocumentMeta, error) {
	query := url.Values{}
	query.Set("date", date.Format("2006-01-02"))
	query.Set("type", listRequestType)

	var payload []byte
	err := c.retry(ctx, "list", func() error {
		var attemptErr error
		payload, attemptErr = c.get(ctx, c.baseURL+"/documents.json", query, c.opts.ListTimeout)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	var res listResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode document list: %w", err)
	}

	c.logger.Debug().
		Str("date", date.Format("2006-01-02")).
		Int("count", len(res.Results)).
		Msg("document list fetched")
	return res.Results, nil
}

// DownloadArchive fetches the compressed XBRL archive for one document.
func (c *Client) DownloadArchive(ctx context.Context, docID string) ([]byte, error) {
	if docID == "" {
		return nil, errors.New("docID is required")
	}

	query := url.Values{}
	query.Set("type", archiveRequestType)

	var payload []byte
	err := c.retry(ctx, "archive", func() error {
		var attemptErr error
		payload, attemptErr = c.get(ctx, c.baseURL+"/documents/"+url.PathEscape(docID), query, c.opts.ArchiveTimeout)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Str("doc_id", docID).Int("bytes", len(payload)).Msg("archive downloaded")
	return payload, nil
}

// retry runs op with exponential backoff; on exhaustion the error is
// reported as transient so the caller defers to the next cycle.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.opts.BackoffBase
	expo.MaxInterval = c.opts.BackoffCap
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.opts.MaxAttempts-1)), ctx)

	attempt := 0
	permanent := false
	err := backoff.Retry(func() error {
		attempt++
		if err := fn(); err != nil {
			var perm *backoff.PermanentError
			permanent = errors.As(err, &perm)
			if !permanent {
				c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("request failed, backing off")
			}
			return err
		}
		return nil
	}, policy)
	if err != nil {
		// Retry unwraps PermanentError before returning it.
		if permanent {
			return err
		}
		return &TransientError{Op: op, Err: err}
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.opts.APIKey != "" {
		query.Set("Subscription-Key", c.opts.APIKey)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Client errors do not heal on retry.
		return nil, backoff.Permanent(apiError(resp.StatusCode, body))
	default:
		return nil, apiError(resp.StatusCode, body)
	}
}

func apiError(status int, body []byte) error {
	var res struct {
		Metadata struct {
			Message string `json:"message"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &res); err == nil && res.Metadata.Message != "" {
		return fmt.Errorf("edinet api error (%d): %s", status, res.Metadata.Message)
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed != "" && len(trimmed) < 200 {
		return fmt.Errorf("edinet api error (%d): %s", status, trimmed)
	}
	return fmt.Errorf("edinet api error (%d)", status)
}

var _ Source = (*Client)(nil)
