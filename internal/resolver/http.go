package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// HTTPResolver resolves references by GETting them, relative references
// being joined to a base URL. Transport failures and 5xx responses are
// retried with exponential backoff; 404 is reported as ErrNotFound at once.
type HTTPResolver struct {
	baseURL  *url.URL
	client   *http.Client
	maxTries uint
	backoff  func() backoff.BackOff
}

// HTTPOption customises an HTTPResolver.
type HTTPOption func(*HTTPResolver)

// WithBackOff replaces the default exponential backoff policy.
func WithBackOff(factory func() backoff.BackOff) HTTPOption {
	return func(r *HTTPResolver) {
		r.backoff = factory
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPResolver) {
		r.client = client
	}
}

func NewHTTPResolver(baseURL string, timeout time.Duration, maxTries uint, opts ...HTTPOption) (*HTTPResolver, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse resolver base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("resolver base url %q must be absolute", baseURL)
	}
	if maxTries == 0 {
		maxTries = 1
	}
	r := &HTTPResolver{
		baseURL:  base,
		client:   &http.Client{Timeout: timeout},
		maxTries: maxTries,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *HTTPResolver) Resolve(ctx context.Context, ref string) (Document, error) {
	target, err := r.target(ref)
	if err != nil {
		return nil, err
	}
	logger := log.With().
		Str("component", "http_resolver").
		Str("url", target).
		Logger()

	attempt := 0
	operation := func() (Document, error) {
		attempt++
		doc, err := r.fetch(ctx, target)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("item fetch failed")
		}
		return doc, err
	}

	doc, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.backoff()),
		backoff.WithMaxTries(r.maxTries),
	)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *HTTPResolver) target(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty item reference")
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse item reference %q: %w", ref, err)
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	return r.baseURL.ResolveReference(parsed).String(), nil
}

func (r *HTTPResolver) fetch(ctx context.Context, target string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create item request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request item: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, target))
	case resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("item unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("item unexpected status %d", resp.StatusCode))
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode item: %w", err))
	}
	return Document(payload), nil
}
