package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"salesetl/internal/etl"
)

// ── HTTP Source ─────────────────────────────────────────────
// Fetches a JSON array of objects from a REST endpoint, e.g. the
// conversion-rate API. Each object becomes a record; nested values are
// kept as JSON strings.

// Cache stores raw response bodies keyed by request URL.
// Implementations treat their own failures as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, body []byte)
}

// HTTP is an etl.Source that reads JSON over HTTP.
type HTTP struct {
	Client *http.Client
	Cache  Cache // optional
}

// NewHTTP creates an HTTP source with the given request timeout.
func NewHTTP(timeout time.Duration, cache Cache) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{Client: &http.Client{Timeout: timeout}, Cache: cache}
}

func (s *HTTP) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "http",
		Label: "HTTP API",
		ConfigFields: []etl.ConfigField{
			{Key: "url", Label: "URL", Required: true, Help: "Full URL to fetch"},
			{Key: "method", Label: "Method", Default: "GET"},
			{Key: "headers", Label: "Headers", Help: "JSON object of headers (e.g., {\"Authorization\": \"Bearer xxx\"})"},
			{Key: "body", Label: "Body", Help: "Request body (for POST)"},
			{Key: "dataPath", Label: "Data Path", Help: "Dot-separated path to the array in the response (e.g., 'data.items')"},
		},
	}
}

func (s *HTTP) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	t, err := s.Snapshot(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return t.Schema, nil
}

func (s *HTTP) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	return streamSnapshot(ctx, func() (*etl.Table, error) { return s.Snapshot(ctx, cfg) })
}

// Snapshot fetches the endpoint once and parses the response. Only GET
// responses that parse are cached.
func (s *HTTP) Snapshot(ctx context.Context, cfg etl.SourceConfig) (*etl.Table, error) {
	url := cfg.String("url")
	cacheable := s.Cache != nil && url != "" && s.method(cfg) == http.MethodGet
	if cacheable {
		if body, ok := s.Cache.Get(ctx, url); ok {
			return ParseJSONRecords(body, cfg.String("dataPath"))
		}
	}

	data, err := s.fetch(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t, err := ParseJSONRecords(data, cfg.String("dataPath"))
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.Cache.Set(ctx, url, data)
	}
	return t, nil
}

func (s *HTTP) method(cfg etl.SourceConfig) string {
	if m := strings.ToUpper(cfg.String("method")); m != "" {
		return m
	}
	return http.MethodGet
}

func (s *HTTP) fetch(ctx context.Context, cfg etl.SourceConfig) ([]byte, error) {
	url := cfg.String("url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	method := s.method(cfg)

	var bodyReader io.Reader
	if body := cfg.String("body"); body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if headersStr := cfg.String("headers"); headersStr != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(headersStr), &headers); err != nil {
			return nil, fmt.Errorf("parse headers: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// streamSnapshot adapts a one-shot load to the channel-based Read contract.
func streamSnapshot(ctx context.Context, load func() (*etl.Table, error)) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		t, err := load()
		if err != nil {
			errCh <- err
			return
		}
		for _, rec := range t.Records {
			select {
			case out <- rec:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return out, errCh
}
