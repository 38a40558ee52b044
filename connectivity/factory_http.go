package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxResponseBody caps how much of a remote answer is read.
const maxResponseBody int64 = 10 << 20

type httpRouteConfig struct {
	TimeoutMs int64             `json:"timeout_ms"`
	Headers   map[string]string `json:"headers"`
}

// HTTPFactory builds handlers that POST the JSON payload to the route
// endpoint. Route config: {"timeout_ms": 5000, "headers": {"X-Key": "..."}}.
func HTTPFactory() TransportFactory {
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, nil, fmt.Errorf("connectivity/http: invalid endpoint %q", endpoint)
		}
		var cfg httpRouteConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: route config: %w", err)
			}
		}
		timeout := 30 * time.Second
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		client := &http.Client{Timeout: timeout}

		h := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range cfg.Headers {
				req.Header.Set(k, v)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, &ErrRemoteStatus{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
			}
			return body, nil
		}
		return h, client.CloseIdleConnections, nil
	}
}
