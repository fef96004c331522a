package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

var DebugLog func(string, ...interface{})

const (
	UserAgent      = "neoscratch"
	DefaultTimeout = 10 * time.Minute
)

// Session is the shared HTTP client for corpus downloads and the search
// index.
type Session struct {
	Client *http.Client
}

// LoggingTransport reports every request and response through DebugLog.
type LoggingTransport struct {
	Transport http.RoundTripper
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if DebugLog != nil {
		DebugLog("requesting url: %s %s", req.Method, req.URL.Redacted())

		var headers []string
		for k, v := range req.Header {
			if k == "User-Agent" {
				continue
			}
			value := strings.Join(v, ", ")
			if k == "Authorization" {
				value = "[redacted]"
			}
			headers = append(headers, fmt.Sprintf("%s: %s", k, value))
		}
		if len(headers) > 0 {
			sort.Strings(headers)
			DebugLog("request headers: %s", strings.Join(headers, " | "))
		}
	}

	resp, err := t.Transport.RoundTrip(req)

	if DebugLog != nil {
		host := hostName(req.URL)
		if err != nil {
			DebugLog("encountered an error with %s: %v", host, err)
		} else {
			DebugLog("response from %s: status code %d, content-length %d", host, resp.StatusCode, resp.ContentLength)
			if resp.StatusCode >= 400 {
				DebugLog("encountered an error with %s: unexpected status code %d", host, resp.StatusCode)
			}
		}
	}

	return resp, err
}

func hostName(u *url.URL) string {
	if u == nil || u.Host == "" {
		return "unknown"
	}
	return u.Hostname()
}

func New(timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Session{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: Transport(),
		},
	}
}

// Transport returns the pooled base transport, wrapped for logging when
// DebugLog is set.
func Transport() http.RoundTripper {
	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	if DebugLog != nil {
		return &LoggingTransport{Transport: base}
	}
	return base
}

// Get fetches rawURL and fails on any non-200 status.
func (s *Session) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
