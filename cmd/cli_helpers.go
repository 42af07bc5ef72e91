package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nextlevelbuilder/walink/internal/config"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

// apiError is a non-2xx response from the gateway.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// apiClient talks to a running gateway over its HTTP API.
type apiClient struct {
	base    string
	token   string
	http    *http.Client
	retries uint64
}

// newAPIClient builds a client from the config file.
func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &apiClient{
		base:    gatewayBaseURL(cfg),
		token:   cfg.Gateway.Token,
		http:    &http.Client{Timeout: 15 * time.Second},
		retries: 3,
	}, nil
}

// mustAPIClient is newAPIClient for command handlers.
func mustAPIClient() *apiClient {
	c, err := newAPIClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}

func gatewayBaseURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))}
	return u.String()
}

// do sends one request and decodes a 2xx JSON body into out (when non-nil).
// Connection failures and 5xx/429 answers are retried with exponential backoff;
// other API errors are returned at once.
func (c *apiClient) do(ctx context.Context, method, path string, header http.Header, in, out any) (*http.Response, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return nil, err
		}
	}

	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer r.Body.Close()
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}

		if r.StatusCode >= 300 {
			apiErr := decodeAPIError(r.StatusCode, data)
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				// Delivery failures are not idempotent without a key.
				if apiErr.Code == protocol.ErrDeliveryFailed || apiErr.Code == protocol.ErrSessionDeleteFailed {
					return backoff.Permanent(apiErr)
				}
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		resp = r
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeAPIError(status int, data []byte) *apiError {
	e := &apiError{Status: status}
	var body protocol.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != nil {
		e.Code = body.Error.Code
		e.Message = body.Error.Message
	}
	return e
}

// isGatewayReachable reports whether /healthz answers. No retries.
func isGatewayReachable(c *apiClient) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// exitOnAPIError prints a friendly message for err and exits non-zero.
func exitOnAPIError(err error) {
	fmt.Fprintln(os.Stderr, formatAPIError(err))
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		os.Exit(2)
	}
	os.Exit(1)
}
