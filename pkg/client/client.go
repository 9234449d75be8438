// Package client calls gateway-served modules with signed envelopes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/xcrystal627/commune/pkg/auth"
	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/models"
)

var ErrBadResultSignature = errors.New("result signature mismatch")

// RemoteError is a structured error returned by the serving gateway. It is
// terminal: the client never retries it.
type RemoteError struct {
	Status  int
	Message string
	Type    string
}

func (e *RemoteError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("remote error (%d): %s", e.Status, e.Message)
}

type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

type Client struct {
	URL        string
	Key        keys.Signer
	ServerKey  string
	HTTPClient *http.Client
	Retry      RetryPolicy

	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

// NewClient targets address, which may be "host:port" or a full URL.
func NewClient(address string, key keys.Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	url := NormalizeURL(address)
	return &Client{
		URL:        url,
		Key:        key,
		HTTPClient: &http.Client{Timeout: timeout},
		Retry:      DefaultRetryPolicy(),
		breaker:    newBreaker(url),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// A structured gateway error means the peer is up.
		IsSuccessful: func(err error) bool {
			var re *RemoteError
			return err == nil || errors.As(err, &re)
		},
	})
}

func NormalizeURL(address string) string {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	return address
}

// BreakerState reports the circuit state for this peer.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Call invokes fn and returns the raw JSON result.
func (c *Client) Call(ctx context.Context, fn string, args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	if c.Key == nil {
		return nil, fmt.Errorf("client has no signing key")
	}
	var result json.RawMessage
	op := func() error {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.once(ctx, fn, args, kwargs)
		})
		if err != nil {
			var re *RemoteError
			if errors.As(err, &re) || errors.Is(err, ErrBadResultSignature) ||
				errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out.(json.RawMessage)
		return nil
	}
	if err := backoff.Retry(op, c.Retry.backOff(ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// CallInto invokes fn and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, fn string, args []interface{}, kwargs map[string]interface{}, out interface{}) error {
	raw, err := c.Call(ctx, fn, args, kwargs)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Info fetches the module's info helper.
func (c *Client) Info(ctx context.Context) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := c.CallInto(ctx, "info", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// once performs a single signed request. Each attempt gets a fresh timestamp
// and signature so retries are not rejected as replays.
func (c *Client) once(ctx context.Context, fn string, args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	env, err := auth.SignRequest(c.Key, args, kwargs, c.now())
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/"+strings.TrimLeft(fn, "/"), bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var er models.ErrorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error != "" {
			return nil, &RemoteError{Status: resp.StatusCode, Message: er.Error, Type: er.Type}
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("call %s failed status=%d", fn, resp.StatusCode)
		}
		return nil, &RemoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	var out models.Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if c.ServerKey != "" {
		if err := auth.VerifyResult(out, c.ServerKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResultSignature, err)
		}
	}
	return out.Result, nil
}
