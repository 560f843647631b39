// Package fedclient sends signed outbound federation requests: it
// composes destination resolution and request signing over an HTTP
// transport, with a three-way error taxonomy callers can branch on.
package fedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cirnoe/homefed/internal/resolve"
	"github.com/cirnoe/homefed/internal/signing"
)

// ErrFederationDisabled is returned when the client is asked to send while
// federation is administratively disabled.
var ErrFederationDisabled = errors.New("federation is disabled")

// ErrorKind classifies a Client error into three disjoint kinds, so
// callers (the transaction ingestor, the API layer) can respond
// appropriately without string-matching error text.
type ErrorKind int

const (
	// ErrKindConfiguration covers federation-disabled and resolver setup
	// failures; no network traffic was attempted.
	ErrKindConfiguration ErrorKind = iota
	// ErrKindTransport covers HTTP layer failures: DNS, TLS, timeout,
	// connection refused.
	ErrKindTransport
	// ErrKindProtocol covers a non-2xx status or an undecodable body.
	ErrKindProtocol
)

// Error wraps a Client failure with its ErrorKind, so errors.As can recover
// structured detail while %w / fmt.Errorf chains stay intact.
type Error struct {
	Kind        ErrorKind
	Destination string
	URL         string
	Err         error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrKindProtocol:
		return fmt.Sprintf("federation request to %s (%s): %v", e.Destination, e.URL, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// destinationResolver is the narrow interface Client depends on, satisfied
// by *resolve.Resolver. Exists so tests can substitute a fake without
// touching DNS.
type destinationResolver interface {
	Resolve(ctx context.Context, name string) (resolve.Destination, error)
}

// Client sends signed federation requests to resolved destinations.
type Client struct {
	ServerName string
	KeyPair    *signing.KeyPair
	Resolver   destinationResolver
	HTTPClient *http.Client
	Enabled    bool
}

// New builds a Client with a signing.RequestTimeout-bounded default HTTP
// client.
func New(serverName string, kp *signing.KeyPair, enabled bool) *Client {
	return &Client{
		ServerName: serverName,
		KeyPair:    kp,
		Resolver:   resolve.New(),
		HTTPClient: &http.Client{Timeout: signing.RequestTimeout},
		Enabled:    enabled,
	}
}

// Send issues method to path on destination, signing the request with the
// client's keypair and decoding the JSON response into out (which may be
// nil for responses with no meaningful body). destination is the original
// server name, used both for signing's "destination" claim and for the
// resolver lookup; path must start with "/" and may include a query
// string.
func (c *Client) Send(ctx context.Context, method, destination, path string, body, out interface{}) error {
	if !c.Enabled {
		return &Error{Kind: ErrKindConfiguration, Err: ErrFederationDisabled}
	}

	dest, err := c.Resolver.Resolve(ctx, destination)
	if err != nil {
		return &Error{Kind: ErrKindConfiguration, Destination: destination, Err: fmt.Errorf("resolving destination: %w", err)}
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return &Error{Kind: ErrKindConfiguration, Destination: destination, Err: fmt.Errorf("encoding request body: %w", err)}
		}
	}

	url := dest.URL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return &Error{Kind: ErrKindConfiguration, Destination: destination, URL: url, Err: fmt.Errorf("building request: %w", err)}
	}
	if len(bodyBytes) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if dest.Host != "" {
		req.Host = dest.Host
	}

	headers, err := c.KeyPair.SignRequest(signing.Envelope{
		Method:      method,
		URI:         path,
		Origin:      c.ServerName,
		Destination: destination,
		Content:     bodyBytes,
	})
	if err != nil {
		return &Error{Kind: ErrKindConfiguration, Destination: destination, URL: url, Err: fmt.Errorf("signing request: %w", err)}
	}
	for _, h := range headers {
		req.Header.Add("Authorization", h)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &Error{Kind: ErrKindTransport, Destination: destination, URL: url, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: ErrKindTransport, Destination: destination, URL: url, Err: fmt.Errorf("reading response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: ErrKindProtocol, Destination: destination, URL: url, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 256))}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Kind: ErrKindProtocol, Destination: destination, URL: url, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
