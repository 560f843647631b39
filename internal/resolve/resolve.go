// Package resolve turns a server name into a reachable origin URL via
// well-known delegation and SRV lookup, with an SSRF guard applied to the
// requested server name and to every well-known redirect hop. The
// delegated hostname and the SRV target are not checked by the guard.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultFederationPort is appended to a resolved hostname that carries
// no explicit port and has no SRV record.
const DefaultFederationPort = "8448"

const wellKnownTimeout = 10 * time.Second

// destCacheTTL bounds how long a resolved destination is reused before the
// well-known/SRV lookup is repeated, so a delegation change on the remote
// server is picked up within a reasonable window without re-resolving on
// every single federation request.
const destCacheTTL = 5 * time.Minute

const destCacheMaxSize = 4096

// Destination is the result of resolving a server name: the URL origin to
// send requests to, and — when an SRV record pointed the delegated
// hostname at a different target — the Host header override to present so
// the remote's TLS/vhost routing still sees the delegated identity.
type Destination struct {
	URL  string
	Host string // empty when no override is needed
}

// Resolver maps server names to destinations. Use New; the lookup
// functions and the destination cache are unset on the zero value.
type Resolver struct {
	httpClient *http.Client
	lookupSRV  func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	validate   func(name string) error
	cache      *destCache
}

// New builds a Resolver whose well-known fetch follows an SSRF-guarded
// redirect policy: https-only redirects, at most 5 hops, hostnames
// re-validated at each hop.
func New() *Resolver {
	r := &Resolver{
		lookupSRV: net.DefaultResolver.LookupSRV,
		validate:  ValidateServerName,
		cache:     newDestCache(destCacheTTL, destCacheMaxSize),
	}
	r.httpClient = &http.Client{
		Timeout: wellKnownTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			if req.URL.Scheme != "https" {
				return errors.New("well-known redirects must use https")
			}
			if err := ValidateServerName(req.URL.Hostname()); err != nil {
				return err
			}
			return nil
		},
	}
	return r
}

// ValidateServerName rejects obviously internal hostnames and hostnames
// that resolve to a private, loopback, or link-local address, guarding
// against SSRF via a malicious or compromised federation peer.
func ValidateServerName(name string) error {
	lower := strings.ToLower(name)
	if lower == "localhost" || strings.HasSuffix(lower, ".local") ||
		strings.HasSuffix(lower, ".internal") || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("internal hostname not allowed for federation: %s", name)
	}

	ips, err := net.LookupHost(stripPort(name))
	if err != nil {
		return fmt.Errorf("hostname does not resolve: %w", err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("hostname %s resolves to a private/loopback address", name)
		}
	}
	return nil
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

type wellKnownDocument struct {
	Server string `json:"m.server"`
}

// Resolve maps a server name to its destination: well-known delegation
// first, then SRV, then the default federation port. Well-known failures
// are soft — any fetch/decode error falls back to the original name
// exactly as if no well-known document existed.
func (r *Resolver) Resolve(ctx context.Context, name string) (Destination, error) {
	if r.cache != nil {
		if dest, ok := r.cache.get(name); ok {
			return dest, nil
		}
	}

	if r.validate != nil {
		if err := r.validate(stripPort(name)); err != nil {
			return Destination{}, fmt.Errorf("validating destination %s: %w", name, err)
		}
	}

	delegated := r.fetchWellKnown(ctx, name)

	var dest Destination
	if target, ok := r.lookupSRVTarget(ctx, delegated); ok {
		dest = Destination{
			URL:  "https://" + target,
			Host: delegated,
		}
	} else {
		host := delegated
		if !hasExplicitPort(host) {
			host = host + ":" + DefaultFederationPort
		}
		dest = Destination{URL: "https://" + host}
	}

	if r.cache != nil {
		r.cache.set(name, dest)
	}
	return dest, nil
}

// fetchWellKnown returns the delegated hostname from
// https://<name>/.well-known/matrix/server, or name unchanged if the
// document is missing, unparseable, or carries no m.server string.
func (r *Resolver) fetchWellKnown(ctx context.Context, name string) string {
	url := fmt.Sprintf("https://%s/.well-known/matrix/server", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return name
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return name
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return name
	}

	var doc wellKnownDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return name
	}
	if doc.Server == "" {
		return name
	}
	return doc.Server
}

// lookupSRVTarget attempts _matrix._tcp.<host> and returns the first
// record's target, with its trailing dot stripped, joined with the
// record's port as "target:port".
func (r *Resolver) lookupSRVTarget(ctx context.Context, host string) (string, bool) {
	if hasExplicitPort(host) {
		return "", false
	}
	_, records, err := r.lookupSRV(ctx, "matrix", "tcp", host)
	if err != nil || len(records) == 0 {
		return "", false
	}
	target := strings.TrimSuffix(records[0].Target, ".")
	return fmt.Sprintf("%s:%d", target, records[0].Port), true
}

func hasExplicitPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
