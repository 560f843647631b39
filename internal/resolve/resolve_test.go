package resolve

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// unreachableTransport fails every request immediately, standing in for a
// host with no well-known document without touching the network.
type unreachableTransport struct{}

func (unreachableTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

// testResolver builds a Resolver pointed at a local well-known server and a
// fake SRV lookup, bypassing ValidateServerName's real DNS/SSRF check so
// tests don't depend on network access.
func testResolver(t *testing.T, wellKnownBody string, wellKnownStatus int, srv func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)) (*Resolver, string) {
	t.Helper()
	srvr := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wellKnownStatus != http.StatusOK {
			w.WriteHeader(wellKnownStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(wellKnownBody))
	}))
	t.Cleanup(srvr.Close)

	r := &Resolver{
		httpClient: srvr.Client(),
		lookupSRV:  srv,
	}
	return r, strings.TrimPrefix(srvr.URL, "https://")
}

func noSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func TestFetchWellKnown_UsesDelegatedServer(t *testing.T) {
	r, host := testResolver(t, `{"m.server":"delegated.example.org"}`, http.StatusOK, noSRV)
	got := r.fetchWellKnown(context.Background(), host)
	if got != "delegated.example.org" {
		t.Fatalf("fetchWellKnown = %q, want delegated.example.org", got)
	}
}

func TestFetchWellKnown_SoftFailsOn404(t *testing.T) {
	r, host := testResolver(t, "", http.StatusNotFound, noSRV)
	got := r.fetchWellKnown(context.Background(), host)
	if got != host {
		t.Fatalf("fetchWellKnown on 404 = %q, want original host %q", got, host)
	}
}

func TestFetchWellKnown_SoftFailsOnMissingServerKey(t *testing.T) {
	r, host := testResolver(t, `{"other":"field"}`, http.StatusOK, noSRV)
	got := r.fetchWellKnown(context.Background(), host)
	if got != host {
		t.Fatalf("fetchWellKnown with no m.server = %q, want original host %q", got, host)
	}
}

func TestLookupSRVTarget_UsesFirstRecordTrimmingDot(t *testing.T) {
	r := &Resolver{lookupSRV: func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
		return "", []*net.SRV{{Target: "federation.internal.", Port: 8448}}, nil
	}}
	target, ok := r.lookupSRVTarget(context.Background(), "matrix.example.org")
	if !ok {
		t.Fatal("expected SRV lookup to succeed")
	}
	if target != "federation.internal:8448" {
		t.Fatalf("target = %q, want federation.internal:8448", target)
	}
}

func TestLookupSRVTarget_SkippedWhenHostHasPort(t *testing.T) {
	r := &Resolver{lookupSRV: func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
		t.Fatal("SRV lookup should not be attempted when the host already carries a port")
		return "", nil, nil
	}}
	_, ok := r.lookupSRVTarget(context.Background(), "matrix.example.org:9000")
	if ok {
		t.Fatal("expected no SRV target for an explicit-port host")
	}
}

func TestHasExplicitPort(t *testing.T) {
	cases := map[string]bool{
		"example.org":      false,
		"example.org:8448": true,
		"[::1]:8448":       true,
	}
	for host, want := range cases {
		if got := hasExplicitPort(host); got != want {
			t.Errorf("hasExplicitPort(%q) = %v, want %v", host, got, want)
		}
	}
}

// TestResolve_DelegationWithSRV: well-known delegates to a new hostname,
// which carries an SRV record. The destination is the SRV target; the
// Host header carries the delegated hostname.
func TestResolve_DelegationWithSRV(t *testing.T) {
	r, host := testResolver(t, `{"m.server":"matrix.example.org"}`, http.StatusOK,
		func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
			if name != "matrix.example.org" {
				t.Errorf("SRV lookup against %q, want matrix.example.org", name)
			}
			return "", []*net.SRV{{Target: "federation.internal.", Port: 8448}}, nil
		})

	dest, err := r.Resolve(context.Background(), host)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dest.URL != "https://federation.internal:8448" {
		t.Errorf("URL = %q, want https://federation.internal:8448", dest.URL)
	}
	if dest.Host != "matrix.example.org" {
		t.Errorf("Host = %q, want matrix.example.org", dest.Host)
	}
}

// TestResolve_DefaultPort: no well-known, no SRV record, no explicit
// port. The default federation port is appended and no Host override is
// produced.
func TestResolve_DefaultPort(t *testing.T) {
	r := &Resolver{
		httpClient: &http.Client{Transport: unreachableTransport{}, Timeout: time.Second},
		lookupSRV:  noSRV,
	}

	dest, err := r.Resolve(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dest.URL != "https://example.org:8448" {
		t.Errorf("URL = %q, want https://example.org:8448", dest.URL)
	}
	if dest.Host != "" {
		t.Errorf("Host = %q, want no override", dest.Host)
	}
}

// TestResolve_DelegationWithoutSRV: well-known delegates to a new
// hostname but that hostname has no SRV record. The delegated name (with
// the default port) becomes the destination URL directly, with no Host
// override.
func TestResolve_DelegationWithoutSRV(t *testing.T) {
	r, host := testResolver(t, `{"m.server":"matrix.example.org"}`, http.StatusOK, noSRV)

	dest, err := r.Resolve(context.Background(), host)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dest.URL != "https://matrix.example.org:8448" {
		t.Errorf("URL = %q, want https://matrix.example.org:8448", dest.URL)
	}
	if dest.Host != "" {
		t.Errorf("Host = %q, want no override when no SRV record exists", dest.Host)
	}
}

func TestResolve_CachesDestination(t *testing.T) {
	srvCalls := 0
	r := &Resolver{
		httpClient: &http.Client{Transport: unreachableTransport{}, Timeout: time.Second},
		lookupSRV: func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
			srvCalls++
			return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
		},
		cache: newDestCache(time.Minute, 16),
	}

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), "example.org"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if srvCalls != 1 {
		t.Errorf("SRV lookups = %d, want 1 (later calls served from cache)", srvCalls)
	}
}

func TestValidateServerName_RejectsInternalSuffixes(t *testing.T) {
	for _, name := range []string{"localhost", "svc.internal", "box.local", "foo.localhost"} {
		if err := ValidateServerName(name); err == nil {
			t.Errorf("ValidateServerName(%q) = nil, want error", name)
		}
	}
}
