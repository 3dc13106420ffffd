package proxyhandler

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apolo-dev/registry-proxy/internal/authorizer"
	"github.com/apolo-dev/registry-proxy/internal/permcheck"
	"github.com/apolo-dev/registry-proxy/internal/upstreamauth"
)

type fakeChecker struct {
	held                map[string][]permcheck.Permission // token -> permissions held
	listPermissionCalls int
}

func (c *fakeChecker) Check(ctx context.Context, token string, required []permcheck.Permission) error {
	held := c.held[token]
	var missing []permcheck.Permission
	for _, req := range required {
		if !hasPermission(held, req) {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return &permcheck.DeniedError{Missing: missing}
	}
	return nil
}

func (c *fakeChecker) ListUserPermissions(ctx context.Context, token string) ([]permcheck.Permission, error) {
	c.listPermissionCalls++
	return c.held[token], nil
}

func hasPermission(held []permcheck.Permission, req permcheck.Permission) bool {
	for _, h := range held {
		if h.URI == req.URI && actionCovers(h.Action, req.Action) {
			return true
		}
	}
	return false
}

func actionCovers(have, want permcheck.Action) bool {
	if have == permcheck.ActionManage {
		return true
	}
	if have == permcheck.ActionWrite {
		return want == permcheck.ActionWrite || want == permcheck.ActionRead
	}
	return have == want
}

func newTestHandler(t *testing.T, checker permcheck.Checker, upstreamURL string) *Handler {
	t.Helper()
	u, err := url.Parse(upstreamURL)
	require.NoError(t, err)

	authz := authorizer.New("c1", "", checker)
	broker := upstreamauth.NewBasicBroker("svc", "upstream-secret")

	return New(Params{
		Cluster:           "c1",
		UpstreamBaseURL:   u,
		ProxyAuthority:    "registry.example.com",
		MaxCatalogEntries: 1000,
		Authorizer:        authz,
		Broker:            broker,
		Client:            http.DefaultClient,
	})
}

func basicAuthHeader(user, token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+token))
}

// Scenario 1: unauthenticated probe.
func TestUnauthenticatedProbe(t *testing.T) {
	h := newTestHandler(t, &fakeChecker{}, "http://upstream.invalid")
	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, `Basic realm="Registry"`, w.Header().Get("WWW-Authenticate"))
}

// Scenario 2: catalog for an empty tenant never touches the upstream.
func TestCatalogEmptyTenant(t *testing.T) {
	calls := 0
	checker := &fakeChecker{held: map[string][]permcheck.Permission{"alice-token": nil}}
	h := newTestHandler(t, checker, "http://upstream.invalid")
	h.client = failingClient(t, &calls)

	req := httptest.NewRequest(http.MethodGet, "/v2/_catalog", nil)
	req.Header.Set("Authorization", basicAuthHeader("alice", "alice-token"))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"repositories":[]}`, w.Body.String())
	require.Equal(t, 0, calls, "upstream must never be contacted for a non-admin catalog request")
	require.Equal(t, 1, checker.listPermissionCalls, "identity service must be called exactly once")
}

// Scenario 3: push flow rewrites the upstream's Location header back
// into tenant space.
func TestPushFlowRewritesLocation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/alice/alpine/blobs/uploads/", r.URL.Path)
		w.Header().Set("Location", "https://up/v2/alice/alpine/blobs/uploads/11111111-1111-1111-1111-111111111111")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	checker := &fakeChecker{held: map[string][]permcheck.Permission{
		"alice-token": {{URI: "image://c1/alice/alpine", Action: permcheck.ActionWrite}},
	}}
	h := newTestHandler(t, checker, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v2/alice/alpine/blobs/uploads/", nil)
	req.Header.Set("Authorization", basicAuthHeader("alice", "alice-token"))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	loc := w.Header().Get("Location")
	require.Equal(t, "https://registry.example.com/v2/alice/alpine/blobs/uploads/11111111-1111-1111-1111-111111111111", loc)
}

// Scenario 4: a cross-repo blob mount is denied when the caller lacks
// read on the source repository, and the missing permission's URI is
// reported in the error detail.
func TestCrossRepoMountDenied(t *testing.T) {
	checker := &fakeChecker{held: map[string][]permcheck.Permission{
		"bob-token": {{URI: "image://c1/bob/x", Action: permcheck.ActionWrite}},
	}}
	h := newTestHandler(t, checker, "http://upstream.invalid")

	req := httptest.NewRequest(http.MethodPost, "/v2/bob/x/blobs/uploads/?mount=sha256:1111111111111111111111111111111111111111111111111111111111111111&from=alice/x", nil)
	req.Header.Set("Authorization", basicAuthHeader("bob", "bob-token"))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "image://c1/alice/x")
}

// Scenario 5: a 401 from the upstream triggers exactly one
// re-acquisition, and the client only ever sees the final 200.
func TestUpstreamUnauthorizedTriggersReacquire(t *testing.T) {
	attempt := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt == 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:alice/alpine:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	checker := &fakeChecker{held: map[string][]permcheck.Permission{
		"alice-token": {{URI: "image://c1/alice/alpine", Action: permcheck.ActionRead}},
	}}
	h := newTestHandler(t, checker, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/v2/alice/alpine/manifests/latest", nil)
	req.Header.Set("Authorization", basicAuthHeader("alice", "alice-token"))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, attempt)
}

// A 401 whose WWW-Authenticate doesn't parse as a bearer challenge is
// surfaced to the caller verbatim, body intact, with no re-acquisition
// attempt.
func TestUpstreamUnauthorizedWithoutChallengeFallsThrough(t *testing.T) {
	attempt := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		w.Header().Set("WWW-Authenticate", `Basic realm="upstream"`)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED","message":"no basic creds"}]}`))
	}))
	defer upstream.Close()

	checker := &fakeChecker{held: map[string][]permcheck.Permission{
		"alice-token": {{URI: "image://c1/alice/alpine", Action: permcheck.ActionRead}},
	}}
	h := newTestHandler(t, checker, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/v2/alice/alpine/manifests/latest", nil)
	req.Header.Set("Authorization", basicAuthHeader("alice", "alice-token"))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, 1, attempt)
	require.JSONEq(t, `{"errors":[{"code":"UNAUTHORIZED","message":"no basic creds"}]}`, w.Body.String())
}

// The same no-challenge fallthrough as
// TestUpstreamUnauthorizedWithoutChallengeFallsThrough, but on the
// tags/list path, which has its own 401 handling.
func TestTagsListUnauthorizedWithoutChallengeFallsThrough(t *testing.T) {
	attempt := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		w.Header().Set("WWW-Authenticate", `Basic realm="upstream"`)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED","message":"no basic creds"}]}`))
	}))
	defer upstream.Close()

	checker := &fakeChecker{held: map[string][]permcheck.Permission{
		"alice-token": {{URI: "image://c1/alice/alpine", Action: permcheck.ActionRead}},
	}}
	h := newTestHandler(t, checker, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/v2/alice/alpine/tags/list", nil)
	req.Header.Set("Authorization", basicAuthHeader("alice", "alice-token"))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, 1, attempt)
	require.JSONEq(t, `{"errors":[{"code":"UNAUTHORIZED","message":"no basic creds"}]}`, w.Body.String())
}

// Scenario 6: admin catalog virtualization pages upstream repeatedly
// until n tenant-space names are collected, rewriting them back.
func TestAdminCatalogPagesUntilCount(t *testing.T) {
	pages := [][]string{
		{"alice/alpine"},
		{"alice/ubuntu", "bob/debian"},
	}
	call := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/_catalog", r.URL.Path)
		page := pages[call]
		call++
		w.Header().Set("Content-Type", "application/json")
		repos := ""
		for i, name := range page {
			if i > 0 {
				repos += ","
			}
			repos += `"` + name + `"`
		}
		if call < len(pages) {
			w.Header().Set("Link", fmt.Sprintf(`</v2/_catalog?last=%s&n=2>; rel="next"`, page[len(page)-1]))
		}
		fmt.Fprintf(w, `{"repositories":[%s]}`, repos)
	}))
	defer upstream.Close()

	checker := &fakeChecker{held: map[string][]permcheck.Permission{
		"admin-token": {{URI: "image://c1", Action: permcheck.ActionManage}},
	}}
	h := newTestHandler(t, checker, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/v2/_catalog?n=2", nil)
	req.Header.Set("Authorization", basicAuthHeader("admin", "admin-token"))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"repositories":["alice/alpine","alice/ubuntu"]}`, w.Body.String())
	require.Equal(t, 1, checker.listPermissionCalls, "identity service must be called exactly once")
	require.Contains(t, w.Header().Get("Link"), `last=alice%2Fubuntu`, "bob/debian, left unconsumed by the n=2 cap, must stay reachable via a cursor")
}

// Admin catalog pagination must rewrite the client's tenant-space
// cursor into upstream space before querying, and rewrite the
// upstream's own cursor back into tenant space on the way out, when
// upstream.project is non-empty.
func TestAdminCatalogCursorRewrittenAcrossUpstreamPrefix(t *testing.T) {
	var gotLast string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/_catalog", r.URL.Path)
		gotLast = r.URL.Query().Get("last")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Link", `</v2/_catalog?last=proj/bob/debian&n=1>; rel="next"`)
		fmt.Fprint(w, `{"repositories":["proj/bob/debian"]}`)
	}))
	defer upstream.Close()

	checker := &fakeChecker{held: map[string][]permcheck.Permission{
		"admin-token": {{URI: "image://c1", Action: permcheck.ActionManage}},
	}}
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	authz := authorizer.New("c1", "proj", checker)
	h := New(Params{
		Cluster:           "c1",
		UpstreamPrefix:    "proj",
		UpstreamBaseURL:   u,
		ProxyAuthority:    "registry.example.com",
		MaxCatalogEntries: 1000,
		Authorizer:        authz,
		Broker:            upstreamauth.NewBasicBroker("svc", "upstream-secret"),
		Client:            http.DefaultClient,
	})

	req := httptest.NewRequest(http.MethodGet, "/v2/_catalog?n=1&last=alice/alpine", nil)
	req.Header.Set("Authorization", basicAuthHeader("admin", "admin-token"))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "proj/alice/alpine", gotLast, "client's tenant-space cursor must be rewritten into upstream space")
	require.JSONEq(t, `{"repositories":["bob/debian"]}`, w.Body.String())
	require.Contains(t, w.Header().Get("Link"), `last=bob%2Fdebian`, "upstream's own cursor must be rewritten back into tenant space")
}

func failingClient(t *testing.T, calls *int) *http.Client {
	t.Helper()
	return &http.Client{Transport: countingFailTransport{t: t, calls: calls}}
}

type countingFailTransport struct {
	t     *testing.T
	calls *int
}

func (tr countingFailTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	*tr.calls++
	tr.t.Fatalf("unexpected upstream call to %s", req.URL)
	return nil, nil
}
