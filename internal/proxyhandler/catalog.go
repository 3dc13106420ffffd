package proxyhandler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/apolo-dev/registry-proxy/internal/apierror"
	"github.com/apolo-dev/registry-proxy/internal/authorizer"
	"github.com/apolo-dev/registry-proxy/internal/reporef"
)

// handleCatalog answers `_catalog` from a single identity-service call:
// admins (manage on the whole cluster) are forwarded to the upstream's
// own catalog; everyone else gets the virtualized list of repositories
// they can read, synthesized entirely from that one call. Either way
// the identity service is consulted exactly once per request.
func (h *Handler) handleCatalog(ctx context.Context, w http.ResponseWriter, req *http.Request, token, user string) error {
	q := req.URL.Query()
	access, err := h.authz.DecideCatalog(ctx, token, q.Get("org"), q.Get("project"))
	if err != nil {
		return upstreamAuthFailure(fmt.Errorf("listing permissions for %s: %w", user, err))
	}
	if access.Admin {
		decision := authorizer.Decision{UpstreamScope: h.authz.CatalogScope}
		return h.handleAdminCatalog(ctx, w, req, token, decision)
	}
	return h.writeVirtualCatalog(w, req, access.Names)
}

// writeVirtualCatalog paginates and writes an already-computed
// virtualized repository list.
func (h *Handler) writeVirtualCatalog(w http.ResponseWriter, req *http.Request, names []string) error {
	q := req.URL.Query()
	n, _ := strconv.Atoi(q.Get("n"))
	page, next := authorizer.Paginate(names, n, q.Get("last"))

	if next != "" {
		w.Header().Set("Link", fmt.Sprintf(`</v2/_catalog?last=%s&n=%d>; rel="next"`, url.QueryEscape(next), n))
	}
	return writeJSON(w, catalogBody{Repositories: page})
}

// handleAdminCatalog forwards to the upstream `_catalog` endpoint on
// behalf of a caller holding manage on the whole cluster, repeatedly
// paging until either the requested page size or
// maxCatalogEntries is reached, rewriting names back into tenant
// space and dropping anything outside the configured prefix.
func (h *Handler) handleAdminCatalog(ctx context.Context, w http.ResponseWriter, req *http.Request, token string, decision authorizer.Decision) error {
	cred, err := h.broker.Acquire(ctx, decision.UpstreamScope)
	if err != nil {
		return upstreamAuthFailure(err)
	}

	q := req.URL.Query()
	n, _ := strconv.Atoi(q.Get("n"))
	if n <= 0 || n > h.maxCatalogEntries {
		n = h.maxCatalogEntries
	}

	last, err := h.tenantCursorToUpstream(q.Get("last"))
	if err != nil {
		return apierror.NewHTTPError(err, http.StatusBadRequest, nil, nil)
	}

	var tenantNames []string
	var upstreamLast string
	exhausted := false
	for len(tenantNames) < n {
		page, nextLast, err := h.fetchUpstreamCatalogPage(ctx, cred, last)
		if err != nil {
			return upstreamUnavailable(err)
		}
		for _, upstreamName := range page {
			rn, err := reporef.ParseUpstream(h.cluster, h.upstreamPrefix, upstreamName)
			if err != nil {
				continue // outside the configured prefix or malformed; drop silently
			}
			tenantNames = append(tenantNames, rn.TenantPath())
			upstreamLast = upstreamName
			if len(tenantNames) >= n {
				break
			}
		}
		if len(tenantNames) >= n {
			// n reached mid-page: upstreamLast already holds the last
			// name actually consumed, the correct cursor to resume
			// from, regardless of how much of the page remains unread.
			break
		}
		if nextLast == "" {
			exhausted = true
			break
		}
		last = nextLast
		upstreamLast = nextLast
	}

	if !exhausted && upstreamLast != "" {
		if rn, err := reporef.ParseUpstream(h.cluster, h.upstreamPrefix, upstreamLast); err == nil {
			w.Header().Set("Link", fmt.Sprintf(`</v2/_catalog?last=%s&n=%d>; rel="next"`, url.QueryEscape(rn.TenantPath()), n))
		}
	}

	return writeJSON(w, catalogBody{Repositories: tenantNames})
}

// tenantCursorToUpstream rewrites a `_catalog` page cursor (a
// repository name, in tenant space) into the equivalent upstream-space
// name, the same way any other tenant-facing repository name is
// rewritten before being sent upstream. An empty cursor passes through
// unchanged.
func (h *Handler) tenantCursorToUpstream(last string) (string, error) {
	if last == "" {
		return "", nil
	}
	rn, err := reporef.ParseRepoName(h.cluster, last)
	if err != nil {
		return "", fmt.Errorf("invalid last cursor %q: %w", last, err)
	}
	return rn.Rewrite(h.upstreamPrefix), nil
}

// fetchUpstreamCatalogPage issues one `_catalog` request to the
// upstream and returns the raw (upstream-namespaced) repository names
// plus a cursor for the next page, parsed from the response's Link
// header the same way a real Docker client would.
func (h *Handler) fetchUpstreamCatalogPage(ctx context.Context, cred interface {
	Apply(*http.Request)
}, last string) (names []string, nextLast string, err error) {
	u := *h.upstreamBaseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v2/_catalog"
	q := url.Values{}
	q.Set("n", strconv.Itoa(h.maxCatalogEntries))
	if last != "" {
		q.Set("last", last)
	}
	u.RawQuery = q.Encode()

	upReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	cred.Apply(upReq)
	resp, err := h.client.Do(upReq)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("upstream catalog request returned %d", resp.StatusCode)
	}

	var body catalogBody
	if err := decodeJSONBody(resp.Body, &body); err != nil {
		return nil, "", err
	}
	nextLast = lastNameFromLinkHeader(resp.Header.Get("Link"))
	return body.Repositories, nextLast, nil
}

// lastNameFromLinkHeader extracts the "last" query parameter from a
// paginated `Link: <...>; rel="next"` header, if present.
func lastNameFromLinkHeader(link string) string {
	end := strings.IndexByte(link, '>')
	if !strings.HasPrefix(link, "<") || end < 0 {
		return ""
	}
	u, err := url.Parse(link[1:end])
	if err != nil {
		return ""
	}
	return u.Query().Get("last")
}
