package proxyhandler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/apolo-dev/registry-proxy/internal/authorizer"
	"github.com/apolo-dev/registry-proxy/internal/challenge"
	"github.com/apolo-dev/registry-proxy/internal/reporef"
)

// handleTagsList forwards a `<name>/tags/list` request to the upstream
// and rewrites the "name" field of the JSON body back into tenant
// space, since the upstream only ever sees its own namespace.
func (h *Handler) handleTagsList(ctx context.Context, w http.ResponseWriter, req *http.Request, repo reporef.RepoName, decision authorizer.Decision) error {
	cred, err := h.broker.Acquire(ctx, decision.UpstreamScope)
	if err != nil {
		return upstreamAuthFailure(err)
	}

	upstreamPath := "/v2/" + repo.Rewrite(h.upstreamPrefix) + "/tags/list"
	resp, err := h.issue(ctx, req, upstreamPath, req.URL.Query().Encode(), cred)
	if err != nil {
		return upstreamUnavailable(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if chal, _ := challenge.ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate")); chal != nil {
			resp.Body.Close()
			refreshed, rerr := h.broker.Reacquire(ctx, chal.Scope)
			if rerr != nil {
				return upstreamAuthFailure(rerr)
			}
			resp, err = h.issue(ctx, req, upstreamPath, req.URL.Query().Encode(), refreshed)
			if err != nil {
				return upstreamUnavailable(err)
			}
			if resp.StatusCode == http.StatusUnauthorized {
				resp.Body.Close()
				return upstreamAuthFailure(fmt.Errorf("upstream rejected refreshed credentials"))
			}
		}
		// No bearer challenge to act on: fall through and surface the
		// original response, body intact, to the caller.
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if err := h.rewriteAndCopyHeaders(w, resp, repo); err != nil {
			return err
		}
		w.WriteHeader(resp.StatusCode)
		_, err := io.CopyBuffer(w, resp.Body, make([]byte, copyChunkSize))
		return err
	}

	var body tagsListBody
	if err := decodeJSONBody(resp.Body, &body); err != nil {
		return upstreamUnavailable(fmt.Errorf("decoding tags list: %w", err))
	}
	body.Name = repo.TenantPath()

	if err := h.rewriteAndCopyHeaders(w, resp, repo); err != nil {
		return err
	}
	return writeJSON(w, body)
}
