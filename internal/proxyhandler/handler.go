// Package proxyhandler is the HTTP entry point: it decodes client
// credentials, asks the authorizer and broker what's needed, forwards
// the request to the upstream registry, and streams the response back
// with its repository-bearing headers and bodies rewritten into the
// caller's tenant namespace.
package proxyhandler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go"
	"go.uber.org/zap"

	"github.com/apolo-dev/registry-proxy/internal/apierror"
	"github.com/apolo-dev/registry-proxy/internal/authorizer"
	"github.com/apolo-dev/registry-proxy/internal/permcheck"
	"github.com/apolo-dev/registry-proxy/internal/regreq"
	"github.com/apolo-dev/registry-proxy/internal/reporef"
	"github.com/apolo-dev/registry-proxy/internal/upstreamauth"
)

// v2 is the body returned for a bare /v2/ ping: a supported-API-version
// marker, not an image descriptor, but the same type the distribution
// spec's reference implementation uses for it.
var v2 = ocispec.Versioned{SchemaVersion: 2}

// Params configures a Handler.
type Params struct {
	Cluster           string
	UpstreamPrefix    string
	UpstreamBaseURL   *url.URL
	ProxyAuthority    string
	MaxCatalogEntries int

	Authorizer *authorizer.Authorizer
	Broker     upstreamauth.Broker
	Client     *http.Client

	Log *zap.SugaredLogger
}

// Handler implements http.Handler for the full Registry v2 client
// surface, forwarding authorized requests to a single upstream
// registry.
type Handler struct {
	cluster           string
	upstreamPrefix    string
	upstreamBaseURL   *url.URL
	proxyAuthority    string
	maxCatalogEntries int

	authz  *authorizer.Authorizer
	broker upstreamauth.Broker
	client *http.Client
	log    *zap.SugaredLogger
}

func New(p Params) *Handler {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	maxEntries := p.MaxCatalogEntries
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Handler{
		cluster:           p.Cluster,
		upstreamPrefix:    p.UpstreamPrefix,
		upstreamBaseURL:   p.UpstreamBaseURL,
		proxyAuthority:    p.ProxyAuthority,
		maxCatalogEntries: maxEntries,
		authz:             p.Authorizer,
		broker:            p.Broker,
		client:            client,
		log:               log,
	}
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)
	if err := h.serve(w, req); err != nil {
		h.log.Debugw("request failed", "request_id", reqID, "method", req.Method, "path", req.URL.Path, "error", err)
		apierror.WriteError(w, err)
	}
}

func (h *Handler) serve(w http.ResponseWriter, req *http.Request) error {
	user, token, ok := req.BasicAuth()
	if !ok {
		if req.Header.Get("Authorization") != "" {
			return apierror.NewHTTPError(apierror.ErrUnsupported, http.StatusBadRequest, nil, nil)
		}
		return unauthenticated()
	}

	rreq, err := regreq.Parse(req.Method, req.URL)
	if err != nil {
		return apierror.NewHTTPError(apierror.ErrUnsupported, http.StatusBadRequest, nil, err.Error())
	}

	ctx := req.Context()

	// _catalog is answered from a single ListUserPermissions call
	// (admin-or-virtualized), bypassing the generic Decide/Enforce
	// pair: an upfront Check would otherwise force a second,
	// redundant identity-service call on denial.
	if rreq.Kind == regreq.ReqCatalog {
		return h.handleCatalog(ctx, w, req, token, user)
	}

	repo, fromRepo, err := h.parseRepoNames(rreq)
	if err != nil {
		return apierror.NewHTTPError(apierror.ErrNameInvalid, http.StatusBadRequest, nil, err.Error())
	}

	decision, err := h.authz.Decide(req.Method, rreq, repo, fromRepo)
	if err != nil {
		return apierror.NewHTTPError(apierror.ErrUnsupported, http.StatusBadRequest, nil, err.Error())
	}

	if err := h.authz.Enforce(ctx, token, decision); err != nil {
		return deniedError(err)
	}

	switch rreq.Kind {
	case regreq.ReqPing:
		return h.handlePing(w)
	case regreq.ReqTagsList:
		return h.handleTagsList(ctx, w, req, repo, decision)
	default:
		return h.forward(ctx, w, req, rreq, repo, fromRepo, decision)
	}
}

func (h *Handler) parseRepoNames(rreq *regreq.Request) (repo reporef.RepoName, fromRepo *reporef.RepoName, err error) {
	if rreq.Repo != "" {
		repo, err = reporef.ParseRepoName(h.cluster, rreq.Repo)
		if err != nil {
			return reporef.RepoName{}, nil, err
		}
	}
	if rreq.FromRepo != "" {
		fr, err := reporef.ParseRepoName(h.cluster, rreq.FromRepo)
		if err != nil {
			return reporef.RepoName{}, nil, err
		}
		fromRepo = &fr
	}
	return repo, fromRepo, nil
}

func (h *Handler) handlePing(w http.ResponseWriter) error {
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v2)
}

func unauthenticated() error {
	hdr := http.Header{}
	hdr.Set("WWW-Authenticate", `Basic realm="Registry"`)
	return apierror.NewHTTPError(apierror.ErrUnauthorized, http.StatusUnauthorized, hdr, nil)
}

// deniedError translates a *permcheck.DeniedError from the authorizer
// into the Registry v2 403 envelope, carrying the missing permission
// URIs as detail.
func deniedError(err error) error {
	denied, ok := err.(*permcheck.DeniedError)
	if !ok {
		return apierror.NewHTTPError(fmt.Errorf("permission check failed: %w", err), http.StatusBadGateway, nil, nil)
	}
	uris := make([]string, len(denied.Missing))
	for i, p := range denied.Missing {
		uris[i] = p.URI
	}
	return apierror.NewHTTPError(apierror.ErrDenied, http.StatusForbidden, nil, uris)
}
