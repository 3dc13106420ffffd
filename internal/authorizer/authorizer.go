// Package authorizer maps an inbound Registry v2 request onto the
// platform permissions it requires and the upstream Distribution token
// scope that should be requested on its behalf, and enforces the
// permission check.
package authorizer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/apolo-dev/registry-proxy/internal/challenge"
	"github.com/apolo-dev/registry-proxy/internal/permcheck"
	"github.com/apolo-dev/registry-proxy/internal/regreq"
	"github.com/apolo-dev/registry-proxy/internal/reporef"
)

// ScopeActions names the Distribution token protocol action strings
// requested for read/write/manage access, overridable via
// upstream.repository_scope_actions.
type ScopeActions struct {
	Pull string
	Push string
	All  string
}

func DefaultScopeActions() ScopeActions {
	return ScopeActions{Pull: "pull", Push: "push", All: "*"}
}

// Decision is the single value produced by deriving a request's
// authorization requirements: the platform permissions the caller must
// hold, and the upstream scope that the credential broker should
// acquire a token for. Keeping them together means the two lists can
// never drift apart, since both are built from the same switch.
type Decision struct {
	Permissions   []permcheck.Permission
	UpstreamScope challenge.Scope
}

// Authorizer derives Decisions and enforces them against a
// permcheck.Checker.
type Authorizer struct {
	Cluster        string
	UpstreamPrefix string
	CatalogScope   challenge.Scope
	ScopeActions   ScopeActions
	Checker        permcheck.Checker
}

func New(cluster, upstreamPrefix string, checker permcheck.Checker) *Authorizer {
	return &Authorizer{
		Cluster:        cluster,
		UpstreamPrefix: upstreamPrefix,
		CatalogScope:   challenge.NewScope(challenge.CatalogScope),
		ScopeActions:   DefaultScopeActions(),
		Checker:        checker,
	}
}

// Decide derives the Decision for req. repo is the parsed tenant
// RepoName of req.Repo; fromRepo is non-nil only for ReqBlobMount,
// holding the parsed tenant RepoName of req.FromRepo. method is the
// inbound HTTP method: the manifest and blob RequestKinds cover more
// than one method, and the method alone decides whether the operation
// needs read, write, or manage.
func (a *Authorizer) Decide(method string, req *regreq.Request, repo reporef.RepoName, fromRepo *reporef.RepoName) (Decision, error) {
	switch req.Kind {
	case regreq.ReqPing:
		return Decision{}, nil

	case regreq.ReqCatalog:
		return Decision{
			Permissions:   []permcheck.Permission{{URI: permcheck.ClusterURI(a.Cluster), Action: permcheck.ActionManage}},
			UpstreamScope: a.CatalogScope,
		}, nil

	case regreq.ReqBlobMount:
		if fromRepo == nil {
			return Decision{}, fmt.Errorf("blob mount request missing source repository")
		}
		return Decision{
			Permissions: []permcheck.Permission{
				{URI: permcheck.ImageURI(a.Cluster, fromRepo.TenantPath()), Action: permcheck.ActionRead},
				{URI: permcheck.ImageURI(a.Cluster, repo.TenantPath()), Action: permcheck.ActionWrite},
			},
			UpstreamScope: challenge.NewScope(
				a.repoScope(*fromRepo, a.ScopeActions.Pull),
				a.repoScope(repo, a.ScopeActions.Push),
			),
		}, nil

	default:
		action, tokenAction := a.actionsFor(method)
		return Decision{
			Permissions:   []permcheck.Permission{{URI: permcheck.ImageURI(a.Cluster, repo.TenantPath()), Action: action}},
			UpstreamScope: challenge.NewScope(a.repoScope(repo, tokenAction)),
		}, nil
	}
}

// actionsFor maps an HTTP method to the platform permission action and
// the Distribution token action it implies, per spec.md §4.D.
func (a *Authorizer) actionsFor(method string) (permcheck.Action, string) {
	switch method {
	case http.MethodGet, http.MethodHead:
		return permcheck.ActionRead, a.ScopeActions.Pull
	case http.MethodPut, http.MethodPost, http.MethodPatch:
		return permcheck.ActionWrite, a.ScopeActions.Push
	case http.MethodDelete:
		return permcheck.ActionManage, a.ScopeActions.All
	default:
		return permcheck.ActionRead, a.ScopeActions.Pull
	}
}

func (a *Authorizer) repoScope(repo reporef.RepoName, action string) challenge.ResourceScope {
	return challenge.ResourceScope{
		ResourceType: "repository",
		Resource:     repo.Rewrite(a.UpstreamPrefix),
		Action:       action,
	}
}

// Enforce checks d's required permissions against token, returning nil
// if every one is held. A request with no required permissions (the
// ping probe) never calls the checker.
func (a *Authorizer) Enforce(ctx context.Context, token string, d Decision) error {
	if len(d.Permissions) == 0 {
		return nil
	}
	return a.Checker.Check(ctx, token, d.Permissions)
}
