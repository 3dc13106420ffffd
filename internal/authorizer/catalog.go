package authorizer

import (
	"context"
	"sort"
	"strings"

	"github.com/apolo-dev/registry-proxy/internal/permcheck"
)

// CatalogAccess is the outcome of checking a caller's permissions once
// for a `_catalog` request: either cluster-wide manage access, in which
// case the caller's catalog is the upstream's own, or the virtualized
// list of repositories the caller can read.
type CatalogAccess struct {
	Admin bool
	Names []string // populated only when !Admin
}

// DecideCatalog answers a `_catalog` request from a single
// ListUserPermissions call: admin callers (those holding manage on the
// cluster) get the upstream's own catalog; everyone else gets the
// virtualized list derived from the same permission set. This keeps
// the identity service called exactly once per catalog request,
// instead of a Check followed by a separate ListUserPermissions on
// denial.
func (a *Authorizer) DecideCatalog(ctx context.Context, token, org, project string) (CatalogAccess, error) {
	perms, err := a.Checker.ListUserPermissions(ctx, token)
	if err != nil {
		return CatalogAccess{}, err
	}
	if hasClusterManage(perms, a.Cluster) {
		return CatalogAccess{Admin: true}, nil
	}
	return CatalogAccess{Names: virtualCatalogNames(perms, a.Cluster, org, project)}, nil
}

// VirtualCatalog synthesizes the non-admin `_catalog` response: every
// repository name the caller holds read (or stronger) access to,
// optionally narrowed by an org and/or project filter, alphabetically
// sorted and deduplicated. The upstream is never contacted.
func (a *Authorizer) VirtualCatalog(ctx context.Context, token, org, project string) ([]string, error) {
	perms, err := a.Checker.ListUserPermissions(ctx, token)
	if err != nil {
		return nil, err
	}
	return virtualCatalogNames(perms, a.Cluster, org, project), nil
}

func virtualCatalogNames(perms []permcheck.Permission, cluster, org, project string) []string {
	prefix := permcheck.ImageURI(cluster, "")
	seen := make(map[string]bool, len(perms))
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		if !isReadOrStronger(p.Action) {
			continue
		}
		name, ok := strings.CutPrefix(p.URI, prefix)
		if !ok || name == "" {
			continue
		}
		if !matchesOrgProject(name, org, project) {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hasClusterManage(perms []permcheck.Permission, cluster string) bool {
	clusterURI := permcheck.ClusterURI(cluster)
	for _, p := range perms {
		if p.URI == clusterURI && p.Action == permcheck.ActionManage {
			return true
		}
	}
	return false
}

func isReadOrStronger(a permcheck.Action) bool {
	switch a {
	case permcheck.ActionRead, permcheck.ActionWrite, permcheck.ActionManage:
		return true
	default:
		return false
	}
}

// matchesOrgProject reports whether tenantPath (an "org/project/repo"
// or "project/repo" name) satisfies the optional org/project query
// filter accepted by `_catalog`.
func matchesOrgProject(tenantPath, org, project string) bool {
	parts := strings.Split(tenantPath, "/")
	switch len(parts) {
	case 3:
		if org != "" && parts[0] != org {
			return false
		}
		if project != "" && parts[1] != project {
			return false
		}
	case 2:
		if org != "" {
			return false
		}
		if project != "" && parts[0] != project {
			return false
		}
	default:
		return false
	}
	return true
}

// Paginate applies a simple alphabetical cursor to an already-sorted
// name list: last, if non-empty, is the final name of the previous
// page, and n, if positive, bounds the page size. nextLast is empty
// when the returned page reaches the end of names.
func Paginate(names []string, n int, last string) (page []string, nextLast string) {
	start := 0
	if last != "" {
		start = sort.SearchStrings(names, last)
		if start < len(names) && names[start] == last {
			start++
		}
	}
	if start > len(names) {
		start = len(names)
	}
	end := len(names)
	if n > 0 && start+n < end {
		end = start + n
	}
	page = names[start:end]
	if end < len(names) {
		nextLast = page[len(page)-1]
	}
	return page, nextLast
}
