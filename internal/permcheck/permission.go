// Package permcheck adapts the identity service that holds the
// platform's access-control decisions behind a small interface, so the
// authorizer never has to know its wire format.
package permcheck

import (
	"context"
	"fmt"
)

// Action is one of the three access levels a Permission can grant.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

// Permission names a single required or held access grant on a
// platform resource, e.g. "image://c1/alice/alpine" with ActionRead.
type Permission struct {
	URI    string
	Action Action
}

func (p Permission) String() string {
	return fmt.Sprintf("%s(%s)", p.URI, p.Action)
}

// ImageURI builds the permission URI for a repository: image://<cluster>/<org?>/<project>/<repo>.
func ImageURI(cluster, tenantPath string) string {
	return "image://" + cluster + "/" + tenantPath
}

// ClusterURI builds the permission URI for the cluster-wide resource,
// used for the "manage the global catalog" permission.
func ClusterURI(cluster string) string {
	return "image://" + cluster
}

// DeniedError reports that one or more required permissions were not
// held. Missing lists exactly those that were absent, for inclusion in
// the JSON error envelope's detail field.
type DeniedError struct {
	Missing []Permission
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("missing %d required permission(s)", len(e.Missing))
}

// Checker is the interface the authorizer uses to consult the identity
// service. Implementations must be safe for concurrent use; a single
// inbound client request issues at most one Check call (batched across
// every permission that request needs) and, for catalog virtualization,
// at most one ListUserPermissions call.
type Checker interface {
	// Check reports nil if token holds every permission in required,
	// or a *DeniedError naming the ones it doesn't.
	Check(ctx context.Context, token string, required []Permission) error

	// ListUserPermissions returns every image:// permission token
	// holds, for synthesizing a per-user catalog view.
	ListUserPermissions(ctx context.Context, token string) ([]Permission, error)
}
