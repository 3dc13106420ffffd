package reporef

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// RepoName is the logical 4-tuple identifying a repository from the
// tenant's point of view: a fixed per-deployment cluster, an optional
// organization, a project, and the repository itself.
type RepoName struct {
	Cluster string
	Org     string
	Project string
	Repo    string
}

var pathComponentPat = regexp.MustCompile(`^` + pathComponent + `$`)

// ParseRepoName parses the tenant-facing repository path (the `<name>`
// segment of `/v2/<name>/...`, already unescaped) into its 4-tuple.
// The name has either two components (`<project>/<repo>`) or three
// (`<org>/<project>/<repo>`); any other depth is rejected, matching
// spec.md's "paths deeper than cluster/org/project/repo/component are
// rejected" edge case.
func ParseRepoName(cluster, name string) (RepoName, error) {
	parts := strings.Split(name, "/")
	for _, p := range parts {
		if p == "" {
			return RepoName{}, fmt.Errorf("empty path segment in repository name %q", name)
		}
		if !pathComponentPat.MatchString(p) {
			return RepoName{}, fmt.Errorf("invalid repository name segment %q", p)
		}
	}
	switch len(parts) {
	case 2:
		return RepoName{Cluster: cluster, Project: parts[0], Repo: parts[1]}, nil
	case 3:
		return RepoName{Cluster: cluster, Org: parts[0], Project: parts[1], Repo: parts[2]}, nil
	default:
		return RepoName{}, fmt.Errorf("repository name %q has the wrong number of path segments", name)
	}
}

// TenantPath returns the tenant-facing path, the inverse of the `name`
// argument accepted by ParseRepoName.
func (r RepoName) TenantPath() string {
	if r.Org != "" {
		return r.Org + "/" + r.Project + "/" + r.Repo
	}
	return r.Project + "/" + r.Repo
}

// Rewrite returns the upstream repository path: the configured
// upstream prefix (a project, for token-service upstreams such as GCR,
// or empty for basic/aws_ecr upstreams) followed by the tenant's
// org/project/repo.
func (r RepoName) Rewrite(upstreamPrefix string) string {
	if upstreamPrefix == "" {
		return r.TenantPath()
	}
	return upstreamPrefix + "/" + r.TenantPath()
}

// ParseUpstream is the inverse of Rewrite: given the configured
// cluster and upstream prefix, it recovers the RepoName from an
// upstream-facing repository path. It rejects names that don't begin
// with prefix, preserving the bijection Rewrite/ParseUpstream forms.
func ParseUpstream(cluster, prefix, upstream string) (RepoName, error) {
	name := upstream
	if prefix != "" {
		p := prefix + "/"
		if !strings.HasPrefix(upstream, p) {
			return RepoName{}, fmt.Errorf("upstream repository %q does not begin with prefix %q", upstream, prefix)
		}
		name = strings.TrimPrefix(upstream, p)
	}
	return ParseRepoName(cluster, name)
}

// RewriteLocationHeader rewrites a Location response header received
// from the upstream (absolute or path-relative) into the tenant's
// namespace, replacing the authority with proxyAuthority and stripping
// upstreamPrefix from the path. Non-repository paths (anything not
// starting with "/v2/") are returned unchanged.
func RewriteLocationHeader(location, proxyAuthority, cluster, upstreamPrefix string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid Location header %q: %v", location, err)
	}
	const v2 = "/v2/"
	if !strings.HasPrefix(u.Path, v2) {
		return location, nil
	}
	rest := strings.TrimPrefix(u.Path, v2)
	name, tail, ok := splitNameFromPath(rest)
	if !ok {
		return location, nil
	}
	rn, err := ParseUpstream(cluster, upstreamPrefix, name)
	if err != nil {
		return "", fmt.Errorf("rewriting Location header: %v", err)
	}
	u.Path = v2 + rn.TenantPath() + tail
	u.Scheme = ""
	u.Host = ""
	u.Opaque = ""
	if proxyAuthority != "" {
		u.Scheme = "https"
		u.Host = proxyAuthority
	}
	return u.String(), nil
}

// RewriteLinkHeader rewrites a `Link: <url>; rel="next"` pagination
// header the same way as RewriteLocationHeader, preserving the
// parameters that follow the URL.
func RewriteLinkHeader(link, proxyAuthority, cluster, upstreamPrefix string) (string, error) {
	end := strings.IndexByte(link, '>')
	if !strings.HasPrefix(link, "<") || end < 0 {
		return "", fmt.Errorf("malformed Link header %q", link)
	}
	rawURL, rest := link[1:end], link[end+1:]
	rewritten, err := RewriteLocationHeader(rawURL, proxyAuthority, cluster, upstreamPrefix)
	if err != nil {
		return "", err
	}
	return "<" + rewritten + ">" + rest, nil
}

// splitNameFromPath splits a "<name>/(manifests|blobs|tags)/<rest>"
// path into the repository name and the trailing "/manifests/..." etc,
// recognizing the known Registry v2 sub-resources that follow a name.
func splitNameFromPath(path string) (name, tail string, ok bool) {
	for _, sep := range []string{"/manifests/", "/blobs/uploads/", "/blobs/", "/tags/list"} {
		if i := strings.Index(path, sep); i >= 0 {
			return path[:i], path[i:], true
		}
	}
	return "", "", false
}
