// Package reporef models repository names and references as they
// appear in Registry v2 URL paths, and the rewriting between a tenant's
// view of those names and the upstream's.
package reporef

import (
	"fmt"
	"regexp"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// The following regular expressions are derived from the
// github.com/distribution/distribution/v3/reference package, trimmed
// to the grammar the proxy actually sees: it never receives a host
// component, because clients always address the proxy itself.
const (
	alphanumeric = `[a-z0-9]+`

	// separator allows one period, one or two underscores, and
	// repeated dashes between alphanumeric runs in a path component.
	separator = `(?:[._]|__|[-]+)`

	// tag matches valid tag names, from docker/docker:graph/tags.go.
	tag = `(?:\w[\w.-]*)`

	pathComponent = `(?:` + alphanumeric + `(?:` + separator + alphanumeric + `)*` + `)`

	// repoName matches one or more slash-delimited path components,
	// e.g. "library/ubuntu".
	repoName = pathComponent + `(?:` + `/` + pathComponent + `)*`
)

var referencePat = regexp.MustCompile(
	`^(` + repoName + `)` + // capture 1: repository name
		`(?:` + `:(` + tag + `))?` + // capture 2: tag
		`(?:` + `@(.+))?` + // capture 3: digest; go-digest catches malformed ones
		`$`,
)

// Reference identifies a repository and, optionally, the tag or digest
// of an entry within it, as found in a single Registry v2 path
// component such as "foo/bar:latest" or "foo/bar@sha256:...".
type Reference struct {
	// Repository holds the repository name.
	Repository string

	// Tag holds the TAG part of a :TAG or :TAG@DIGEST reference.
	Tag string

	// Digest holds the DIGEST part of an @DIGEST reference or of a
	// :TAG@DIGEST reference.
	Digest digest.Digest
}

// Parse parses a "name[:tag][@digest]" string.
func Parse(s string) (Reference, error) {
	m := referencePat.FindStringSubmatch(s)
	if m == nil {
		return Reference{}, fmt.Errorf("invalid reference syntax (%q)", s)
	}
	var ref Reference
	ref.Repository, ref.Tag, ref.Digest = m[1], m[2], digest.Digest(m[3])
	if len(ref.Tag) > 127 {
		return Reference{}, fmt.Errorf("tag %q too long", ref.Tag)
	}
	if len(ref.Digest) > 0 {
		if err := ref.Digest.Validate(); err != nil {
			return Reference{}, fmt.Errorf("invalid digest %q: %v", ref.Digest, err)
		}
	}
	if len(ref.Repository) > 255 {
		return Reference{}, fmt.Errorf("repository name too long")
	}
	return ref, nil
}

// String returns the string form of a reference: "name[:tag][@digest]".
func (ref Reference) String() string {
	var buf strings.Builder
	buf.Grow(len(ref.Repository) + 1 + len(ref.Tag) + 1 + len(ref.Digest))
	buf.WriteString(ref.Repository)
	if len(ref.Tag) > 0 {
		buf.WriteByte(':')
		buf.WriteString(ref.Tag)
	}
	if len(ref.Digest) > 0 {
		buf.WriteByte('@')
		buf.WriteString(string(ref.Digest))
	}
	return buf.String()
}

// ParseManifestReference parses the final path segment of a manifest or
// blob request (everything after ".../manifests/" or ".../blobs/"),
// which is always exactly a tag or a digest, never combined with a
// repository name.
func ParseManifestReference(s string) (Reference, error) {
	if s == "" {
		return Reference{}, fmt.Errorf("empty reference")
	}
	if d, err := digest.Parse(s); err == nil {
		return Reference{Digest: d}, nil
	}
	if !tagOnlyPat.MatchString(s) {
		return Reference{}, fmt.Errorf("invalid reference %q", s)
	}
	if len(s) > 127 {
		return Reference{}, fmt.Errorf("tag %q too long", s)
	}
	return Reference{Tag: s}, nil
}

var tagOnlyPat = regexp.MustCompile(`^` + tag + `$`)
