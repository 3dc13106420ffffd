// Package regreq parses inbound Registry v2 request paths into a typed
// Request, the shape that both the authorizer and the proxy handler
// dispatch on.
package regreq

import (
	"fmt"
	"net/url"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// RequestKind identifies the shape of a parsed Registry v2 request.
type RequestKind int

const (
	ReqPing RequestKind = iota
	ReqCatalog
	ReqTagsList
	ReqManifest
	ReqBlob
	ReqBlobUploadStart
	ReqBlobUploadBlob
	ReqBlobUploadChunk
	ReqBlobUploadComplete
	ReqBlobMount
)

func (k RequestKind) String() string {
	switch k {
	case ReqPing:
		return "ping"
	case ReqCatalog:
		return "catalog"
	case ReqTagsList:
		return "tagsList"
	case ReqManifest:
		return "manifest"
	case ReqBlob:
		return "blob"
	case ReqBlobUploadStart:
		return "blobUploadStart"
	case ReqBlobUploadBlob:
		return "blobUploadBlob"
	case ReqBlobUploadChunk:
		return "blobUploadChunk"
	case ReqBlobUploadComplete:
		return "blobUploadComplete"
	case ReqBlobMount:
		return "blobMount"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// Request is the parsed shape of a client's `/v2/...` URL.
type Request struct {
	Kind RequestKind

	// Repo holds the tenant-facing repository path, e.g. "org/project/repo".
	// Empty for ReqPing and ReqCatalog.
	Repo string

	// FromRepo holds the source repository of a cross-repository blob
	// mount (ReqBlobMount only).
	FromRepo string

	// Reference holds the tag or digest addressed by a manifest or
	// blob request, or the digest being mounted or completed.
	Reference string

	// UploadID holds the upload session ID for chunked/PATCH and
	// completing/PUT upload requests.
	UploadID string
}

// Parse parses method and u (an inbound request's URL) into a Request.
// It validates digest syntax but leaves repository-name validation to
// package reporef, since that's invoked downstream with the deployment's
// cluster name regardless of how the path was shaped.
func Parse(method string, u *url.URL) (*Request, error) {
	path := u.Path
	if !strings.HasPrefix(path, "/v2") {
		return nil, fmt.Errorf("not a registry v2 request path %q", path)
	}
	path = strings.TrimPrefix(path, "/v2")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return &Request{Kind: ReqPing}, nil
	}
	if path == "_catalog" {
		return &Request{Kind: ReqCatalog}, nil
	}

	if repo, ok := cutSuffix(path, "/tags/list"); ok {
		return &Request{Kind: ReqTagsList, Repo: repo}, nil
	}
	if repo, ref, ok := cutMiddle(path, "/manifests/"); ok {
		return &Request{Kind: ReqManifest, Repo: repo, Reference: ref}, nil
	}
	if repo, rest, ok := cutMiddle(path, "/blobs/uploads"); ok {
		return parseBlobUpload(method, repo, strings.TrimPrefix(rest, "/"), u.Query())
	}
	if repo, ref, ok := cutMiddle(path, "/blobs/"); ok {
		d, err := digest.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("badly formed digest: %v", err)
		}
		return &Request{Kind: ReqBlob, Repo: repo, Reference: d.String()}, nil
	}
	return nil, fmt.Errorf("unrecognized registry v2 request path %q", path)
}

func parseBlobUpload(method, repo, rest string, q url.Values) (*Request, error) {
	if rest == "" {
		if mount := q.Get("mount"); mount != "" {
			d, err := digest.Parse(mount)
			if err != nil {
				return nil, fmt.Errorf("badly formed digest: %v", err)
			}
			return &Request{
				Kind:      ReqBlobMount,
				Repo:      repo,
				FromRepo:  q.Get("from"),
				Reference: d.String(),
			}, nil
		}
		if dig := q.Get("digest"); dig != "" {
			d, err := digest.Parse(dig)
			if err != nil {
				return nil, fmt.Errorf("badly formed digest: %v", err)
			}
			return &Request{Kind: ReqBlobUploadBlob, Repo: repo, Reference: d.String()}, nil
		}
		return &Request{Kind: ReqBlobUploadStart, Repo: repo}, nil
	}
	switch method {
	case "PATCH":
		return &Request{Kind: ReqBlobUploadChunk, Repo: repo, UploadID: rest}, nil
	case "PUT":
		var ref string
		if dig := q.Get("digest"); dig != "" {
			d, err := digest.Parse(dig)
			if err != nil {
				return nil, fmt.Errorf("badly formed digest: %v", err)
			}
			ref = d.String()
		}
		return &Request{Kind: ReqBlobUploadComplete, Repo: repo, UploadID: rest, Reference: ref}, nil
	default:
		return nil, fmt.Errorf("unsupported method %s for blob upload session", method)
	}
}

// cutSuffix splits path into the part before suffix when path ends
// with it exactly.
func cutSuffix(path, suffix string) (before string, ok bool) {
	if !strings.HasSuffix(path, suffix) {
		return "", false
	}
	return strings.TrimSuffix(path, suffix), true
}

// cutMiddle finds the first occurrence of sep in path and splits
// around it.
func cutMiddle(path, sep string) (before, after string, ok bool) {
	i := strings.Index(path, sep)
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+len(sep):], true
}
