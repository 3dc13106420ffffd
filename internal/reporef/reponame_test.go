package reporef

import (
	"testing"

	"github.com/go-quicktest/qt"
)

var parseRepoNameTests = []struct {
	testName string
	cluster  string
	name     string
	want     RepoName
	wantErr  string
}{{
	testName: "ProjectAndRepo",
	cluster:  "prod",
	name:     "myproject/myrepo",
	want:     RepoName{Cluster: "prod", Project: "myproject", Repo: "myrepo"},
}, {
	testName: "OrgProjectAndRepo",
	cluster:  "prod",
	name:     "myorg/myproject/myrepo",
	want:     RepoName{Cluster: "prod", Org: "myorg", Project: "myproject", Repo: "myrepo"},
}, {
	testName: "TooShallow",
	cluster:  "prod",
	name:     "onlyone",
	wantErr:  `repository name "onlyone" has the wrong number of path segments`,
}, {
	testName: "TooDeep",
	cluster:  "prod",
	name:     "a/b/c/d",
	wantErr:  `repository name "a/b/c/d" has the wrong number of path segments`,
}, {
	testName: "EmptySegment",
	cluster:  "prod",
	name:     "myproject//myrepo",
	wantErr:  `empty path segment in repository name "myproject//myrepo"`,
}, {
	testName: "UppercaseSegment",
	cluster:  "prod",
	name:     "MyProject/myrepo",
	wantErr:  `invalid repository name segment "MyProject"`,
}}

func TestParseRepoName(t *testing.T) {
	for _, test := range parseRepoNameTests {
		t.Run(test.testName, func(t *testing.T) {
			got, err := ParseRepoName(test.cluster, test.name)
			if test.wantErr != "" {
				qt.Assert(t, qt.ErrorMatches(err, test.wantErr))
				return
			}
			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.Equals(got, test.want))
			qt.Assert(t, qt.Equals(got.TenantPath(), test.name))
		})
	}
}

var rewriteBijectionTests = []struct {
	testName       string
	cluster        string
	upstreamPrefix string
	tenantName     string
}{{
	testName:       "NoPrefixNoOrg",
	cluster:        "prod",
	upstreamPrefix: "",
	tenantName:     "myproject/myrepo",
}, {
	testName:       "NoPrefixWithOrg",
	cluster:        "prod",
	upstreamPrefix: "",
	tenantName:     "myorg/myproject/myrepo",
}, {
	testName:       "WithPrefixNoOrg",
	cluster:        "prod",
	upstreamPrefix: "gcr-project",
	tenantName:     "myproject/myrepo",
}, {
	testName:       "WithPrefixWithOrg",
	cluster:        "prod",
	upstreamPrefix: "gcr-project",
	tenantName:     "myorg/myproject/myrepo",
}}

func TestRewriteIsABijection(t *testing.T) {
	for _, test := range rewriteBijectionTests {
		t.Run(test.testName, func(t *testing.T) {
			rn, err := ParseRepoName(test.cluster, test.tenantName)
			qt.Assert(t, qt.IsNil(err))

			upstream := rn.Rewrite(test.upstreamPrefix)
			rn1, err := ParseUpstream(test.cluster, test.upstreamPrefix, upstream)
			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.Equals(rn1, rn))
			qt.Assert(t, qt.Equals(rn1.TenantPath(), test.tenantName))
		})
	}
}

func TestParseUpstreamRejectsWrongPrefix(t *testing.T) {
	_, err := ParseUpstream("prod", "gcr-project", "other-project/myproject/myrepo")
	qt.Assert(t, qt.ErrorMatches(err, `upstream repository "other-project/myproject/myrepo" does not begin with prefix "gcr-project"`))
}

var rewriteLocationHeaderTests = []struct {
	testName       string
	location       string
	proxyAuthority string
	cluster        string
	upstreamPrefix string
	want           string
	wantErr        string
}{{
	testName:       "RelativeNoPrefix",
	location:       "/v2/myproject/myrepo/blobs/uploads/abc-123",
	proxyAuthority: "proxy.example.com",
	cluster:        "prod",
	upstreamPrefix: "",
	want:           "https://proxy.example.com/v2/myproject/myrepo/blobs/uploads/abc-123",
}, {
	testName:       "AbsoluteWithPrefix",
	location:       "https://gcr.io/v2/gcr-project/myproject/myrepo/blobs/uploads/abc-123",
	proxyAuthority: "proxy.example.com",
	cluster:        "prod",
	upstreamPrefix: "gcr-project",
	want:           "https://proxy.example.com/v2/myproject/myrepo/blobs/uploads/abc-123",
}, {
	testName:       "NonV2PathPassesThrough",
	location:       "https://gcr.io/healthz",
	proxyAuthority: "proxy.example.com",
	cluster:        "prod",
	upstreamPrefix: "gcr-project",
	want:           "https://gcr.io/healthz",
}, {
	testName:       "WrongPrefixErrors",
	location:       "/v2/other-project/myproject/myrepo/manifests/sha256:abcd",
	proxyAuthority: "proxy.example.com",
	cluster:        "prod",
	upstreamPrefix: "gcr-project",
	wantErr:        `rewriting Location header: .*does not begin with prefix.*`,
}}

func TestRewriteLocationHeader(t *testing.T) {
	for _, test := range rewriteLocationHeaderTests {
		t.Run(test.testName, func(t *testing.T) {
			got, err := RewriteLocationHeader(test.location, test.proxyAuthority, test.cluster, test.upstreamPrefix)
			if test.wantErr != "" {
				qt.Assert(t, qt.ErrorMatches(err, test.wantErr))
				return
			}
			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.Equals(got, test.want))
		})
	}
}

func TestRewriteLinkHeader(t *testing.T) {
	got, err := RewriteLinkHeader(
		`</v2/gcr-project/myproject/myrepo/tags/list?n=50&last=x>; rel="next"`,
		"proxy.example.com", "prod", "gcr-project")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, `<https://proxy.example.com/v2/myproject/myrepo/tags/list?n=50&last=x>; rel="next"`))
}
