// Copyright 2023 CUE Labs AG
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reporef

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"strings"
	"testing"

	"github.com/go-quicktest/qt"
)

var parseReferenceTests = []struct {
	testName string
	input    string
	wantErr  string
	wantRef  Reference
}{
	{
		input: "test_com",
		wantRef: Reference{
			Repository: "test_com",
		},
	},
	{
		input: "test.com:tag",
		wantRef: Reference{
			Repository: "test.com",
			Tag:        "tag",
		},
	},
	{
		input: "test.com:5000",
		wantRef: Reference{
			Repository: "test.com",
			Tag:        "5000",
		},
	},
	{
		input: "test.com/repo:tag",
		wantRef: Reference{
			Repository: "test.com/repo",
			Tag:        "tag",
		},
	},
	{
		input: "repo@sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		wantRef: Reference{
			Repository: "repo",
			Digest:     "sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		},
	},
	{
		input: "repo:tag@sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		wantRef: Reference{
			Repository: "repo",
			Tag:        "tag",
			Digest:     "sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		},
	},
	{
		testName: "EmptyString",
		input:    "",
		wantErr:  `invalid reference syntax \(""\)`,
	},
	{
		input:   ":justtag",
		wantErr: `invalid reference syntax \(":justtag"\)`,
	},
	{
		input:   "@sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		wantErr: `invalid reference syntax \("@sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"\)`,
	},
	{
		input:   "repo@sha256:ffffffffffffffffffffffffffffffffff",
		wantErr: `invalid digest "sha256:ffffffffffffffffffffffffffffffffff": invalid checksum digest length`,
	},
	{
		input:   "validname@invalidDigest:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		wantErr: `invalid digest "invalidDigest:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff": invalid checksum digest format`,
	},
	{
		input:   "Uppercase:tag",
		wantErr: `invalid reference syntax \("Uppercase:tag"\)`,
	},
	{
		input: "lowercase:Uppercase",
		wantRef: Reference{
			Repository: "lowercase",
			Tag:        "Uppercase",
		},
	},
	{
		testName: "RepoTooLong",
		input:    strings.Repeat("a/", 128) + "a:tag",
		wantErr:  `repository name too long`,
	},
	{
		testName: "RepoAlmostTooLong",
		input:    strings.Repeat("a/", 127) + "a:tag-puts-this-over-max",
		wantRef: Reference{
			Repository: strings.Repeat("a/", 127) + "a",
			Tag:        "tag-puts-this-over-max",
		},
	},
	{
		input:   "aa/asdf$$^/aa",
		wantErr: `invalid reference syntax \("aa/asdf\$\$\^/aa"\)`,
	},
	{
		input: "bar/baz/quux",
		wantRef: Reference{
			Repository: "bar/baz/quux",
		},
	},
	{
		input: "bar/baz/quux:some-long-tag",
		wantRef: Reference{
			Repository: "bar/baz/quux",
			Tag:        "some-long-tag",
		},
	},
	{
		input: "foo_bar.com:8080",
		wantRef: Reference{
			Repository: "foo_bar.com",
			Tag:        "8080",
		},
	},
	{
		input: "foo/foo_bar.com:8080",
		wantRef: Reference{
			Repository: "foo/foo_bar.com",
			Tag:        "8080",
		},
	},
	{
		input: "192.168.1.1",
		wantRef: Reference{
			Repository: "192.168.1.1",
		},
	},
	{
		input: "192.168.1.1:tag",
		wantRef: Reference{
			Repository: "192.168.1.1",
			Tag:        "tag",
		},
	},
}

func TestParseReference(t *testing.T) {
	for _, test := range parseReferenceTests {
		if test.testName == "" {
			test.testName = test.input
		}
		t.Run(test.testName, func(t *testing.T) {
			ref, err := Parse(test.input)
			t.Logf("ref: %#v", ref)
			if test.wantErr != "" {
				qt.Assert(t, qt.ErrorMatches(err, test.wantErr))
				return
			}
			qt.Assert(t, qt.IsNil(err))
			qt.Check(t, qt.Equals(ref, test.wantRef))
			qt.Check(t, qt.Equals(ref.String(), test.input))
		})
	}
}

var parseManifestReferenceTests = []struct {
	testName string
	input    string
	wantErr  string
	wantRef  Reference
}{{
	testName: "Tag",
	input:    "latest",
	wantRef:  Reference{Tag: "latest"},
}, {
	testName: "Digest",
	input:    "sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
	wantRef:  Reference{Digest: "sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"},
}, {
	testName: "Empty",
	input:    "",
	wantErr:  `empty reference`,
}, {
	testName: "TagWithSlash",
	input:    "foo/bar",
	wantErr:  `invalid reference "foo/bar"`,
}}

func TestParseManifestReference(t *testing.T) {
	for _, test := range parseManifestReferenceTests {
		t.Run(test.testName, func(t *testing.T) {
			ref, err := ParseManifestReference(test.input)
			if test.wantErr != "" {
				qt.Assert(t, qt.ErrorMatches(err, test.wantErr))
				return
			}
			qt.Assert(t, qt.IsNil(err))
			qt.Check(t, qt.Equals(ref, test.wantRef))
		})
	}
}
