package permcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-quicktest/qt"
)

func TestHTTPCheckerCheckAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qt.Check(t, qt.Equals(r.URL.Path, "/v1/check"))
		json.NewEncoder(w).Encode(checkResponseBody{})
	}))
	defer srv.Close()

	c := NewHTTPChecker(HTTPCheckerParams{BaseURL: srv.URL})
	err := c.Check(context.Background(), "tok", []Permission{{URI: "image://c1/alice/alpine", Action: ActionRead}})
	qt.Assert(t, qt.IsNil(err))
}

func TestHTTPCheckerCheckDenied(t *testing.T) {
	missing := []Permission{{URI: "image://c1/alice/alpine", Action: ActionWrite}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(checkResponseBody{Missing: missing})
	}))
	defer srv.Close()

	c := NewHTTPChecker(HTTPCheckerParams{BaseURL: srv.URL})
	err := c.Check(context.Background(), "tok", missing)
	qt.Assert(t, qt.Not(qt.IsNil(err)))

	var denied *DeniedError
	ok := asDeniedError(err, &denied)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.DeepEquals(denied.Missing, missing))
}

func TestHTTPCheckerListUserPermissions(t *testing.T) {
	perms := []Permission{
		{URI: "image://c1/alice/alpine", Action: ActionRead},
		{URI: "image://c1/alice/ubuntu", Action: ActionManage},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qt.Check(t, qt.Equals(r.URL.Path, "/v1/permissions"))
		json.NewEncoder(w).Encode(listPermissionsResponseBody{Permissions: perms})
	}))
	defer srv.Close()

	c := NewHTTPChecker(HTTPCheckerParams{BaseURL: srv.URL})
	got, err := c.ListUserPermissions(context.Background(), "tok")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(got, perms))
}

func asDeniedError(err error, target **DeniedError) bool {
	if d, ok := err.(*DeniedError); ok {
		*target = d
		return true
	}
	return false
}
