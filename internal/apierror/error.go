// Package apierror implements the OCI distribution-spec error envelope:
// https://github.com/opencontainers/distribution-spec/blob/main/spec.md#error-codes
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is implemented by errors that carry a distribution-spec error
// code and, optionally, a JSON-able detail value.
type Error interface {
	error
	Code() string
	Detail() any
}

// HTTPError is implemented by errors that know which HTTP status code
// they should be reported with, independently of any distribution-spec
// error code they may also carry.
type HTTPError interface {
	error
	StatusCode() int
}

type apiError struct {
	code    string
	message string
	detail  any
}

func (e *apiError) Code() string { return e.code }
func (e *apiError) Detail() any  { return e.detail }
func (e *apiError) Error() string {
	return codeWords(e.code) + ": " + e.message
}

// NewError returns an error that reports as the given distribution-spec
// error code, with msg as its human-readable message and detail (if
// non-nil) as machine-readable context serialized into the wire error's
// "detail" field.
func NewError(msg, code string, detail any) Error {
	return &apiError{code: code, message: msg, detail: detail}
}

func codeWords(code string) string {
	return strings.ToLower(strings.ReplaceAll(code, "_", " "))
}

type httpError struct {
	err        error
	statusCode int
	header     http.Header
	detail     any
}

// NewHTTPError wraps err so that it's reported with the given HTTP status
// code when no more specific status is implied by a distribution-spec
// error code found in err's chain. header, if non-nil, is copied onto
// the response when the error is written. detail overrides the wrapped
// error's detail, if non-nil.
func NewHTTPError(err error, statusCode int, header http.Header, detail any) error {
	return &httpError{err: err, statusCode: statusCode, header: header, detail: detail}
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.statusCode, http.StatusText(e.statusCode), e.err.Error())
}

func (e *httpError) Unwrap() error       { return e.err }
func (e *httpError) StatusCode() int     { return e.statusCode }
func (e *httpError) Header() http.Header { return e.header }

func (e *httpError) Detail() any {
	if e.detail != nil {
		return e.detail
	}
	var inner Error
	if errors.As(e.err, &inner) {
		return inner.Detail()
	}
	return nil
}

func (e *httpError) Code() string {
	var inner Error
	if errors.As(e.err, &inner) {
		return inner.Code()
	}
	return ""
}

// The following errors correspond to error codes defined by the
// distribution spec. Not every request that fails needs to use one of
// these; an arbitrary error wrapped in NewHTTPError is reported as
// "UNKNOWN" with the given HTTP status.
var (
	ErrBlobUnknown         = newErrorCode("blob unknown to registry", "BLOB_UNKNOWN", http.StatusNotFound)
	ErrBlobUploadInvalid   = newErrorCode("blob upload invalid", "BLOB_UPLOAD_INVALID", http.StatusBadRequest)
	ErrBlobUploadUnknown   = newErrorCode("blob upload unknown to registry", "BLOB_UPLOAD_UNKNOWN", http.StatusNotFound)
	ErrDigestInvalid       = newErrorCode("provided digest did not match uploaded content", "DIGEST_INVALID", http.StatusBadRequest)
	ErrManifestBlobUnknown = newErrorCode("manifest references a manifest or blob unknown to registry", "MANIFEST_BLOB_UNKNOWN", http.StatusNotFound)
	ErrManifestInvalid     = newErrorCode("manifest invalid", "MANIFEST_INVALID", http.StatusBadRequest)
	ErrManifestUnknown     = newErrorCode("manifest unknown to registry", "MANIFEST_UNKNOWN", http.StatusNotFound)
	ErrNameInvalid         = newErrorCode("invalid repository name", "NAME_INVALID", http.StatusBadRequest)
	ErrNameUnknown         = newErrorCode("repository name not known to registry", "NAME_UNKNOWN", http.StatusNotFound)
	ErrSizeInvalid         = newErrorCode("provided length did not match content length", "SIZE_INVALID", http.StatusBadRequest)
	ErrUnauthorized        = newErrorCode("authentication required", "UNAUTHORIZED", http.StatusUnauthorized)
	ErrDenied              = newErrorCode("requested access to the resource is denied", "DENIED", http.StatusForbidden)
	ErrUnsupported         = newErrorCode("the operation is unsupported", "UNSUPPORTED", http.StatusBadRequest)
	ErrTooManyRequests     = newErrorCode("too many requests", "TOOMANYREQUESTS", http.StatusTooManyRequests)
	ErrUnknown             = newErrorCode("unknown error", "UNKNOWN", http.StatusInternalServerError)
)

func newErrorCode(msg, code string, httpStatus int) Error {
	errorStatuses[code] = httpStatus
	return &apiError{code: code, message: msg}
}

var errorStatuses = map[string]int{}

// WireError is the JSON representation of a single error, as sent in a
// WireErrors envelope.
type WireError struct {
	Code_   string          `json:"code"`
	Message string          `json:"message"`
	Detail_ json.RawMessage `json:"detail,omitempty"`
}

func (e WireError) Code() string  { return e.Code_ }
func (e WireError) Error() string { return e.Message }
func (e WireError) Detail() any {
	if len(e.Detail_) == 0 {
		return nil
	}
	return e.Detail_
}

// WireErrors is the envelope returned in the body of every non-2xx
// registry API response.
type WireErrors struct {
	Errors []WireError `json:"errors"`
}

func (e *WireErrors) Error() string {
	if len(e.Errors) == 0 {
		return "unknown error"
	}
	return e.Errors[0].Error()
}

// Is reports whether e holds an error with the same distribution-spec
// code as target, letting callers use errors.Is to check a WireErrors
// decoded off the wire against one of the sentinel errors above. A
// target whose code is empty matches "UNKNOWN", the code MarshalError
// writes for such an error.
func (e *WireErrors) Is(target error) bool {
	var want Error
	if !errors.As(target, &want) {
		return false
	}
	code := want.Code()
	if code == "" {
		code = "UNKNOWN"
	}
	for _, we := range e.Errors {
		if we.Code_ == code {
			return true
		}
	}
	return false
}

// MarshalError builds the JSON body and HTTP status code that should be
// sent in response to err. The status code prefers, in order: a
// distribution-spec error code's conventional status (only when err's
// chain actually carries one — a code defaulted to "UNKNOWN" doesn't
// count, since every error falls into that default), an HTTPError's
// explicit status, then 500. The wire message is err.Error() with a
// leading "<status> <status text>: " removed when the HTTPError's status
// is the one reported, then a leading "<code words>: " removed when the
// chain carries a real code, since both only repeat other fields.
func MarshalError(err error) ([]byte, int) {
	we := WireError{Message: err.Error()}
	var apiErr Error
	realCode := false
	if errors.As(err, &apiErr) {
		if code := apiErr.Code(); code != "" {
			we.Code_ = code
			realCode = true
		}
		if detail := apiErr.Detail(); detail != nil {
			data, merr := json.Marshal(detail)
			if merr != nil {
				panic(fmt.Errorf("cannot marshal error detail: %v", merr))
			}
			we.Detail_ = json.RawMessage(data)
		}
	}
	if we.Code_ == "" {
		we.Code_ = "UNKNOWN"
	}

	var httpErr HTTPError
	hasHTTPErr := errors.As(err, &httpErr)

	httpStatus := http.StatusInternalServerError
	if status, ok := errorStatuses[we.Code_]; ok && realCode {
		httpStatus = status
	} else if hasHTTPErr {
		httpStatus = httpErr.StatusCode()
	}
	if hasHTTPErr && httpErr.StatusCode() == httpStatus {
		we.Message = strings.TrimPrefix(we.Message, fmt.Sprintf("%d %s: ", httpStatus, http.StatusText(httpStatus)))
	}
	if realCode {
		we.Message = strings.TrimPrefix(we.Message, codeWords(we.Code_)+": ")
	}
	data, merr := json.Marshal(WireErrors{Errors: []WireError{we}})
	if merr != nil {
		data, _ = json.Marshal(WireErrors{Errors: []WireError{{
			Code_:   "UNKNOWN",
			Message: "failed to marshal error response",
		}}})
	}
	return data, httpStatus
}

type headerer interface {
	Header() http.Header
}

// WriteError writes err to w as a distribution-spec error response,
// including any extra headers (e.g. Retry-After) attached via
// NewHTTPError.
func WriteError(w http.ResponseWriter, err error) {
	var withHeader headerer
	if errors.As(err, &withHeader) {
		for k, vs := range withHeader.Header() {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
	}
	data, status := MarshalError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
