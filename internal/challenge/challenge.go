package challenge

import (
	"strings"
)

// Challenge holds the parameters of a "Bearer" WWW-Authenticate challenge
// returned by the upstream registry on a 401 response, as described by
// https://distribution.github.io/distribution/spec/auth/token/.
type Challenge struct {
	Realm   string
	Service string
	Scope   Scope
}

// ParseWWWAuthenticate parses the value of a WWW-Authenticate response
// header. It returns a nil Challenge and a nil error if the header's
// auth-scheme isn't "bearer", or has no realm: the broker has no use for
// Basic or other schemes advertised this way, since upstream credential
// configuration, not challenge negotiation, decides which flavor of
// credential to present, and the caller should fall back to surfacing
// the original upstream response.
func ParseWWWAuthenticate(header string) (*Challenge, error) {
	scheme, params := parseValueAndParams(header)
	if scheme != "bearer" {
		return nil, nil
	}
	realm := params["realm"]
	if realm == "" {
		return nil, nil
	}
	return &Challenge{
		Realm:   realm,
		Service: params["service"],
		Scope:   ParseScope(params["scope"]),
	}, nil
}

// octetType classifies bytes for the token/separator grammar of RFC 2616
// §2.2, as used by the challenge-parameter grammar of RFC 7235 §2.1.
type octetType byte

const (
	isToken octetType = 1 << iota
	isSpace
)

var octetTypes [256]octetType

func init() {
	for c := 0; c < 256; c++ {
		var t octetType
		isCtl := c <= 31 || c == 127
		isChar := c <= 127
		isSeparator := strings.ContainsRune(" \t\"(),/:;<=>?@[]\\{}", rune(c))
		if strings.ContainsRune(" \t\r\n", rune(c)) {
			t |= isSpace
		}
		if isChar && !isCtl && !isSeparator {
			t |= isToken
		}
		octetTypes[c] = t
	}
}

// parseValueAndParams parses a single challenge of the form
//
//	scheme param1=value1, param2="value 2", ...
//
// Parameter names are lowercased; values keep their original case.
func parseValueAndParams(header string) (value string, params map[string]string) {
	params = make(map[string]string)
	value, s := expectToken(header)
	if value == "" {
		return "", params
	}
	value = strings.ToLower(value)
	s = "," + skipSpace(s)
	for strings.HasPrefix(s, ",") {
		var pkey string
		pkey, s = expectToken(skipSpace(s[1:]))
		if pkey == "" {
			return value, params
		}
		if !strings.HasPrefix(s, "=") {
			return value, params
		}
		var pvalue string
		pvalue, s = expectTokenOrQuoted(s[1:])
		if pvalue == "" {
			return value, params
		}
		params[strings.ToLower(pkey)] = pvalue
		s = skipSpace(s)
	}
	return value, params
}

func skipSpace(s string) string {
	i := 0
	for ; i < len(s); i++ {
		if octetTypes[s[i]]&isSpace == 0 {
			break
		}
	}
	return s[i:]
}

func expectToken(s string) (token, rest string) {
	i := 0
	for ; i < len(s); i++ {
		if octetTypes[s[i]]&isToken == 0 {
			break
		}
	}
	return s[:i], s[i:]
}

// expectTokenOrQuoted parses either a bare token or a quoted-string with
// backslash escapes, per RFC 7230 §3.2.6.
func expectTokenOrQuoted(s string) (value string, rest string) {
	if !strings.HasPrefix(s, `"`) {
		return expectToken(s)
	}
	s = s[1:]
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			return s[:i], s[i+1:]
		case '\\':
			p := make([]byte, len(s)-1)
			j := copy(p, s[:i])
			escape := true
			for i++; i < len(s); i++ {
				b := s[i]
				switch {
				case escape:
					escape = false
					p[j] = b
					j++
				case b == '\\':
					escape = true
				case b == '"':
					return string(p[:j]), s[i+1:]
				default:
					p[j] = b
					j++
				}
			}
			return "", ""
		}
	}
	return "", ""
}
