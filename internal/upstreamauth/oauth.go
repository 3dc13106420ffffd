package upstreamauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/apolo-dev/registry-proxy/internal/challenge"
)

// OAuthBroker implements the Distribution token protocol described at
// https://distribution.github.io/distribution/spec/auth/token/: given a
// scope, it performs a GET against the token service with HTTP Basic
// credentials and exchanges the response for a bearer token.
//
// Acquisitions are cached by scope and coalesced with singleflight so
// that concurrent requests needing the same scope share one token
// exchange.
type OAuthBroker struct {
	tokenURL string
	service  string
	username string
	password string
	client   *http.Client

	cache   *credentialCache
	inflight singleflight.Group
}

// OAuthBrokerParams configures an OAuthBroker.
type OAuthBrokerParams struct {
	TokenURL string
	Service  string
	Username string
	Password string
	// Client, if nil, defaults to http.DefaultClient.
	Client *http.Client
}

func NewOAuthBroker(p OAuthBrokerParams) *OAuthBroker {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthBroker{
		tokenURL: p.TokenURL,
		service:  p.Service,
		username: p.Username,
		password: p.Password,
		client:   client,
		cache:    newCredentialCache(),
	}
}

var _ Broker = (*OAuthBroker)(nil)

func (b *OAuthBroker) Acquire(ctx context.Context, scope challenge.Scope) (Credential, error) {
	key := scopeKey(scope)
	if cred, ok := b.cache.get(key); ok {
		return cred, nil
	}
	return b.acquireAndCache(ctx, scope, key)
}

func (b *OAuthBroker) Reacquire(ctx context.Context, scope challenge.Scope) (Credential, error) {
	key := scopeKey(scope)
	b.cache.delete(key)
	return b.acquireAndCache(ctx, scope, key)
}

func (b *OAuthBroker) acquireAndCache(ctx context.Context, scope challenge.Scope, key string) (Credential, error) {
	v, err, _ := b.inflight.Do(key, func() (any, error) {
		tok, expiresAt, err := b.exchangeToken(ctx, scope)
		if err != nil {
			return Credential{}, err
		}
		cred := NewBearerCredential(tok, expiresAt)
		b.cache.set(key, cred)
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// exchangeToken performs the token-service request, retrying up to twice
// on network error or a 5xx response, waiting 200ms before the first
// retry and 800ms before the second. A 4xx response is non-retriable.
func (b *OAuthBroker) exchangeToken(ctx context.Context, scope challenge.Scope) (token string, expiresAt time.Time, err error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.RandomizationFactor = 0
	exp.Multiplier = 4
	exp.MaxInterval = 800 * time.Millisecond
	exp.Reset()
	bo := backoff.WithMaxRetries(exp, 2)

	var wire *wireToken
	operation := func() error {
		w, terr := b.requestToken(ctx, scope)
		if terr != nil {
			var rerr *responseError
			if errors.As(terr, &rerr) && rerr.statusCode < 500 {
				return backoff.Permanent(terr)
			}
			return terr
		}
		wire = w
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return "", time.Time{}, fmt.Errorf("acquiring upstream token: %w", err)
	}

	tok := wire.Token
	if tok == "" {
		tok = wire.AccessToken
	}
	if tok == "" {
		return "", time.Time{}, fmt.Errorf("token service response carried no access token")
	}
	expiresIn := wire.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 60
	}
	return tok, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

func (b *OAuthBroker) requestToken(ctx context.Context, scope challenge.Scope) (*wireToken, error) {
	u, err := url.Parse(b.tokenURL)
	if err != nil {
		return nil, fmt.Errorf("invalid token_url %q: %v", b.tokenURL, err)
	}
	q := u.Query()
	if b.service != "" {
		q.Set("service", b.service)
	}
	if !scope.IsUnlimited() {
		// The protocol wants one "scope" parameter per scope token,
		// not the grouped canonical string form.
		for _, part := range strings.Fields(scope.Canonical().String()) {
			q.Add("scope", part)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("cannot form token request: %v", err)
	}
	if b.username != "" {
		req.SetBasicAuth(b.username, b.password)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &responseError{statusCode: resp.StatusCode, body: data}
	}
	var wire wireToken
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("cannot decode token response: %v", err)
	}
	return &wire, nil
}

// wireToken is the JSON shape of a Distribution token service response.
type wireToken struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IssuedAt     string `json:"issued_at"`
}

// responseError reports a non-200 response from a token service HTTP
// call.
type responseError struct {
	statusCode int
	body       []byte
}

func (e *responseError) Error() string {
	return fmt.Sprintf("unexpected HTTP response %d: %s", e.statusCode, trimBody(e.body))
}

func trimBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
