package upstreamauth

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"golang.org/x/sync/singleflight"

	"github.com/apolo-dev/registry-proxy/internal/challenge"
)

// ecrCacheKey is the sole cache key used by AWSECRBroker: ECR's
// GetAuthorizationToken is account/region-wide and ignores repository
// scope entirely, so every scope maps to the same credential.
const ecrCacheKey = "ecr"

// ecrAPI is the slice of *ecr.Client's surface AWSECRBroker needs,
// narrowed to an interface so tests can substitute a fake rather than
// standing up a signed AWS endpoint.
type ecrAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// AWSECRBroker implements Broker against Amazon ECR's
// GetAuthorizationToken API. The returned token is a base64 "user:pass"
// pair good for 12 hours; the proxy presents it to upstream as HTTP
// Basic auth, same as a statically configured basic credential.
type AWSECRBroker struct {
	client ecrAPI
	cache  *credentialCache

	inflight singleflight.Group
}

// AWSECRBrokerParams configures an AWSECRBroker.
type AWSECRBrokerParams struct {
	// Region is the AWS region the ECR registry lives in.
	Region string
	// StaticAccessKeyID and StaticSecretAccessKey, if both are
	// non-empty, are used in place of the default credential chain
	// (environment, shared config, IMDS, IRSA).
	StaticAccessKeyID     string
	StaticSecretAccessKey string
}

func NewAWSECRBroker(ctx context.Context, p AWSECRBrokerParams) (*AWSECRBroker, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(p.Region),
	}
	if p.StaticAccessKeyID != "" && p.StaticSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.StaticAccessKeyID, p.StaticSecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &AWSECRBroker{
		client: ecr.NewFromConfig(cfg),
		cache:  newCredentialCache(),
	}, nil
}

var _ Broker = (*AWSECRBroker)(nil)

func (b *AWSECRBroker) Acquire(ctx context.Context, scope challenge.Scope) (Credential, error) {
	if cred, ok := b.cache.get(ecrCacheKey); ok {
		return cred, nil
	}
	return b.fetchAndCache(ctx)
}

func (b *AWSECRBroker) Reacquire(ctx context.Context, scope challenge.Scope) (Credential, error) {
	b.cache.delete(ecrCacheKey)
	return b.fetchAndCache(ctx)
}

// fetchAndCache coalesces concurrent callers with singleflight, the
// same way OAuthBroker.acquireAndCache does, since GetAuthorizationToken
// is account/region-wide and a cold cache under concurrent load would
// otherwise fire one call per caller.
func (b *AWSECRBroker) fetchAndCache(ctx context.Context) (Credential, error) {
	v, err, _ := b.inflight.Do(ecrCacheKey, func() (any, error) {
		out, err := b.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
		if err != nil {
			return Credential{}, fmt.Errorf("ECR GetAuthorizationToken: %w", err)
		}
		if len(out.AuthorizationData) == 0 {
			return Credential{}, fmt.Errorf("ECR GetAuthorizationToken returned no authorization data")
		}
		data := out.AuthorizationData[0]
		if data.AuthorizationToken == nil {
			return Credential{}, fmt.Errorf("ECR authorization data carried no token")
		}
		user, pass, err := decodeBasicUserPass(*data.AuthorizationToken)
		if err != nil {
			return Credential{}, err
		}
		expiresAt := time.Now().Add(12 * time.Hour)
		if data.ExpiresAt != nil {
			expiresAt = *data.ExpiresAt
		}
		cred := NewExpiringBasicCredential(user, pass, expiresAt)
		b.cache.set(ecrCacheKey, cred)
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}
