// Package awscreds mints IAM access keys for the CI principal and resolves
// the account id both of which end up in the repository's secret store.
package awscreds

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrIssueFailed is returned when the identity service refuses to mint a new
// key, including quota rejections.
var ErrIssueFailed = stderrors.New("access key issuance failed")

// maxActiveKeys is the IAM service quota for access keys per user.
const maxActiveKeys = 2

// Credential is one freshly issued access key pair. The secret value exists
// only in process memory for the duration of the run.
type Credential struct {
	AccessKeyID     string
	SecretAccessKey string
}

// IAMAPI is the subset of the IAM client the issuer needs.
type IAMAPI interface {
	CreateAccessKey(ctx context.Context, in *iam.CreateAccessKeyInput, opts ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, opts ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	DeleteAccessKey(ctx context.Context, in *iam.DeleteAccessKeyInput, opts ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
}

// Issuer requests new access keys for a principal. With pruning enabled it
// first deletes the principal's oldest keys until the service quota leaves
// room for one more; otherwise quota errors surface untouched.
type Issuer struct {
	api   IAMAPI
	prune bool
	log   *zap.Logger
}

// NewIssuer builds an Issuer backed by a real IAM client.
func NewIssuer(ctx context.Context, region, profile string, prune bool, log *zap.Logger) (*Issuer, error) {
	cfg, err := loadAWSConfig(ctx, region, profile)
	if err != nil {
		return nil, err
	}
	return NewIssuerFromAPI(iam.NewFromConfig(cfg), prune, log), nil
}

// NewIssuerFromAPI builds an Issuer around an existing client.
func NewIssuerFromAPI(api IAMAPI, prune bool, log *zap.Logger) *Issuer {
	return &Issuer{api: api, prune: prune, log: log}
}

// Issue mints one new access key pair for the given user. The secret value
// is returned exactly once and cannot be retrieved again.
func (i *Issuer) Issue(ctx context.Context, username string) (Credential, error) {
	if i.prune {
		if err := i.pruneOldest(ctx, username); err != nil {
			return Credential{}, fmt.Errorf("%w: prune keys for %s: %v", ErrIssueFailed, username, err)
		}
	}
	out, err := i.api.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: aws.String(username),
	})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: create key for %s: %v", ErrIssueFailed, username, err)
	}
	key := out.AccessKey
	if key == nil || key.AccessKeyId == nil || key.SecretAccessKey == nil {
		return Credential{}, fmt.Errorf("%w: identity service returned an incomplete key", ErrIssueFailed)
	}
	i.log.Info("issued access key",
		zap.String("user", username),
		zap.String("accessKeyId", *key.AccessKeyId))
	return Credential{
		AccessKeyID:     *key.AccessKeyId,
		SecretAccessKey: *key.SecretAccessKey,
	}, nil
}

// pruneOldest deletes keys oldest-first until issuing one more stays within
// the quota.
func (i *Issuer) pruneOldest(ctx context.Context, username string) error {
	out, err := i.api.ListAccessKeys(ctx, &iam.ListAccessKeysInput{
		UserName: aws.String(username),
	})
	if err != nil {
		return err
	}
	keys := out.AccessKeyMetadata
	if len(keys) < maxActiveKeys {
		return nil
	}
	sort.Slice(keys, func(a, b int) bool {
		switch {
		case keys[a].CreateDate == nil:
			return true
		case keys[b].CreateDate == nil:
			return false
		default:
			return keys[a].CreateDate.Before(*keys[b].CreateDate)
		}
	})
	excess := len(keys) - maxActiveKeys + 1
	for _, key := range keys[:excess] {
		if key.AccessKeyId == nil {
			continue
		}
		i.log.Warn("deleting old access key",
			zap.String("user", username),
			zap.String("accessKeyId", *key.AccessKeyId))
		if _, err := i.api.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
			UserName:    aws.String(username),
			AccessKeyId: key.AccessKeyId,
		}); err != nil {
			return err
		}
	}
	return nil
}

func loadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "load aws config")
	}
	return cfg, nil
}
