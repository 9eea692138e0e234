package awscreds

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"
)

// STSAPI is the subset of the STS client used to resolve the account id.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Accounts resolves the AWS account id of the active credentials.
type Accounts struct {
	api STSAPI
	log *zap.Logger
}

// NewAccounts builds an Accounts resolver backed by a real STS client.
func NewAccounts(ctx context.Context, region, profile string, log *zap.Logger) (*Accounts, error) {
	cfg, err := loadAWSConfig(ctx, region, profile)
	if err != nil {
		return nil, err
	}
	return NewAccountsFromAPI(sts.NewFromConfig(cfg), log), nil
}

// NewAccountsFromAPI builds an Accounts resolver around an existing client.
func NewAccountsFromAPI(api STSAPI, log *zap.Logger) *Accounts {
	return &Accounts{api: api, log: log}
}

// AccountID returns the account id owning the caller identity.
func (a *Accounts) AccountID(ctx context.Context) (string, error) {
	out, err := a.api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolve caller identity: %w", err)
	}
	if out.Account == nil || *out.Account == "" {
		return "", fmt.Errorf("caller identity has no account id")
	}
	a.log.Debug("resolved account id", zap.String("account", *out.Account))
	return *out.Account, nil
}
