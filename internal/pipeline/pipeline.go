// Package pipeline sequences a preflight run: stack deployment, access-key
// issuance, and secret publishing, in that order, aborting on the first
// failure. Stages are strictly sequential; there is no retry and no rollback
// of remote state already committed.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/preflight/internal/awscreds"
	"github.com/example/preflight/internal/config"
	"github.com/example/preflight/internal/ghsecrets"
)

var (
	// ErrNoActionSpecified is returned when a run requests none of the
	// three intents.
	ErrNoActionSpecified = errors.New("no action specified")
	// ErrMissingCredential is returned when publishing is requested but no
	// credential pair is available, before any publish-path network call.
	ErrMissingCredential = errors.New("no credential available to publish")
)

// SecretNames is the fixed set of secrets a run publishes, in push order.
var SecretNames = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_ACCOUNT_ID",
	"AWS_REGION",
}

// StackDeployer reconciles the baseline stack with a local template.
type StackDeployer interface {
	Deploy(ctx context.Context, templatePath, stackName string) error
}

// CredentialIssuer mints one fresh access key pair per call.
type CredentialIssuer interface {
	Issue(ctx context.Context, username string) (awscreds.Credential, error)
}

// AccountResolver reports the account id the credentials belong to.
type AccountResolver interface {
	AccountID(ctx context.Context) (string, error)
}

// SecretStore fetches the store's encryption key and upserts sealed values.
type SecretStore interface {
	PublicKey(ctx context.Context, owner, repo string) (ghsecrets.RepoPublicKey, error)
	PutSecret(ctx context.Context, owner, repo, name, encryptedValue, keyID string) error
}

// Pipeline wires the stages for one run.
type Pipeline struct {
	cfg      config.Config
	deployer StackDeployer
	issuer   CredentialIssuer
	accounts AccountResolver
	store    SecretStore
	log      *zap.Logger
}

// New assembles a Pipeline. Collaborators a run does not request may be nil.
func New(cfg config.Config, deployer StackDeployer, issuer CredentialIssuer, accounts AccountResolver, store SecretStore, log *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		deployer: deployer,
		issuer:   issuer,
		accounts: accounts,
		store:    store,
		log:      log,
	}
}

// Run executes the requested intents in deploy, issue, publish order. The
// first stage error aborts the run.
func (p *Pipeline) Run(ctx context.Context, intents config.Intents) error {
	if !intents.Any() {
		return ErrNoActionSpecified
	}

	var cred awscreds.Credential
	if p.cfg.AccessKeyID != "" && p.cfg.SecretAccessKey != "" {
		cred = awscreds.Credential{
			AccessKeyID:     p.cfg.AccessKeyID,
			SecretAccessKey: p.cfg.SecretAccessKey,
		}
	}

	if intents.DeployStack {
		p.log.Info("deploying stack",
			zap.String("stack", p.cfg.StackName),
			zap.String("template", p.cfg.TemplatePath))
		if err := p.deployer.Deploy(ctx, p.cfg.TemplatePath, p.cfg.StackName); err != nil {
			return err
		}
	}

	if intents.RotateKey {
		p.log.Info("rotating access key", zap.String("user", p.cfg.IAMUser))
		issued, err := p.issuer.Issue(ctx, p.cfg.IAMUser)
		if err != nil {
			return err
		}
		cred = issued
	}

	if intents.PushSecrets {
		if cred.AccessKeyID == "" || cred.SecretAccessKey == "" {
			return fmt.Errorf("%w: rotate a key in this run or configure one out-of-band", ErrMissingCredential)
		}
		if err := p.publish(ctx, cred); err != nil {
			return err
		}
	}
	return nil
}

// publish seals and upserts the four secrets. The store's key is fetched
// fresh for each value; a ciphertext is always paired with the key id from
// its own fetch.
func (p *Pipeline) publish(ctx context.Context, cred awscreds.Credential) error {
	accountID, err := p.accounts.AccountID(ctx)
	if err != nil {
		return err
	}
	values := map[string]string{
		"AWS_ACCESS_KEY_ID":     cred.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": cred.SecretAccessKey,
		"AWS_ACCOUNT_ID":        accountID,
		"AWS_REGION":            p.cfg.Region,
	}
	for _, name := range SecretNames {
		if err := p.pushOne(ctx, name, values[name]); err != nil {
			return err
		}
		p.log.Info("secret published", zap.String("secret", name))
	}
	return nil
}

func (p *Pipeline) pushOne(ctx context.Context, name, value string) error {
	repoKey, err := p.store.PublicKey(ctx, p.cfg.Owner, p.cfg.Repo)
	if err != nil {
		return err
	}
	key, err := ghsecrets.ParseRecipientKey(repoKey.Key)
	if err != nil {
		return err
	}
	defer key.Zero()
	sealed, err := key.Seal([]byte(value))
	if err != nil {
		return err
	}
	return p.store.PutSecret(ctx, p.cfg.Owner, p.cfg.Repo, name, sealed, repoKey.KeyID)
}
