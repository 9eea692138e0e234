package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/preflight/internal/awscreds"
	"github.com/example/preflight/internal/awsdeploy"
	"github.com/example/preflight/internal/config"
	"github.com/example/preflight/internal/ghsecrets"
	"github.com/example/preflight/internal/logging"
	"github.com/example/preflight/internal/pipeline"
	"github.com/example/preflight/internal/version"
)

func newRootCommand() *cobra.Command {
	var (
		configPath string
		logLevel   = "info"
		intents    config.Intents
		overrides  config.Config
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Provision CI/CD infrastructure and rotate its secrets",
		Long: `preflight prepares a repository's CI/CD pipeline: it deploys the baseline
CloudFormation stack, rotates the CI principal's IAM access key, and publishes
the resulting credentials into the repository's GitHub Actions secret store.
Secret values are encrypted under the store's public key before transport.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides.HTTPTimeout = timeout
			return runPreflight(cmd, configPath, logLevel, intents, overrides)
		},
	}

	cmd.Flags().BoolVar(&intents.DeployStack, "deploy-stack", false, "Create or update the baseline CloudFormation stack")
	cmd.Flags().BoolVar(&intents.RotateKey, "rotate-key", false, "Issue a fresh IAM access key for the CI principal")
	cmd.Flags().BoolVar(&intents.PushSecrets, "push-secrets", false, "Publish credentials into the repository's Actions secrets")

	cmd.Flags().StringVar(&configPath, "config", "", "Config file (defaults to ~/.preflight.yaml)")
	cmd.Flags().StringVar(&logLevel, "log-level", logLevel, "Log level for preflight output (debug, info, warn, error)")

	cmd.Flags().StringVar(&overrides.TemplatePath, "template", "", "Path to the stack template")
	cmd.Flags().StringVar(&overrides.StackName, "stack-name", "", "Name of the baseline stack")
	cmd.Flags().StringVar(&overrides.Region, "region", "", "AWS region")
	cmd.Flags().StringVar(&overrides.Profile, "profile", "", "AWS shared-config profile")
	cmd.Flags().StringVar(&overrides.IAMUser, "iam-user", "", "IAM user the access key is issued for")
	cmd.Flags().BoolVar(&overrides.PruneKeys, "prune-keys", false, "Delete the user's oldest access keys when at the quota before issuing")

	cmd.Flags().StringVar(&overrides.Owner, "repo-owner", "", "GitHub repository owner")
	cmd.Flags().StringVar(&overrides.Repo, "repo-name", "", "GitHub repository name")
	cmd.Flags().StringVar(&overrides.Token, "gh-token", "", "GitHub token with the repo scope (or export GH_SECRET_TOKEN)")
	cmd.Flags().DurationVar(&timeout, "http-timeout", 0, "Timeout per secret-store round-trip (0 uses the transport default)")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func runPreflight(cmd *cobra.Command, configPath, logLevel string, intents config.Intents, overrides config.Config) error {
	log, err := logging.New(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	fileCfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg := config.Merge(fileCfg, overrides)
	if err := cfg.Validate(intents); err != nil {
		return err
	}

	ctx := cmd.Context()
	var (
		deployer pipeline.StackDeployer
		issuer   pipeline.CredentialIssuer
		accounts pipeline.AccountResolver
		store    pipeline.SecretStore
	)
	if intents.DeployStack {
		deployer, err = awsdeploy.New(ctx, cfg.Region, cfg.Profile, log)
		if err != nil {
			return err
		}
	}
	if intents.RotateKey {
		issuer, err = awscreds.NewIssuer(ctx, cfg.Region, cfg.Profile, cfg.PruneKeys, log)
		if err != nil {
			return err
		}
	}
	if intents.PushSecrets {
		accounts, err = awscreds.NewAccounts(ctx, cfg.Region, cfg.Profile, log)
		if err != nil {
			return err
		}
		store = ghsecrets.NewClient(cfg.Token, ghsecrets.WithTimeout(cfg.HTTPTimeout))
	}

	run := pipeline.New(cfg, deployer, issuer, accounts, store, log)
	if err := run.Run(ctx, intents); err != nil {
		return err
	}

	success := color.New(color.FgGreen)
	out := cmd.OutOrStdout()
	if intents.DeployStack {
		success.Fprintf(out, "Stack %s is up to date\n", cfg.StackName)
	}
	if intents.RotateKey {
		success.Fprintf(out, "Access key rotated for %s\n", cfg.IAMUser)
	}
	if intents.PushSecrets {
		success.Fprintf(out, "Secrets published to %s/%s\n", cfg.Owner, cfg.Repo)
	}
	log.Debug("run complete", zap.Bool("deploy", intents.DeployStack),
		zap.Bool("rotate", intents.RotateKey), zap.Bool("push", intents.PushSecrets))
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(cmd)
		},
	}
}

func printVersion(cmd *cobra.Command) error {
	info := version.Get()
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "preflight %s (commit %s, built %s, %s, %s)\n",
		info.Version, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform)
	return err
}
