// main.go bootstraps preflight: it builds the root Cobra command and
// executes it with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/example/preflight/internal/awscreds"
	"github.com/example/preflight/internal/awsdeploy"
	"github.com/example/preflight/internal/ghsecrets"
	"github.com/example/preflight/internal/pipeline"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(1)
	}
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	switch {
	case errors.Is(err, pipeline.ErrNoActionSpecified):
		message = fmt.Sprintf("%s\nHint: request at least one of --deploy-stack, --rotate-key, or --push-secrets.", err)
	case errors.Is(err, pipeline.ErrMissingCredential):
		message = fmt.Sprintf("%s\nHint: add --rotate-key to this run, or set accessKeyId/secretAccessKey in the config.", err)
	case errors.Is(err, ghsecrets.ErrAuth):
		message = fmt.Sprintf("%s\nHint: the GitHub token was rejected. Pass --gh-token or export GH_SECRET_TOKEN with a token that has the repo scope.", err)
	case errors.Is(err, awsdeploy.ErrTemplateNotFound):
		message = fmt.Sprintf("%s\nHint: point --template at the stack template file.", err)
	case errors.Is(err, awscreds.ErrIssueFailed):
		message = fmt.Sprintf("%s\nHint: the user may be at the access-key quota. Re-run with --prune-keys to delete the oldest key first.", err)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}
