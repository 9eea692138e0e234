// Package awsdeploy applies the baseline CloudFormation stack for a
// preflight run: create when absent, update in place when drifted, skip when
// the deployed template already matches the local one.
package awsdeploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrTemplateNotFound is returned when the local template cannot be read.
	ErrTemplateNotFound = stderrors.New("stack template not found")
	// ErrDeployFailed is returned for any provider-side deployment failure.
	ErrDeployFailed = stderrors.New("stack deployment failed")
)

// API is the subset of the CloudFormation client the deployer needs. The
// real client satisfies it; tests supply fakes.
type API interface {
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	GetTemplate(ctx context.Context, in *cloudformation.GetTemplateInput, opts ...func(*cloudformation.Options)) (*cloudformation.GetTemplateOutput, error)
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
}

// Deployer drives one idempotent create-or-update of a named stack.
type Deployer struct {
	api        API
	log        *zap.Logger
	maxWait    time.Duration
	waitCreate func(ctx context.Context, stackName string) error
	waitUpdate func(ctx context.Context, stackName string) error
}

// capabilities permits the stack to manage IAM resources, which the baseline
// template requires.
var capabilities = []types.Capability{
	types.CapabilityCapabilityIam,
	types.CapabilityCapabilityNamedIam,
}

const defaultMaxWait = 30 * time.Minute

// New builds a Deployer backed by a real CloudFormation client for the given
// region and shared-config profile.
func New(ctx context.Context, region, profile string, log *zap.Logger) (*Deployer, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return NewFromAPI(cloudformation.NewFromConfig(cfg), log), nil
}

// NewFromAPI builds a Deployer around an existing client. Completion waiters
// are derived from the same client.
func NewFromAPI(api API, log *zap.Logger) *Deployer {
	d := &Deployer{api: api, log: log, maxWait: defaultMaxWait}
	createWaiter := cloudformation.NewStackCreateCompleteWaiter(api)
	updateWaiter := cloudformation.NewStackUpdateCompleteWaiter(api)
	d.waitCreate = func(ctx context.Context, stackName string) error {
		return createWaiter.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(stackName)}, d.maxWait)
	}
	d.waitUpdate = func(ctx context.Context, stackName string) error {
		return updateWaiter.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(stackName)}, d.maxWait)
	}
	return d
}

// Deploy reconciles the named stack with the local template. It blocks until
// the provider reports the stack settled, and never retries: a deployment
// failure is terminal for the run.
func (d *Deployer) Deploy(ctx context.Context, templatePath, stackName string) error {
	body, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTemplateNotFound, templatePath, err)
	}
	template := string(body)

	exists, err := d.stackExists(ctx, stackName)
	if err != nil {
		return fmt.Errorf("%w: describe stack %s: %v", ErrDeployFailed, stackName, err)
	}
	if !exists {
		return d.create(ctx, stackName, template)
	}

	deployed, err := d.deployedTemplate(ctx, stackName)
	if err == nil && templateDigest(deployed) == templateDigest(template) {
		d.log.Info("stack template unchanged, skipping update",
			zap.String("stack", stackName),
			zap.String("digest", templateDigest(template)))
		return nil
	}
	return d.update(ctx, stackName, template)
}

func (d *Deployer) create(ctx context.Context, stackName, template string) error {
	d.log.Info("creating stack", zap.String("stack", stackName))
	_, err := d.api.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(template),
		Capabilities: capabilities,
	})
	if err != nil {
		return fmt.Errorf("%w: create stack %s: %v", ErrDeployFailed, stackName, err)
	}
	if err := d.waitCreate(ctx, stackName); err != nil {
		return fmt.Errorf("%w: stack %s did not reach CREATE_COMPLETE: %v", ErrDeployFailed, stackName, err)
	}
	d.log.Info("stack created", zap.String("stack", stackName))
	return nil
}

func (d *Deployer) update(ctx context.Context, stackName, template string) error {
	d.log.Info("updating stack", zap.String("stack", stackName))
	_, err := d.api.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(template),
		Capabilities: capabilities,
	})
	if err != nil {
		if isNoUpdateError(err) {
			d.log.Info("no changes to apply", zap.String("stack", stackName))
			return nil
		}
		return fmt.Errorf("%w: update stack %s: %v", ErrDeployFailed, stackName, err)
	}
	if err := d.waitUpdate(ctx, stackName); err != nil {
		return fmt.Errorf("%w: stack %s did not reach UPDATE_COMPLETE: %v", ErrDeployFailed, stackName, err)
	}
	d.log.Info("stack updated", zap.String("stack", stackName))
	return nil
}

func (d *Deployer) stackExists(ctx context.Context, stackName string) (bool, error) {
	_, err := d.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if isStackMissingError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Deployer) deployedTemplate(ctx context.Context, stackName string) (string, error) {
	out, err := d.api.GetTemplate(ctx, &cloudformation.GetTemplateInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return "", err
	}
	if out.TemplateBody == nil {
		return "", fmt.Errorf("stack %s returned no template body", stackName)
	}
	return *out.TemplateBody, nil
}

func templateDigest(body string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(body)))
	return hex.EncodeToString(sum[:])
}

// CloudFormation reports a missing stack as a ValidationError rather than a
// modeled type.
func isStackMissingError(err error) bool {
	var apiErr smithy.APIError
	if !stderrors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

func isNoUpdateError(err error) bool {
	var apiErr smithy.APIError
	if !stderrors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}
