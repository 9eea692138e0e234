package awsdeploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

type fakeCloudFormation struct {
	describeErr error
	deployed    string
	getErr      error

	createCalls int
	createErr   error
	updateCalls int
	updateErr   error

	lastCreate *cloudformation.CreateStackInput
	lastUpdate *cloudformation.UpdateStackInput
}

func (f *fakeCloudFormation) DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &cloudformation.DescribeStacksOutput{}, nil
}

func (f *fakeCloudFormation) GetTemplate(ctx context.Context, in *cloudformation.GetTemplateInput, opts ...func(*cloudformation.Options)) (*cloudformation.GetTemplateOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	body := f.deployed
	return &cloudformation.GetTemplateOutput{TemplateBody: &body}, nil
}

func (f *fakeCloudFormation) CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.createCalls++
	f.lastCreate = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &cloudformation.CreateStackOutput{}, nil
}

func (f *fakeCloudFormation) UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.updateCalls++
	f.lastUpdate = in
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &cloudformation.UpdateStackOutput{}, nil
}

func missingStackErr() error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack with id preflight-stack does not exist"}
}

func noUpdatesErr() error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: "No updates are to be performed."}
}

func newTestDeployer(api API) *Deployer {
	d := NewFromAPI(api, zap.NewNop())
	d.waitCreate = func(ctx context.Context, stackName string) error { return nil }
	d.waitUpdate = func(ctx context.Context, stackName string) error { return nil }
	return d
}

func writeTemplate(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return path
}

func TestDeployMissingTemplate(t *testing.T) {
	fake := &fakeCloudFormation{}
	d := newTestDeployer(fake)
	err := d.Deploy(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), "preflight-stack")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
	if fake.createCalls != 0 || fake.updateCalls != 0 {
		t.Fatalf("no provider calls expected, got create=%d update=%d", fake.createCalls, fake.updateCalls)
	}
}

func TestDeployCreatesAbsentStack(t *testing.T) {
	fake := &fakeCloudFormation{describeErr: missingStackErr()}
	d := newTestDeployer(fake)
	path := writeTemplate(t, "Resources: {}\n")
	if err := d.Deploy(context.Background(), path, "preflight-stack"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1", fake.createCalls)
	}
	if fake.updateCalls != 0 {
		t.Fatalf("updateCalls = %d, want 0", fake.updateCalls)
	}
	if len(fake.lastCreate.Capabilities) != 2 {
		t.Fatalf("capabilities = %v, want IAM and NAMED_IAM", fake.lastCreate.Capabilities)
	}
}

func TestDeploySkipsUnchangedTemplate(t *testing.T) {
	body := "Resources: {}\n"
	fake := &fakeCloudFormation{deployed: body}
	d := newTestDeployer(fake)
	path := writeTemplate(t, body)
	if err := d.Deploy(context.Background(), path, "preflight-stack"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.createCalls != 0 || fake.updateCalls != 0 {
		t.Fatalf("expected skip, got create=%d update=%d", fake.createCalls, fake.updateCalls)
	}
}

func TestDeployUpdatesDriftedStack(t *testing.T) {
	fake := &fakeCloudFormation{deployed: "Resources: {old: {}}\n"}
	d := newTestDeployer(fake)
	path := writeTemplate(t, "Resources: {new: {}}\n")
	if err := d.Deploy(context.Background(), path, "preflight-stack"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.updateCalls != 1 {
		t.Fatalf("updateCalls = %d, want 1", fake.updateCalls)
	}
	if len(fake.lastUpdate.Capabilities) != 2 {
		t.Fatalf("capabilities = %v, want IAM and NAMED_IAM", fake.lastUpdate.Capabilities)
	}
}

func TestDeployToleratesNoUpdates(t *testing.T) {
	fake := &fakeCloudFormation{deployed: "Resources: {old: {}}\n", updateErr: noUpdatesErr()}
	d := newTestDeployer(fake)
	path := writeTemplate(t, "Resources: {new: {}}\n")
	if err := d.Deploy(context.Background(), path, "preflight-stack"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeploySurfacesProviderFailure(t *testing.T) {
	fake := &fakeCloudFormation{describeErr: missingStackErr(), createErr: errors.New("AccessDenied")}
	d := newTestDeployer(fake)
	path := writeTemplate(t, "Resources: {}\n")
	err := d.Deploy(context.Background(), path, "preflight-stack")
	if !errors.Is(err, ErrDeployFailed) {
		t.Fatalf("err = %v, want ErrDeployFailed", err)
	}
}

func TestDeployWaitFailureIsTerminal(t *testing.T) {
	fake := &fakeCloudFormation{describeErr: missingStackErr()}
	d := newTestDeployer(fake)
	d.waitCreate = func(ctx context.Context, stackName string) error {
		return errors.New("ROLLBACK_COMPLETE")
	}
	path := writeTemplate(t, "Resources: {}\n")
	if err := d.Deploy(context.Background(), path, "preflight-stack"); !errors.Is(err, ErrDeployFailed) {
		t.Fatalf("err = %v, want ErrDeployFailed", err)
	}
}
