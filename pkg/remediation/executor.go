package remediation

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// CommandResult is the normalized outcome of a single remote action.
type CommandResult struct {
	Status   string
	Stdout   string
	Stderr   string
	ExitCode int32
}

// Executor dispatches a shell action to an asset and reports its outcome.
// It is an interface so tests can substitute a fake without touching AWS.
type Executor interface {
	// Send submits actions to target for execution and returns an opaque
	// command id the caller later polls with Poll.
	Send(ctx context.Context, accountID, region, target string, actions []string) (commandID string, err error)
	// Poll fetches the current status of a previously-submitted command.
	// Status is one of "Pending", "InProgress", "Success", "Failed",
	// "TimedOut", "Cancelled" (the SSM vocabulary, passed through).
	Poll(ctx context.Context, commandID, target string) (CommandResult, error)
}

// SSMExecutor dispatches runbook actions via AWS Systems Manager
// Run Command (spec §4.H: "the executor wraps the cloud systems manager
// document runner").
type SSMExecutor struct {
	client *ssm.Client
}

// NewSSMExecutor builds an SSMExecutor over an already-configured client.
func NewSSMExecutor(client *ssm.Client) *SSMExecutor {
	return &SSMExecutor{client: client}
}

// ssmDocument is the AWS-managed document used to run an arbitrary shell
// script on a managed instance.
const ssmDocument = "AWS-RunShellScript"

func (e *SSMExecutor) Send(ctx context.Context, accountID, region, target string, actions []string) (string, error) {
	out, err := e.client.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(ssmDocument),
		InstanceIds:  []string{target},
		Parameters:   map[string][]string{"commands": actions},
	})
	if err != nil {
		return "", fmt.Errorf("submitting ssm command: %w", err)
	}
	return aws.ToString(out.Command.CommandId), nil
}

func (e *SSMExecutor) Poll(ctx context.Context, commandID, target string) (CommandResult, error) {
	out, err := e.client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(target),
	})
	if err != nil {
		return CommandResult{}, fmt.Errorf("polling ssm command: %w", err)
	}
	return CommandResult{
		Status:   string(out.Status),
		Stdout:   aws.ToString(out.StandardOutputContent),
		Stderr:   aws.ToString(out.StandardErrorContent),
		ExitCode: out.ResponseCode,
	}, nil
}

// terminalStatuses are the SSM invocation statuses that stop polling.
var terminalStatuses = map[string]bool{
	string(ssmtypes.CommandInvocationStatusSuccess):   true,
	string(ssmtypes.CommandInvocationStatusFailed):    true,
	string(ssmtypes.CommandInvocationStatusTimedOut):  true,
	string(ssmtypes.CommandInvocationStatusCancelled): true,
}

// IsTerminal reports whether status ends polling.
func IsTerminal(status string) bool { return terminalStatuses[status] }

// pollBackoff is the capped exponential poll interval sequence (spec §4.H
// step 5: "poll at 2s, 4s, 8s, capped at 60s").
func pollBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt+1)) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
