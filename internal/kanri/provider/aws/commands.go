package aws

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

const shellDocument = "AWS-RunShellScript"

// Commands runs shell commands on instances through SSM Run Command.
type Commands struct {
	ssm ssmAPI
	// PollInterval between invocation checks; 2s when zero.
	PollInterval time.Duration
}

// RunCommand sends commands and polls the invocation until it reaches a
// terminal status or ctx ends. A non-success status returns the collected
// output together with a command-failure error.
func (c *Commands) RunCommand(ctx context.Context, id string, commands []string) (provider.CommandResult, error) {
	sent, err := c.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(shellDocument),
		InstanceIds:  []string{id},
		Parameters:   map[string][]string{"commands": commands},
	})
	if err != nil {
		return provider.CommandResult{}, errs.Wrap("ssm.send", id, err)
	}
	if sent.Command == nil {
		return provider.CommandResult{}, errs.New(errs.KindUnknown, "ssm.send", id, "no command returned")
	}
	commandID := aws.ToString(sent.Command.CommandId)

	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		out, err := c.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(id),
		})
		// The invocation is not visible for a short while after SendCommand.
		if err != nil && !errs.IsNotFound(err) {
			return provider.CommandResult{}, errs.Wrap("ssm.invocation", id, err)
		}
		if err == nil && terminal(out.Status) {
			res := provider.CommandResult{
				ExitCode: int(out.ResponseCode),
				Stdout:   aws.ToString(out.StandardOutputContent),
				Stderr:   aws.ToString(out.StandardErrorContent),
			}
			if out.Status != ssmtypes.CommandInvocationStatusSuccess {
				return res, errs.New(errs.KindCommandFailed, "ssm.run", id, "command %s ended %s (exit %d)", commandID, out.Status, res.ExitCode)
			}
			return res, nil
		}
		select {
		case <-ctx.Done():
			return provider.CommandResult{}, errs.Wrap("ssm.run", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func terminal(s ssmtypes.CommandInvocationStatus) bool {
	switch s {
	case ssmtypes.CommandInvocationStatusSuccess,
		ssmtypes.CommandInvocationStatusFailed,
		ssmtypes.CommandInvocationStatusCancelled,
		ssmtypes.CommandInvocationStatusTimedOut:
		return true
	}
	return false
}
