package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"bountyboard-backend/core/bounty"
)

// Executor does the actual work for a bounty. ok=false means the executor
// declined; that is not an error.
type Executor interface {
	Execute(ctx context.Context, m bounty.Metadata) (result string, ok bool, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, m bounty.Metadata) (string, bool, error)

func (f ExecutorFunc) Execute(ctx context.Context, m bounty.Metadata) (string, bool, error) {
	return f(ctx, m)
}

// Prompt renders the task text handed to a worker process.
func Prompt(m bounty.Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nDescription:\n%s\n", m.Title, m.Description)
	if len(m.Attachments) > 0 {
		b.WriteString("\nAttachments:\n")
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}

// CommandExecutor runs a shell command per bounty. The metadata is written
// to stdin as JSON and the trimmed stdout is the result; empty output
// declines the bounty.
type CommandExecutor struct {
	Command string
	Timeout time.Duration
}

func (c CommandExecutor) Execute(ctx context.Context, m bounty.Metadata) (string, bool, error) {
	if c.Command == "" {
		return "", false, nil
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(m)
	if err != nil {
		return "", false, err
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"BOUNTY_ID="+string(m.ID),
		"BOUNTY_TITLE="+m.Title,
		"BOUNTY_PROMPT="+Prompt(m),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", false, fmt.Errorf("executor command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", false, nil
	}
	return out, true, nil
}
