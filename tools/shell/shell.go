// Package shell provides sandboxed shell command execution gated by the
// shell sub-policy.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/palomabot/paloma"
)

// maxOutputLen caps tool output. The tail is kept: with long-running commands
// the end of the output carries the verdict.
const maxOutputLen = 4000

// DefaultAllowlist are commands that run without asking.
var DefaultAllowlist = []string{
	"ls", "cat", "head", "tail", "grep", "find", "wc", "date",
	"echo", "pwd", "du", "df", "uptime", "curl", "git",
}

// Tool executes commands in a sandboxed workspace. Commands run directly via
// argv, never through a shell: pipes, redirection, and substitution are inert
// text. Every command goes through ValidateCommand first; DENY is final, FLAG
// asks the human through the approver and is refused when none is wired.
type Tool struct {
	workspacePath  string
	allowlist      []string
	defaultTimeout int // seconds
	approver       paloma.Approver
}

var _ paloma.Tool = (*Tool)(nil)

// New creates a shell Tool. Commands run in workspacePath with the given
// default timeout. allowlist nil means DefaultAllowlist.
func New(workspacePath string, defaultTimeout int, allowlist []string) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	if allowlist == nil {
		allowlist = DefaultAllowlist
	}
	return &Tool{workspacePath: workspacePath, allowlist: allowlist, defaultTimeout: defaultTimeout}
}

// SetApprover routes flagged commands through human approval. Without an
// approver every flagged command is refused.
func (t *Tool) SetApprover(a paloma.Approver) { t.approver = a }

func (t *Tool) Definitions() []paloma.ToolDefinition {
	return []paloma.ToolDefinition{{
		Name:        "shell_exec",
		Description: "Execute a command in the workspace directory. Returns stdout + stderr. The command runs directly, not through a shell: pipes, redirection and variable expansion are not interpreted.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Command and arguments to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
		Category:    "shell",
	}}
}

// Validate exposes the sub-policy decision for a command.
func (t *Tool) Validate(command string) paloma.PolicyAction {
	return paloma.ValidateCommand(command, t.allowlist)
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (paloma.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return paloma.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Command) == "" {
		return paloma.ToolResult{Error: "command is required"}, nil
	}

	switch t.Validate(params.Command) {
	case paloma.PolicyDeny:
		return paloma.ToolResult{Error: "Command blocked: " + params.Command}, nil
	case paloma.PolicyFlag:
		if t.approver == nil {
			return paloma.ToolResult{Error: "Command blocked: requires human approval and no approver is available"}, nil
		}
		approved, err := t.approver.RequestApproval(ctx,
			paloma.ToolCall{Name: "shell_exec", Args: args}, "flagged shell command")
		if err != nil || !approved {
			return paloma.ToolResult{Error: "Command blocked: human approval denied"}, nil
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > 300 {
		timeout = 300
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	argv := strings.Fields(params.Command)
	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Dir = t.workspacePath
	// Stdin stays nil: the child reads from the null device, never from us.

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxOutputLen {
		output = "... (truncated)\n" + output[len(output)-maxOutputLen:]
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return paloma.ToolResult{Content: output, Error: fmt.Sprintf("command timed out after %ds", timeout)}, nil
		}
		if output == "" {
			output = err.Error()
		}
		return paloma.ToolResult{Content: output, Error: "exit: " + err.Error()}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return paloma.ToolResult{Content: output}, nil
}
