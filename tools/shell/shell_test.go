package shell

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/palomabot/paloma"
)

// scriptedApprover resolves every approval with a fixed verdict.
type scriptedApprover struct {
	approve  bool
	requests []paloma.ToolCall
}

func (a *scriptedApprover) RequestApproval(ctx context.Context, call paloma.ToolCall, reason string) (bool, error) {
	a.requests = append(a.requests, call)
	return a.approve, nil
}

func run(t *testing.T, tool *Tool, command string) paloma.ToolResult {
	t.Helper()
	args, _ := json.Marshal(map[string]string{"command": command})
	res, err := tool.Execute(context.Background(), "shell_exec", args)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestExecuteAllowedCommand(t *testing.T) {
	tool := New(t.TempDir(), 30, nil)
	res := run(t, tool, "echo hello")
	if res.Error != "" || !strings.Contains(res.Content, "hello") {
		t.Errorf("res = %+v", res)
	}
}

func TestExecuteRunsInWorkspace(t *testing.T) {
	ws := t.TempDir()
	tool := New(ws, 30, nil)
	res := run(t, tool, "pwd")
	if !strings.Contains(res.Content, ws) {
		t.Errorf("pwd = %q, want the workspace %q", res.Content, ws)
	}
}

func TestExecuteDeniedCommand(t *testing.T) {
	tool := New(t.TempDir(), 30, nil)
	res := run(t, tool, "rm -rf /")
	if !strings.HasPrefix(res.Error, "Command blocked: ") {
		t.Errorf("res = %+v, destructive commands must be blocked", res)
	}
}

func TestExecuteFlaggedWithoutApproverRefused(t *testing.T) {
	ws := t.TempDir()
	tool := New(ws, 30, nil)
	res := run(t, tool, "echo secret > leak.txt")
	if !strings.HasPrefix(res.Error, "Command blocked: ") {
		t.Errorf("res = %+v, flagged command must be refused without an approver", res)
	}
	if _, err := os.Stat(filepath.Join(ws, "leak.txt")); err == nil {
		t.Error("refused command still ran")
	}
}

func TestExecuteFlaggedDeniedByHuman(t *testing.T) {
	tool := New(t.TempDir(), 30, nil)
	tool.SetApprover(&scriptedApprover{approve: false})
	res := run(t, tool, "python3 script.py")
	if !strings.HasPrefix(res.Error, "Command blocked: ") {
		t.Errorf("res = %+v, denied approval must block", res)
	}
}

func TestExecutePipeNotInterpreted(t *testing.T) {
	// Metacharacters flag the command; even approved, there is no shell to
	// give them meaning, so the pipe is just an argument.
	approver := &scriptedApprover{approve: true}
	tool := New(t.TempDir(), 30, nil)
	tool.SetApprover(approver)

	res := run(t, tool, "echo hi | tr a-z A-Z")
	if len(approver.requests) != 1 {
		t.Fatalf("approvals = %d, want 1", len(approver.requests))
	}
	if res.Error != "" {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Content, "hi | tr a-z A-Z") {
		t.Errorf("output = %q, want the pipe echoed literally", res.Content)
	}
	if strings.Contains(res.Content, "HI") {
		t.Errorf("output = %q, pipeline must not have run", res.Content)
	}
}

func TestExecuteTruncationKeepsTail(t *testing.T) {
	tool := New(t.TempDir(), 30, []string{"seq"})
	res := run(t, tool, "seq 1 2000")
	if res.Error != "" {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Content) > maxOutputLen+len("... (truncated)\n") {
		t.Errorf("output length = %d, want capped", len(res.Content))
	}
	if !strings.HasPrefix(res.Content, "... (truncated)") {
		t.Errorf("output = %q..., want the truncation marker up front", res.Content[:40])
	}
	if !strings.Contains(res.Content, "2000") {
		t.Error("tail of the output lost to truncation")
	}
	if strings.Contains(res.Content, "\n100\n") {
		t.Error("head of the output survived, want the tail kept instead")
	}
}

func TestExecuteMissingCommand(t *testing.T) {
	tool := New(t.TempDir(), 30, nil)
	res, err := tool.Execute(context.Background(), "shell_exec", json.RawMessage(`{}`))
	if err != nil || res.Error != "command is required" {
		t.Errorf("res = %+v, %v", res, err)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	tool := New(t.TempDir(), 30, nil)
	res := run(t, tool, "ls /definitely/not/a/real/path")
	if res.Error == "" || !strings.HasPrefix(res.Error, "exit: ") {
		t.Errorf("res = %+v, want the exit error surfaced", res)
	}
}

func TestValidateDecisions(t *testing.T) {
	tool := New(t.TempDir(), 30, nil)

	cases := []struct {
		command string
		want    paloma.PolicyAction
	}{
		{"ls -la", paloma.PolicyAllow},
		{"rm file.txt", paloma.PolicyDeny},
		{"echo hi > out.txt", paloma.PolicyFlag},
		{"python3 script.py", paloma.PolicyFlag},
	}
	for _, tc := range cases {
		if got := tool.Validate(tc.command); got != tc.want {
			t.Errorf("Validate(%q) = %v, want %v", tc.command, got, tc.want)
		}
	}
}
