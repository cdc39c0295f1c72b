package paloma

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyAction is the outcome of evaluating a tool call.
type PolicyAction string

const (
	PolicyAllow PolicyAction = "ALLOW"
	PolicyDeny  PolicyAction = "DENY"
	PolicyFlag  PolicyAction = "FLAG" // suspend and ask the human
)

// PolicyDecision is the evaluation result for one tool call.
type PolicyDecision struct {
	Action PolicyAction
	Rule   string // matched rule's tool pattern, "" for default
	Reason string
}

// PolicyFunc evaluates a tool call. The executor consults it before every
// non-meta tool execution in agent mode.
type PolicyFunc func(ctx context.Context, call ToolCall) PolicyDecision

// PolicyRule is one YAML ruleset entry. First match wins.
type PolicyRule struct {
	ToolPattern string       `yaml:"tool_pattern"` // path.Match glob over the tool name
	ArgRegex    string       `yaml:"arg_regex"`    // optional regex over serialized args
	Action      PolicyAction `yaml:"action"`
	Reason      string       `yaml:"reason"`
}

// PolicyFile is the on-disk ruleset shape.
type PolicyFile struct {
	DefaultAction PolicyAction `yaml:"default_action"`
	Rules         []PolicyRule `yaml:"rules"`
}

type compiledRule struct {
	pattern string
	argRe   *regexp.Regexp
	action  PolicyAction
	reason  string
}

// PolicyEngine evaluates agent-driven tool calls against the ruleset and
// appends every decision to the audit chain.
type PolicyEngine struct {
	rules         []compiledRule
	defaultAction PolicyAction
	audit         *AuditLog // nil = no audit
	logger        *slog.Logger
}

// LoadPolicy reads a YAML ruleset. A missing file yields an engine whose
// only behaviour is the default action FLAG, deny-by-asking.
func LoadPolicy(filePath string, audit *AuditLog, logger *slog.Logger) (*PolicyEngine, error) {
	if logger == nil {
		logger = nopLogger
	}
	e := &PolicyEngine{defaultAction: PolicyFlag, audit: audit, logger: logger}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("policy file missing, defaulting every call to FLAG", "path", filePath)
			return e, nil
		}
		return nil, fmt.Errorf("policy: %w", err)
	}

	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("policy %s: %w", filePath, err)
	}
	if pf.DefaultAction != "" {
		e.defaultAction = pf.DefaultAction
	}
	for _, r := range pf.Rules {
		cr := compiledRule{pattern: r.ToolPattern, action: r.Action, reason: r.Reason}
		if r.ArgRegex != "" {
			re, err := regexp.Compile(r.ArgRegex)
			if err != nil {
				return nil, fmt.Errorf("policy rule %q: %w", r.ToolPattern, err)
			}
			cr.argRe = re
		}
		if cr.reason == "" {
			cr.reason = fmt.Sprintf("policy rule %q", r.ToolPattern)
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Evaluate applies the ruleset to one tool call, first match wins. Every
// decision is appended to the audit chain best-effort.
func (e *PolicyEngine) Evaluate(ctx context.Context, call ToolCall) PolicyDecision {
	decision := PolicyDecision{Action: e.defaultAction, Reason: "default policy action"}
	for _, r := range e.rules {
		if ok, _ := path.Match(r.pattern, call.Name); !ok {
			continue
		}
		if r.argRe != nil && !r.argRe.MatchString(string(call.Args)) {
			continue
		}
		decision = PolicyDecision{Action: r.action, Rule: r.pattern, Reason: r.reason}
		break
	}

	if e.audit != nil {
		if err := e.audit.Append(AuditRecord{
			Time:   NowUnix(),
			Tool:   call.Name,
			Args:   truncateStr(string(call.Args), 500),
			Action: string(decision.Action),
			Rule:   decision.Rule,
		}); err != nil {
			e.logger.Warn("audit append failed", "error", err)
		}
	}
	return decision
}

// Func adapts the engine to the executor's PolicyFunc hook.
func (e *PolicyEngine) Func() PolicyFunc {
	return func(ctx context.Context, call ToolCall) PolicyDecision {
		return e.Evaluate(ctx, call)
	}
}

// --- shell-command sub-policy ---

// shellDenylist are command heads that never run, regardless of arguments.
var shellDenylist = map[string]bool{
	"rm": true, "sudo": true, "chmod": true, "chown": true,
	"dd": true, "mkfs": true, "shutdown": true, "reboot": true,
	"halt": true, "poweroff": true, "mkfs.ext4": true,
}

// shellMetachars trigger an approval request: anything that chains, expands,
// or redirects escapes the single-command sandbox.
var shellMetachars = []string{"|", "&&", "||", ";", "$(", "`", ">", "<"}

// ValidateCommand is the pure shell sub-policy: same input, same decision.
//
//   - first token in the hard denylist (incl. "kill -9") → DENY
//   - any shell metacharacter → FLAG (ask)
//   - first token in the allowlist → ALLOW
//   - otherwise → FLAG
func ValidateCommand(command string, allowlist []string) PolicyAction {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return PolicyDeny
	}
	head := fields[0]

	if shellDenylist[head] {
		return PolicyDeny
	}
	if head == "kill" && len(fields) > 1 && fields[1] == "-9" {
		return PolicyDeny
	}

	for _, meta := range shellMetachars {
		if strings.Contains(command, meta) {
			return PolicyFlag
		}
	}

	for _, allowed := range allowlist {
		if head == allowed {
			return PolicyAllow
		}
	}
	return PolicyFlag
}
