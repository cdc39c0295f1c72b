package paloma

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	// guardMinLangLen is the reply length (runes) below which the language
	// check is skipped: short replies ("ok", "👍", "sí") carry too little
	// signal to classify.
	guardMinLangLen = 30

	// guardMaxReplyLen is the excessive-length ceiling in runes.
	guardMaxReplyLen = 8000

	// defaultJudgeTimeout bounds each optional LLM judge call.
	defaultJudgeTimeout = 3 * time.Second
)

// GuardrailResult is the outcome of one check over a candidate reply.
type GuardrailResult struct {
	Check  string
	Passed bool
	Detail string
}

// JudgeCheck is an optional LLM-judged guardrail. The prompt receives the
// candidate reply and must answer PASS or FAIL on the first line.
type JudgeCheck struct {
	Name   string
	Prompt string
}

// Guardrails reviews candidate replies before egress. All checks fail open:
// a check that errors counts as passed, and a reply that still fails after
// the single remediation attempt is delivered anyway. The review only ever
// improves or annotates the reply, never blocks it.
type Guardrails struct {
	provider     Provider // nil disables remediation and judges
	model        string
	judges       []JudgeCheck
	enabled      bool
	langCheck    bool
	piiCheck     bool
	judgeTimeout time.Duration
	logger       *slog.Logger
}

// GuardrailsOption configures Guardrails.
type GuardrailsOption func(*Guardrails)

// WithJudges adds LLM-judged checks on top of the deterministic set.
func WithJudges(judges ...JudgeCheck) GuardrailsOption {
	return func(g *Guardrails) { g.judges = append(g.judges, judges...) }
}

// WithGuardrailsEnabled toggles the whole review. Disabled, Review passes
// every reply through untouched.
func WithGuardrailsEnabled(on bool) GuardrailsOption {
	return func(g *Guardrails) { g.enabled = on }
}

// WithLanguageCheck toggles the language_match check.
func WithLanguageCheck(on bool) GuardrailsOption {
	return func(g *Guardrails) { g.langCheck = on }
}

// WithPIICheck toggles PII redaction.
func WithPIICheck(on bool) GuardrailsOption {
	return func(g *Guardrails) { g.piiCheck = on }
}

// WithJudgeTimeout bounds each LLM judge call.
func WithJudgeTimeout(d time.Duration) GuardrailsOption {
	return func(g *Guardrails) {
		if d > 0 {
			g.judgeTimeout = d
		}
	}
}

// WithGuardrailsLogger sets the logger.
func WithGuardrailsLogger(logger *slog.Logger) GuardrailsOption {
	return func(g *Guardrails) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuardrails creates a Guardrails reviewer. provider may be nil, in which
// case only the deterministic checks run and failures go unremediated.
func NewGuardrails(provider Provider, model string, opts ...GuardrailsOption) *Guardrails {
	g := &Guardrails{
		provider:     provider,
		model:        model,
		enabled:      true,
		langCheck:    true,
		piiCheck:     true,
		judgeTimeout: defaultJudgeTimeout,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Review runs every check against reply, attempts one remediation pass when
// anything fails, and returns the reply to deliver plus the final check
// results. Every applied check appends a system score to the active trace:
// 1.0 on pass, 0.0 on failure. rec may be nil.
func (g *Guardrails) Review(ctx context.Context, rec *Recorder, userText, reply string) (string, []GuardrailResult) {
	if !g.enabled {
		return reply, nil
	}
	ctx, span := startOptionalSpan(ctx, rec, "guardrails", SpanKindGuardrail)
	if span != nil {
		defer span.End(ctx)
		span.SetInput(reply)
	}

	reply = g.redactPII(userText, reply)
	results := g.runChecks(ctx, userText, reply)
	for _, r := range results {
		value := 1.0
		if !r.Passed {
			value = 0.0
		}
		g.score(ctx, rec, "guardrail:"+r.Check, value, r.Detail)
	}

	failures := failedChecks(results)
	if len(failures) == 0 {
		if span != nil {
			span.SetOutput(reply)
		}
		return reply, results
	}
	g.logger.Warn("guardrail failures", "checks", checkNames(failures))

	remediated := g.remediate(ctx, rec, userText, reply, failures)
	if remediated == "" {
		if span != nil {
			span.SetStatus("failed_open")
			span.SetOutput(reply)
		}
		return reply, results
	}
	remediated = g.redactPII(userText, remediated)

	// Re-check the remediated reply; a second failure ships anyway.
	results = g.runChecks(ctx, userText, remediated)
	if still := failedChecks(results); len(still) > 0 {
		g.logger.Warn("remediation did not clear all checks", "checks", checkNames(still))
		if span != nil {
			span.SetStatus("failed_open")
		}
	}
	if span != nil {
		span.SetOutput(remediated)
	}
	return remediated, results
}

// runChecks executes the deterministic checks and then the LLM judges.
func (g *Guardrails) runChecks(ctx context.Context, userText, reply string) []GuardrailResult {
	results := []GuardrailResult{g.checkNotEmpty(reply)}
	if g.langCheck {
		results = append(results, g.checkLanguageMatch(userText, reply))
	}
	results = append(results,
		g.checkNoRawToolJSON(reply),
		g.checkLength(reply),
	)
	for _, j := range g.judges {
		results = append(results, g.runJudge(ctx, j, reply))
	}
	return results
}

func (g *Guardrails) checkNotEmpty(reply string) GuardrailResult {
	if strings.TrimSpace(reply) == "" {
		return GuardrailResult{Check: "not_empty", Detail: "empty reply"}
	}
	return GuardrailResult{Check: "not_empty", Passed: true}
}

// checkLanguageMatch compares the user's and reply's detected languages.
// Either text under guardMinLangLen runes skips the check, as do ambiguous
// detections: Spanish and Portuguese share enough stopwords that a
// low-confidence split must not trigger remediation.
func (g *Guardrails) checkLanguageMatch(userText, reply string) GuardrailResult {
	res := GuardrailResult{Check: "language_match", Passed: true}
	if len([]rune(reply)) < guardMinLangLen || len([]rune(userText)) < guardMinLangLen {
		return res
	}
	userLang, userOK := detectLanguage(userText)
	replyLang, replyOK := detectLanguage(reply)
	if !userOK || !replyOK {
		return res
	}
	if userLang != replyLang {
		res.Passed = false
		res.Detail = "user wrote " + userLang + ", reply is " + replyLang
	}
	return res
}

var toolJSONPattern = regexp.MustCompile(`"(tool_calls|function_call|arguments)"\s*:`)

func (g *Guardrails) checkNoRawToolJSON(reply string) GuardrailResult {
	trimmed := strings.TrimSpace(reply)
	leaked := toolJSONPattern.MatchString(reply) ||
		(strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, `"content"`))
	if leaked {
		return GuardrailResult{Check: "no_raw_tool_json", Detail: "reply contains raw tool payload"}
	}
	return GuardrailResult{Check: "no_raw_tool_json", Passed: true}
}

func (g *Guardrails) checkLength(reply string) GuardrailResult {
	if len([]rune(reply)) > guardMaxReplyLen {
		return GuardrailResult{Check: "excessive_length", Detail: "reply exceeds maximum length"}
	}
	return GuardrailResult{Check: "excessive_length", Passed: true}
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+\d{1,3}[\s\-]?\d{2,4}([\s\-]?\d{2,4}){2,3}`)
	dniPattern   = regexp.MustCompile(`\b\d{8}[A-HJ-NP-TV-Z]\b`)
)

// redactPII masks emails, international phone numbers, and Spanish DNI
// numbers in place rather than failing the reply. Values the user typed
// themselves are left alone: echoing the user's own data back is not a leak.
func (g *Guardrails) redactPII(userText, reply string) string {
	if !g.piiCheck {
		return reply
	}
	reply = redactExcept(reply, emailPattern, "[email redacted]", userText)
	reply = redactExcept(reply, phonePattern, "[phone redacted]", userText)
	reply = redactExcept(reply, dniPattern, "[dni redacted]", userText)
	return reply
}

// redactExcept masks pattern matches not present in the user's own text.
func redactExcept(reply string, p *regexp.Regexp, mask, userText string) string {
	return p.ReplaceAllStringFunc(reply, func(m string) string {
		if userText != "" && strings.Contains(userText, m) {
			return m
		}
		return mask
	})
}

// runJudge asks the provider to grade the reply. Errors and timeouts pass.
func (g *Guardrails) runJudge(ctx context.Context, j JudgeCheck, reply string) GuardrailResult {
	res := GuardrailResult{Check: j.Name, Passed: true}
	if g.provider == nil {
		return res
	}
	jctx, cancel := context.WithTimeout(ctx, g.judgeTimeout)
	defer cancel()

	resp, err := g.provider.Chat(jctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(j.Prompt + "\nAnswer PASS or FAIL on the first line, then a one-line reason."),
			UserMessage(reply),
		},
		Model: g.model,
	})
	if err != nil {
		g.logger.Debug("judge check errored, passing", "check", j.Name, "error", err)
		return res
	}
	first, rest, _ := strings.Cut(strings.TrimSpace(resp.Content), "\n")
	if strings.HasPrefix(strings.ToUpper(first), "FAIL") {
		res.Passed = false
		res.Detail = strings.TrimSpace(rest)
	}
	return res
}

// remediate makes the single-shot repair call. The failed language check gets
// a bilingual nudge: the instruction is phrased in the user's language and
// repeated in English so the model honors it regardless of which it attends.
func (g *Guardrails) remediate(ctx context.Context, rec *Recorder, userText, reply string, failures []GuardrailResult) string {
	if g.provider == nil {
		return ""
	}
	ctx, span := startOptionalSpan(ctx, rec, "guardrails:remediation", SpanKindGuardrail)
	if span != nil {
		defer span.End(ctx)
		span.SetInput(reply)
	}

	var instructions []string
	for _, f := range failures {
		switch f.Check {
		case "language_match":
			userLang, _ := detectLanguage(userText)
			instructions = append(instructions,
				languageNudge(userLang)+" IMPORTANT: reply in the user's language.")
		case "excessive_length":
			instructions = append(instructions, "Shorten the reply substantially while keeping every concrete fact.")
		case "no_raw_tool_json":
			instructions = append(instructions, "Remove all raw JSON and restate the content as natural prose.")
		case "not_empty":
			instructions = append(instructions, "Write a short, helpful reply to the user's message.")
		default:
			if f.Detail != "" {
				instructions = append(instructions, "Fix: "+f.Detail)
			}
		}
	}

	resp, err := g.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage("Rewrite the assistant reply below according to the instructions. Return only the rewritten reply.\n" +
				strings.Join(instructions, "\n")),
			UserMessage("User message: " + userText + "\n\nAssistant reply:\n" + reply),
		},
		Model: g.model,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		g.logger.Warn("remediation call failed", "error", err)
		if span != nil {
			span.SetStatus("error")
		}
		return ""
	}
	if span != nil {
		span.SetOutput(resp.Content)
	}
	return strings.TrimSpace(resp.Content)
}

func (g *Guardrails) score(ctx context.Context, rec *Recorder, name string, value float64, comment string) {
	if rec == nil {
		return
	}
	rec.Score(ctx, name, value, "system", comment)
}

// startOptionalSpan opens a span only when a recorder is present.
func startOptionalSpan(ctx context.Context, rec *Recorder, name, kind string) (context.Context, *SpanHandle) {
	if rec == nil {
		return ctx, nil
	}
	return rec.StartSpan(ctx, name, kind)
}

func failedChecks(results []GuardrailResult) []GuardrailResult {
	var out []GuardrailResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

func checkNames(results []GuardrailResult) []string {
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Check
	}
	return names
}

// languageNudge phrases the "answer in X" instruction in the target language
// itself.
func languageNudge(lang string) string {
	switch lang {
	case "es":
		return "Responde en español."
	case "pt":
		return "Responda em português."
	default:
		return "Reply in English."
	}
}

// Stopword inventories for the cheap trigram-free language detector. Words
// shared between Spanish and Portuguese are deliberately absent from both
// sets so they never vote.
var (
	stopwordsEN = toSet("the", "and", "is", "are", "was", "were", "what", "with", "that", "this", "have", "from", "you", "your", "not", "but", "for", "can", "will", "would", "there", "about", "how", "when", "they")
	stopwordsES = toSet("el", "los", "las", "es", "están", "qué", "pero", "también", "hay", "tengo", "tienes", "hacer", "muy", "cuando", "desde", "hasta", "ahora", "entonces", "siempre", "aquí", "usted")
	stopwordsPT = toSet("você", "não", "são", "estão", "também", "muito", "quando", "até", "agora", "então", "sempre", "aqui", "isso", "mas", "tem", "fazer", "pode", "onde", "depois", "ainda", "obrigado")
)

func toSet(words ...string) map[string]bool {
	s := make(map[string]bool, len(words))
	for _, w := range words {
		s[w] = true
	}
	return s
}

// detectLanguage votes stopword hits per language over NFC-normalized,
// lowercased tokens. ok is false when no language wins by a clear margin;
// notably the es/pt overlap, where a tie must not produce a verdict.
func detectLanguage(text string) (lang string, ok bool) {
	text = strings.ToLower(norm.NFC.String(text))
	votes := map[string]int{}
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return !isWordRune(r)
	}) {
		switch {
		case stopwordsEN[tok]:
			votes["en"]++
		case stopwordsES[tok]:
			votes["es"]++
		case stopwordsPT[tok]:
			votes["pt"]++
		}
	}

	best, second := "", 0
	bestVotes := 0
	for l, v := range votes {
		if v > bestVotes {
			second = bestVotes
			best, bestVotes = l, v
		} else if v > second {
			second = v
		}
	}
	if bestVotes == 0 || bestVotes == second {
		return "", false
	}
	// Spanish vs Portuguese needs a margin, not just a plurality.
	if (best == "es" || best == "pt") && bestVotes-second < 2 {
		return "", false
	}
	return best, true
}

func isWordRune(r rune) bool {
	return r == 'ñ' || r == 'ç' || r == 'á' || r == 'é' || r == 'í' || r == 'ó' || r == 'ú' ||
		r == 'ã' || r == 'õ' || r == 'ê' || r == 'ô' || r == 'à' ||
		('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}
