package paloma

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		lang string
		ok   bool
	}{
		{"english", "What is the weather like? I have not checked, but you can tell me about it.", "en", true},
		{"spanish", "Qué tengo que hacer ahora, pero también desde aquí hay mucho que ver", "es", true},
		{"portuguese", "Você não pode fazer isso agora, mas também tem muito onde escolher aqui", "pt", true},
		{"no signal", "12345 xyz qwerty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lang, ok := detectLanguage(tt.text)
			if ok != tt.ok || lang != tt.lang {
				t.Errorf("detectLanguage() = (%q, %v), want (%q, %v)", lang, ok, tt.lang, tt.ok)
			}
		})
	}
}

func TestDetectLanguageSpanishPortugueseMargin(t *testing.T) {
	// One vote each way must not produce a verdict.
	lang, ok := detectLanguage("tengo você")
	if ok {
		t.Errorf("tie must be ambiguous, got %q", lang)
	}
}

func TestRedactPII(t *testing.T) {
	g := NewGuardrails(nil, "")
	in := "Write to maria.lopez@example.com or call +34 612 345 678 today"
	out := g.redactPII("", in)
	if strings.Contains(out, "example.com") {
		t.Error("email not redacted")
	}
	if strings.Contains(out, "612") {
		t.Error("phone not redacted")
	}
	if !strings.Contains(out, "[email redacted]") || !strings.Contains(out, "[phone redacted]") {
		t.Errorf("placeholders missing: %q", out)
	}
}

func TestRedactPIIKeepsUserEchoedData(t *testing.T) {
	g := NewGuardrails(nil, "")
	userText := "mi correo es maria.lopez@example.com, apúntalo"
	reply := "Apuntado: maria.lopez@example.com. También avisé a admin@otherhost.com."
	out := g.redactPII(userText, reply)
	if !strings.Contains(out, "maria.lopez@example.com") {
		t.Error("the user's own email must not be redacted when echoed back")
	}
	if strings.Contains(out, "admin@otherhost.com") {
		t.Errorf("third-party email survived: %q", out)
	}
}

func TestRedactPIIDNI(t *testing.T) {
	g := NewGuardrails(nil, "")
	out := g.redactPII("", "Su DNI es 12345678Z según el expediente")
	if strings.Contains(out, "12345678Z") || !strings.Contains(out, "[dni redacted]") {
		t.Errorf("DNI not redacted: %q", out)
	}
}

func TestGuardrailsCleanReplyPassesThrough(t *testing.T) {
	g := NewGuardrails(nil, "")
	reply := "Here is the summary you asked for. Everything looks good."
	got, results := g.Review(context.Background(), nil, "Can you summarize that for me please?", reply)
	if got != reply {
		t.Errorf("clean reply modified: %q", got)
	}
	if len(failedChecks(results)) != 0 {
		t.Errorf("results = %+v, want all passed", results)
	}
}

func TestGuardrailsDisabledPassesThrough(t *testing.T) {
	g := NewGuardrails(nil, "", WithGuardrailsEnabled(false))
	reply := "   " // would fail not_empty with the review on
	got, results := g.Review(context.Background(), nil, "anything", reply)
	if got != reply || results != nil {
		t.Errorf("Review() = %q, %+v, want untouched pass-through", got, results)
	}
}

func TestGuardrailsLanguageMismatchRemediated(t *testing.T) {
	fixed := "Claro, aquí tienes el resumen que pediste, espero que te sirva de verdad."
	provider := &mockProvider{responses: []ChatResponse{{Content: fixed}}}
	g := NewGuardrails(provider, "judge")

	userText := "Qué tengo que hacer ahora, pero también hay que ver desde aquí"
	reply := "Here is what you have to do now, and there is a lot that you can check from this point."
	got, _ := g.Review(context.Background(), nil, userText, reply)
	if got != fixed {
		t.Errorf("Review() = %q, want remediated reply", got)
	}

	// The remediation prompt carries the bilingual nudge.
	reqs := provider.calls()
	if len(reqs) != 1 {
		t.Fatalf("remediation calls = %d, want 1", len(reqs))
	}
	sys := reqs[0].Messages[0].Content
	if !strings.Contains(sys, "Responde en español.") {
		t.Errorf("missing language nudge in: %q", sys)
	}
}

func TestGuardrailsShortReplySkipsLanguageCheck(t *testing.T) {
	g := NewGuardrails(nil, "")
	// Under the minimum length the mismatch is not even evaluated.
	reply := "ok, done"
	got, _ := g.Review(context.Background(), nil, "hazlo ahora pero también desde aquí tengo que hacer mucho", reply)
	if got != reply {
		t.Errorf("short reply must pass untouched, got %q", got)
	}
}

func TestGuardrailsShortUserTextSkipsLanguageCheck(t *testing.T) {
	g := NewGuardrails(nil, "")
	// A terse user message carries too little signal to pin a language, so a
	// long reply in another one must not trigger remediation.
	reply := "Here is everything you asked for, with all the details laid out in full below."
	got, results := g.Review(context.Background(), nil, "hazlo ya", reply)
	if got != reply {
		t.Errorf("reply modified: %q", got)
	}
	if len(failedChecks(results)) != 0 {
		t.Errorf("results = %+v, want no failures", results)
	}
}

func TestGuardrailsRemediationFailureShipsOriginal(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{{}},
		errs:      []error{errors.New("model offline")},
	}
	g := NewGuardrails(provider, "judge")

	reply := strings.Repeat("a", guardMaxReplyLen+10)
	got, _ := g.Review(context.Background(), nil, "hello there, what is this about exactly?", reply)
	if got != reply {
		t.Error("failed remediation must fail open and ship the original")
	}
}

func TestGuardrailsRawToolJSON(t *testing.T) {
	fixed := "The search found three results, all from this week's news coverage."
	provider := &mockProvider{responses: []ChatResponse{{Content: fixed}}}
	g := NewGuardrails(provider, "judge")

	leaked := `{"content": "result", "tool_calls": [{"name":"web_search"}]}`
	got, _ := g.Review(context.Background(), nil, "what did you find about that thing?", leaked)
	if got != fixed {
		t.Errorf("Review() = %q, want rewritten prose", got)
	}
}

func TestGuardrailsJudgeFail(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: "FAIL\nthe reply contradicts the tool output"}, // judge verdict
		{Content: "Corrected reply based on what the tools actually returned here."}, // remediation
		{Content: "PASS"}, // judge re-check
	}}
	g := NewGuardrails(provider, "judge",
		WithJudges(JudgeCheck{Name: "tool_coherence", Prompt: "Does the reply match the tool output?"}))

	got, _ := g.Review(context.Background(), nil,
		"please check the weather for me today",
		"The original answer that the judge rejects for incoherence with tools.")
	if !strings.Contains(got, "Corrected reply") {
		t.Errorf("Review() = %q, want the remediated text", got)
	}
}

func TestGuardrailsJudgeErrorFailsOpen(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{{}},
		errs:      []error{errors.New("timeout")},
	}
	g := NewGuardrails(provider, "judge",
		WithJudges(JudgeCheck{Name: "hallucination_check", Prompt: "Any unsupported claims?"}))

	reply := "A perfectly ordinary answer that should survive a broken judge intact."
	got, _ := g.Review(context.Background(), nil, "tell me something ordinary please now", reply)
	if got != reply {
		t.Errorf("judge error must fail open, got %q", got)
	}
}

func TestGuardrailsScoresFailures(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 1.0)
	ctx, _ := rec.Begin(context.Background(), "user1", "chat")

	provider := &mockProvider{responses: []ChatResponse{{Content: "Short and fine replacement text for the empty reply we started with."}}}
	g := NewGuardrails(provider, "judge")
	g.Review(ctx, rec, "say something to me right now please", "   ")

	var found bool
	for _, sc := range store.scores {
		if sc.Name == "guardrail:not_empty" && sc.Value == 0.0 && sc.Source == "system" {
			found = true
		}
	}
	if !found {
		t.Error("failed check must append a 0.0 system score")
	}
}

func TestGuardrailsScoresPasses(t *testing.T) {
	store := newMemStore()
	rec := NewRecorder(store, 1.0)
	ctx, _ := rec.Begin(context.Background(), "user1", "chat")

	g := NewGuardrails(nil, "")
	g.Review(ctx, rec, "can you give me a quick status update please?",
		"Everything finished cleanly, nothing left on the queue right now.")

	got := map[string]float64{}
	for _, sc := range store.scores {
		if strings.HasPrefix(sc.Name, "guardrail:") && sc.Source == "system" {
			got[sc.Name] = sc.Value
		}
	}
	for _, name := range []string{"guardrail:not_empty", "guardrail:language_match", "guardrail:no_raw_tool_json", "guardrail:excessive_length"} {
		if v, ok := got[name]; !ok || v != 1.0 {
			t.Errorf("%s score = %v, %v; every applied check must record 1.0 on pass", name, v, ok)
		}
	}
}
