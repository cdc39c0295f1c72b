package paloma

import "fmt"

// ErrLLM is a controlled LLM failure. The reply path converts it into a
// fallback reply; guardrails still run on the fallback text.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from an outbound HTTP collaborator.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrHalt signals that a guardrail or processor wants to stop the reply path
// and return a specific response instead. The pipeline catches ErrHalt and
// sends Response with a nil error.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "halted: " + e.Response }

// ErrRateLimited marks a silently dropped message. Never user-visible.
type ErrRateLimited struct {
	Principal string
}

func (e *ErrRateLimited) Error() string {
	return "rate limited: " + e.Principal
}
