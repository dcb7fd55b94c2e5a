package intercept

import (
	"net/http"
	"strings"

	"browserd/internal/errs"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
)

// MockResponse is served locally instead of reaching the network.
type MockResponse struct {
	Status      int               `json:"status,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
}

// Rule routes requests whose URL matches URLPattern. Exactly one of Block,
// MockResponse or ModifyHeaders must be set.
type Rule struct {
	ID            string            `json:"id"`
	URLPattern    string            `json:"urlPattern"`
	Method        string            `json:"method,omitempty"`
	Block         bool              `json:"block,omitempty"`
	MockResponse  *MockResponse     `json:"mockResponse,omitempty"`
	ModifyHeaders map[string]string `json:"modifyHeaders,omitempty"`
}

// Action names what happened to a request.
type Action string

const (
	ActionContinue Action = "continue"
	ActionGuard    Action = "guard"
	ActionBlock    Action = "block"
	ActionMock     Action = "mock"
	ActionModify   Action = "modify"
)

// Action reports which action the rule carries.
func (r Rule) Action() Action {
	switch {
	case r.Block:
		return ActionBlock
	case r.MockResponse != nil:
		return ActionMock
	case len(r.ModifyHeaders) > 0:
		return ActionModify
	}
	return ""
}

// compiled is a validated rule with its lowercased pattern.
type compiled struct {
	Rule
	pattern string
}

func (c compiled) matches(method, rawURL string) bool {
	if c.Method != "" && c.Method != method {
		return false
	}
	ok, err := doublestar.Match(c.pattern, strings.ToLower(rawURL))
	return err == nil && ok
}

func compile(r Rule) (compiled, error) {
	const op = "intercept.rule"

	r.URLPattern = strings.TrimSpace(r.URLPattern)
	if r.URLPattern == "" {
		return compiled{}, errs.Policy(op, "urlPattern is required")
	}
	pattern := strings.ToLower(r.URLPattern)
	if !doublestar.ValidatePattern(pattern) {
		return compiled{}, errs.Policy(op, "invalid urlPattern %q", r.URLPattern)
	}

	actions := 0
	if r.Block {
		actions++
	}
	if r.MockResponse != nil {
		actions++
	}
	if len(r.ModifyHeaders) > 0 {
		actions++
	}
	switch {
	case actions == 0:
		return compiled{}, errs.Policy(op, "rule for %q has no action", r.URLPattern)
	case actions > 1:
		return compiled{}, errs.Policy(op, "rule for %q must set exactly one of block, mockResponse, modifyHeaders", r.URLPattern)
	}

	if r.Method != "" {
		r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
		if !validMethod(r.Method) {
			return compiled{}, errs.Policy(op, "invalid method %q", r.Method)
		}
	}
	if m := r.MockResponse; m != nil {
		if m.Status == 0 {
			m.Status = http.StatusOK
		}
		if m.Status < 100 || m.Status > 599 {
			return compiled{}, errs.Policy(op, "mock status %d out of range", m.Status)
		}
	}
	for name := range r.ModifyHeaders {
		if name == "" || strings.ContainsAny(name, " \t\r\n:") {
			return compiled{}, errs.Policy(op, "invalid header name %q", name)
		}
	}
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	return compiled{Rule: cloneRule(r), pattern: pattern}, nil
}

func validMethod(m string) bool {
	for _, c := range m {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func cloneRule(r Rule) Rule {
	if r.MockResponse != nil {
		m := *r.MockResponse
		m.Headers = cloneHeaders(m.Headers)
		r.MockResponse = &m
	}
	r.ModifyHeaders = cloneHeaders(r.ModifyHeaders)
	return r
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
