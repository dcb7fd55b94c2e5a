// Package intercept routes every page request of a session through the
// network guard and the session's ordered rule list, and keeps a bounded
// history of what was observed.
package intercept

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"browserd/internal/errs"
	"browserd/internal/logging"
	"browserd/internal/netguard"
	"browserd/internal/pool"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/oklog/ulid/v2"
)

const (
	// DefaultHistorySize is how many records each session keeps.
	DefaultHistorySize = 100
	maxRules           = 256
	maxRecordedBody    = 16 << 10
)

// Request is the part of an outbound request the interceptor looks at.
type Request struct {
	Method       string
	URL          string
	ResourceType string
	Headers      map[string]string
	Body         string
}

// Outcome is the routing decision for one request.
type Outcome struct {
	Action Action
	RuleID string
	Reason string
	Mock   *MockResponse
	// Headers is the full header set to forward, nil when unchanged.
	Headers map[string]string
}

type sessionState struct {
	mu      sync.RWMutex
	rules   []compiled
	scoped  map[string]map[string]string
	history *ring
}

// Interceptor holds per-session rules and history.
type Interceptor struct {
	guard       *netguard.Guard
	historySize int

	mu       sync.Mutex
	sessions map[string]*sessionState

	now func() time.Time
}

// New creates an interceptor. historySize <= 0 selects DefaultHistorySize.
func New(guard *netguard.Guard, historySize int) *Interceptor {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Interceptor{
		guard:       guard,
		historySize: historySize,
		sessions:    make(map[string]*sessionState),
		now:         time.Now,
	}
}

func (i *Interceptor) state(sessionID string, create bool) *sessionState {
	i.mu.Lock()
	defer i.mu.Unlock()
	st, ok := i.sessions[sessionID]
	if !ok && create {
		st = &sessionState{
			scoped:  make(map[string]map[string]string),
			history: newRing(i.historySize),
		}
		i.sessions[sessionID] = st
	}
	return st
}

// SetRules replaces the session's rules. Nothing changes if any rule is
// invalid.
func (i *Interceptor) SetRules(sessionID string, rules []Rule) ([]Rule, error) {
	if len(rules) > maxRules {
		return nil, errs.Policy("intercept.set_rules", "at most %d rules per session", maxRules)
	}
	out := make([]compiled, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		c, err := compile(r)
		if err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, errs.Invalid("intercept.set_rules", "duplicate rule id %q", c.ID)
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	st := i.state(sessionID, true)
	st.mu.Lock()
	st.rules = out
	st.mu.Unlock()
	logging.InterceptDebug("session %s: %d rules set", sessionID, len(out))
	return plain(out), nil
}

// AddRule appends a rule; it is evaluated after every existing rule.
func (i *Interceptor) AddRule(sessionID string, rule Rule) (Rule, error) {
	c, err := compile(rule)
	if err != nil {
		return Rule{}, err
	}
	st := i.state(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.rules) >= maxRules {
		return Rule{}, errs.Policy("intercept.add_rule", "at most %d rules per session", maxRules)
	}
	for _, existing := range st.rules {
		if existing.ID == c.ID {
			return Rule{}, errs.Invalid("intercept.add_rule", "duplicate rule id %q", c.ID)
		}
	}
	st.rules = append(st.rules, c)
	return cloneRule(c.Rule), nil
}

// RemoveRule deletes one rule by id.
func (i *Interceptor) RemoveRule(sessionID, ruleID string) error {
	st := i.state(sessionID, false)
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		for idx, r := range st.rules {
			if r.ID == ruleID {
				st.rules = append(st.rules[:idx:idx], st.rules[idx+1:]...)
				return nil
			}
		}
	}
	return errs.NotFound("intercept.remove_rule", "rule %q not found", ruleID)
}

// ClearRules drops every rule but keeps history.
func (i *Interceptor) ClearRules(sessionID string) {
	if st := i.state(sessionID, false); st != nil {
		st.mu.Lock()
		st.rules = nil
		st.mu.Unlock()
	}
}

// Rules returns the session's rules in evaluation order.
func (i *Interceptor) Rules(sessionID string) []Rule {
	st := i.state(sessionID, false)
	if st == nil {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return plain(st.rules)
}

// SetScopedHeaders attaches headers to every request for one origin. An
// empty header map removes the origin.
func (i *Interceptor) SetScopedHeaders(sessionID, origin string, headers map[string]string) error {
	key, err := originKey(origin)
	if err != nil {
		return err
	}
	st := i.state(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(headers) == 0 {
		delete(st.scoped, key)
		return nil
	}
	st.scoped[key] = cloneHeaders(headers)
	return nil
}

// History returns observed requests oldest first.
func (i *Interceptor) History(sessionID string, f Filter) []Record {
	st := i.state(sessionID, false)
	if st == nil {
		return nil
	}
	return st.history.query(f)
}

// Purge forgets everything about a session.
func (i *Interceptor) Purge(sessionID string) {
	i.mu.Lock()
	delete(i.sessions, sessionID)
	i.mu.Unlock()
}

// Evaluate decides what happens to req and records it in the session's
// history. A purged session has no rules or history; its requests are only
// checked against the guard.
func (i *Interceptor) Evaluate(ctx context.Context, sessionID string, req Request) Outcome {
	st := i.state(sessionID, false)
	out := i.decide(ctx, st, req)
	requestsTotal.WithLabelValues(string(out.Action)).Inc()
	if st == nil {
		return out
	}

	rec := Record{
		ID:           ulid.Make().String(),
		URL:          req.URL,
		Method:       req.Method,
		ResourceType: req.ResourceType,
		Headers:      req.Headers,
		Body:         truncateBody(req.Body),
		Timestamp:    i.now(),
		Intercepted:  out.Action != ActionContinue,
		RuleID:       out.RuleID,
		Action:       out.Action,
	}
	if out.Mock != nil {
		rec.MockedStatus = out.Mock.Status
	}
	st.history.add(rec)
	return out
}

func (i *Interceptor) decide(ctx context.Context, st *sessionState, req Request) Outcome {
	if i.guard != nil {
		if err := i.guard.Check(ctx, req.URL); err != nil {
			guardRejections.Inc()
			logging.Audit().PolicyBlock(req.URL, err.Error())
			return Outcome{Action: ActionGuard, Reason: err.Error()}
		}
	}

	if st == nil {
		return Outcome{Action: ActionContinue}
	}

	method := strings.ToUpper(req.Method)
	st.mu.RLock()
	defer st.mu.RUnlock()

	var matched *compiled
	for idx := range st.rules {
		if st.rules[idx].matches(method, req.URL) {
			matched = &st.rules[idx]
			break
		}
	}

	if matched != nil {
		switch matched.Action() {
		case ActionBlock:
			return Outcome{Action: ActionBlock, RuleID: matched.ID}
		case ActionMock:
			m := *matched.MockResponse
			m.Headers = cloneHeaders(m.Headers)
			return Outcome{Action: ActionMock, RuleID: matched.ID, Mock: &m}
		}
	}

	scoped := st.scopedFor(req.URL)
	if matched == nil && len(scoped) == 0 {
		return Outcome{Action: ActionContinue}
	}
	headers := cloneHeaders(req.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	mergeHeaders(headers, scoped)
	if matched == nil {
		return Outcome{Action: ActionContinue, Headers: headers}
	}
	mergeHeaders(headers, matched.ModifyHeaders)
	return Outcome{Action: ActionModify, RuleID: matched.ID, Headers: headers}
}

func (st *sessionState) scopedFor(rawURL string) map[string]string {
	if len(st.scoped) == 0 {
		return nil
	}
	key, err := originKey(rawURL)
	if err != nil {
		return nil
	}
	return st.scoped[key]
}

// Install returns a page setup that routes the page's requests through
// the session's rules.
func (i *Interceptor) Install(sessionID string) pool.PageSetup {
	i.state(sessionID, true)
	return func(page *rod.Page) (*rod.HijackRouter, error) {
		router := page.HijackRequests()
		if err := router.Add("*", "", func(h *rod.Hijack) { i.handle(sessionID, h) }); err != nil {
			return nil, err
		}
		go router.Run()
		return router, nil
	}
}

func (i *Interceptor) handle(sessionID string, h *rod.Hijack) {
	req := Request{
		Method:       h.Request.Method(),
		URL:          h.Request.URL().String(),
		ResourceType: string(h.Request.Type()),
		Headers:      flattenHeaders(h.Request.Headers()),
		Body:         h.Request.Body(),
	}
	out := i.Evaluate(h.Request.Req().Context(), sessionID, req)
	h.OnError = func(err error) {
		logging.InterceptDebug("session %s: %s %s: %v", sessionID, out.Action, req.URL, err)
	}

	switch out.Action {
	case ActionGuard, ActionBlock:
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	case ActionMock:
		m := out.Mock
		h.Response.Payload().ResponseCode = m.Status
		if m.ContentType != "" {
			h.Response.SetHeader("Content-Type", m.ContentType)
		}
		for _, name := range sortedKeys(m.Headers) {
			h.Response.SetHeader(name, m.Headers[name])
		}
		h.Response.SetBody(m.Body)
	default:
		cont := &proto.FetchContinueRequest{}
		if out.Headers != nil {
			cont.Headers = headerEntries(out.Headers)
		}
		h.ContinueRequest(cont)
	}
}

func flattenHeaders(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.Str()
	}
	return out
}

// mergeHeaders copies src into dst, replacing names that differ only in case.
func mergeHeaders(dst, src map[string]string) {
	for name, val := range src {
		for existing := range dst {
			if strings.EqualFold(existing, name) && existing != name {
				delete(dst, existing)
			}
		}
		dst[name] = val
	}
}

func headerEntries(h map[string]string) []*proto.FetchHeaderEntry {
	out := make([]*proto.FetchHeaderEntry, 0, len(h))
	for _, name := range sortedKeys(h) {
		out = append(out, &proto.FetchHeaderEntry{Name: name, Value: h[name]})
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func originKey(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errs.Invalid("intercept.origin", "invalid origin %q", raw)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

func truncateBody(b string) string {
	if len(b) <= maxRecordedBody {
		return b
	}
	return b[:maxRecordedBody]
}

func plain(rules []compiled) []Rule {
	out := make([]Rule, len(rules))
	for idx, r := range rules {
		out[idx] = cloneRule(r.Rule)
	}
	return out
}
