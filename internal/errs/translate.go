package errs

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
)

// Failure codes reported to callers.
const (
	CodeAmbiguousSelector = "ambiguous_selector"
	CodeNotInteractable   = "not_interactable"
	CodeNotFound          = "element_not_found"
	CodeTimeout           = "timeout"
	CodeContextDestroyed  = "navigation_destroyed_context"
	CodePageClosed        = "page_closed"
	CodeStaleReference    = "stale_reference"
	CodeNavigation        = "navigation_failed"
	CodeEvaluation        = "evaluation_failed"
	CodePolicy            = "policy_violation"
	CodeInvalid           = "invalid_action"
	CodeUnknown           = "action_failed"
)

// ActionFailure is the caller-facing shape of a failed action.
type ActionFailure struct {
	Code       string `json:"code"`
	Kind       Kind   `json:"kind,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (f *ActionFailure) Error() string {
	return f.Message
}

var multipleMatches = regexp.MustCompile(`matched (\d+) elements|strict mode violation`)

// TranslateActionError converts a browser-level failure into an ActionFailure
// with a remediation hint for the patterns callers commonly hit.
func TranslateActionError(err error) *ActionFailure {
	if err == nil {
		return nil
	}
	msg := err.Error()
	f := &ActionFailure{Code: CodeUnknown, Kind: KindOf(err), Message: msg}

	var (
		covered      *rod.CoveredError
		invisible    *rod.InvisibleShapeError
		noPointer    *rod.NoPointerEventsError
		notInteract  *rod.NotInteractableError
		notFound     *rod.ElementNotFoundError
		navErr       *rod.NavigationError
		evalErr      *rod.EvalError
		pageNotFound *rod.PageNotFoundError
	)

	switch {
	case errors.Is(err, ErrStaleReference):
		f.Code = CodeStaleReference
		f.Suggestion = "References expire after navigation or DOM changes. Take a new snapshot and retry with a fresh ref."
	case errors.Is(err, ErrPolicyViolation):
		f.Code = CodePolicy
		f.Suggestion = "The target is blocked by network policy. Use a public http(s) URL or ask an operator to allow-list the host."
	case errors.Is(err, ErrInvalidArgument):
		f.Code = CodeInvalid
		if multipleMatches.MatchString(msg) {
			f.Code = CodeAmbiguousSelector
			f.Suggestion = "The selector matches more than one element. Use a snapshot ref (@eN) or a more specific selector."
		}
	case multipleMatches.MatchString(msg):
		f.Code = CodeAmbiguousSelector
		f.Suggestion = "The selector matches more than one element. Use a snapshot ref (@eN) or a more specific selector."
	case errors.As(err, &covered), errors.As(err, &noPointer):
		f.Code = CodeNotInteractable
		f.Suggestion = "Another element covers the target. Close the overlay or dialog first, or scroll the element into view."
	case errors.As(err, &invisible), errors.As(err, &notInteract):
		f.Code = CodeNotInteractable
		f.Suggestion = "The element is not visible or has no size. Wait for it to become visible or scroll it into view."
	case errors.As(err, &notFound):
		f.Code = CodeNotFound
		f.Suggestion = "No element matched. Take a snapshot to see what is on the page, or wait for the element first."
	case errors.Is(err, context.DeadlineExceeded):
		f.Code = CodeTimeout
		f.Suggestion = "The operation timed out. The element may not exist yet. Wait for it explicitly or raise the timeout."
	case errors.Is(err, cdp.ErrCtxDestroyed), errors.Is(err, cdp.ErrCtxNotFound):
		f.Code = CodeContextDestroyed
		f.Suggestion = "The page navigated while the action ran. Wait for navigation to finish, then take a new snapshot."
	case errors.Is(err, cdp.ErrSessionNotFound), errors.As(err, &pageNotFound), isClosed(msg):
		f.Code = CodePageClosed
		f.Suggestion = "The page or context was closed. Switch to an open tab or create a new one."
	case errors.As(err, &navErr):
		f.Code = CodeNavigation
		f.Suggestion = "Navigation failed. Check the URL is reachable and allowed."
	case errors.As(err, &evalErr):
		f.Code = CodeEvaluation
	case errors.Is(err, context.Canceled):
		f.Code = CodeTimeout
		f.Suggestion = "The operation was cancelled before it finished."
	}
	return f
}

func isClosed(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "session closed") ||
		strings.Contains(msg, "no target with given id") ||
		strings.Contains(msg, "use of closed network connection")
}
