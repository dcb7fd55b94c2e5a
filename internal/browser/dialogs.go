package browser

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Dialog is a JavaScript dialog that was opened and auto-accepted.
type Dialog struct {
	Type          string    `json:"type"`
	Message       string    `json:"message"`
	URL           string    `json:"url"`
	DefaultPrompt string    `json:"defaultPrompt,omitempty"`
	At            time.Time `json:"at"`
}

// WatchDialogs accepts every dialog the page opens and reports it to fn.
// The watcher runs until the returned stop func is called or the page goes
// away.
func WatchDialogs(page *rod.Page, fn func(Dialog)) (stop func()) {
	ctx, cancel := context.WithCancel(page.GetContext())
	p := page.Context(ctx)
	wait := p.EachEvent(func(e *proto.PageJavascriptDialogOpening) {
		d := Dialog{
			Type:          string(e.Type),
			Message:       e.Message,
			URL:           e.URL,
			DefaultPrompt: e.DefaultPrompt,
			At:            time.Now(),
		}
		go func() {
			_ = proto.PageHandleJavaScriptDialog{Accept: true, PromptText: d.DefaultPrompt}.Call(p)
		}()
		if fn != nil {
			fn(d)
		}
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	return func() {
		cancel()
		<-done
	}
}
