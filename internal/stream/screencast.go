package stream

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// Frame is one captured JPEG with the page geometry it was taken at.
type Frame struct {
	Data     []byte        `json:"data"`
	Metadata FrameMetadata `json:"metadata"`
}

// FrameMetadata mirrors the screencast frame metadata.
type FrameMetadata struct {
	OffsetTop       float64 `json:"offsetTop"`
	PageScaleFactor float64 `json:"pageScaleFactor"`
	DeviceWidth     float64 `json:"deviceWidth"`
	DeviceHeight    float64 `json:"deviceHeight"`
	ScrollOffsetX   float64 `json:"scrollOffsetX"`
	ScrollOffsetY   float64 `json:"scrollOffsetY"`
}

// CaptureOptions tune a capture.
type CaptureOptions struct {
	Quality       int
	EveryNthFrame int
}

// Capture is a running frame stream.
type Capture interface {
	Stop() error
}

// Screencaster starts frame capture on a page and injects input into it.
type Screencaster interface {
	Start(page *rod.Page, opts CaptureOptions, onFrame func(Frame)) (Capture, error)
	Dispatch(page *rod.Page, in Input) error
}

// RodScreencaster drives Page.startScreencast over the page's own protocol
// session.
type RodScreencaster struct{}

type rodCapture struct {
	page   *rod.Page
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start sizes the capture to the page's layout viewport and acknowledges
// every frame once it has been handed to onFrame.
func (RodScreencaster) Start(page *rod.Page, opts CaptureOptions, onFrame func(Frame)) (Capture, error) {
	metrics, err := proto.PageGetLayoutMetrics{}.Call(page)
	if err != nil {
		return nil, err
	}
	req := proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatJpeg,
		Quality:       gson.Int(opts.Quality),
		EveryNthFrame: gson.Int(max(opts.EveryNthFrame, 1)),
	}
	if vp := metrics.CSSLayoutViewport; vp != nil && vp.ClientWidth > 0 {
		req.MaxWidth = gson.Int(vp.ClientWidth)
		req.MaxHeight = gson.Int(vp.ClientHeight)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := page.Context(ctx)
	wait := p.EachEvent(func(e *proto.PageScreencastFrame) {
		f := Frame{Data: e.Data}
		if m := e.Metadata; m != nil {
			f.Metadata = FrameMetadata{
				OffsetTop:       m.OffsetTop,
				PageScaleFactor: m.PageScaleFactor,
				DeviceWidth:     m.DeviceWidth,
				DeviceHeight:    m.DeviceHeight,
				ScrollOffsetX:   m.ScrollOffsetX,
				ScrollOffsetY:   m.ScrollOffsetY,
			}
		}
		onFrame(f)
		_ = proto.PageScreencastFrameAck{SessionID: e.SessionID}.Call(p)
	})
	c := &rodCapture{page: page, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		wait()
	}()

	if err := req.Call(p); err != nil {
		_ = c.Stop()
		return nil, err
	}
	return c, nil
}

func (c *rodCapture) Stop() error {
	var err error
	c.once.Do(func() {
		err = proto.PageStopScreencast{}.Call(c.page)
		c.cancel()
		<-c.done
	})
	return err
}

// Dispatch replays one input event through the Input domain.
func (RodScreencaster) Dispatch(page *rod.Page, in Input) error {
	switch in.Type {
	case InputMouse:
		return proto.InputDispatchMouseEvent{
			Type:       proto.InputDispatchMouseEventType(in.Event),
			X:          in.X,
			Y:          in.Y,
			Modifiers:  in.Modifiers,
			Button:     mouseButton(in.Button),
			ClickCount: in.ClickCount,
			DeltaX:     in.DeltaX,
			DeltaY:     in.DeltaY,
		}.Call(page)
	case InputKeyboard:
		return proto.InputDispatchKeyEvent{
			Type:                  proto.InputDispatchKeyEventType(in.Event),
			Modifiers:             in.Modifiers,
			Text:                  in.Text,
			Code:                  in.Code,
			Key:                   in.Key,
			WindowsVirtualKeyCode: in.KeyCode,
		}.Call(page)
	case InputTouch:
		points := make([]*proto.InputTouchPoint, 0, len(in.TouchPoints))
		for _, tp := range in.TouchPoints {
			pt := &proto.InputTouchPoint{X: tp.X, Y: tp.Y}
			if tp.ID != nil {
				id := float64(*tp.ID)
				pt.ID = &id
			}
			points = append(points, pt)
		}
		return proto.InputDispatchTouchEvent{
			Type:        proto.InputDispatchTouchEventType(in.Event),
			TouchPoints: points,
			Modifiers:   in.Modifiers,
		}.Call(page)
	}
	return nil
}

func mouseButton(b string) proto.InputMouseButton {
	if b == "" {
		return proto.InputMouseButtonNone
	}
	return proto.InputMouseButton(b)
}
