package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"browserd/internal/errs"
	"browserd/internal/logging"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// Artifact is binary output such as a screenshot or PDF.
type Artifact struct {
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
	Data     []byte `json:"data"`
}

// DownloadedFile describes a file the page downloaded.
type DownloadedFile struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

func doEvaluate(ctx context.Context, x *execution) (any, error) {
	p, err := x.page(ctx)
	if err != nil {
		return nil, err
	}
	res, err := p.Evaluate(rod.Eval(asFunction(x.a.Script), x.a.Args...).ByPromise())
	if err != nil {
		return nil, err
	}
	if res.Type == proto.RuntimeRemoteObjectTypeUndefined {
		return nil, nil
	}
	return res.Value.Val(), nil
}

// doContent returns markup, or readable text with scripts and styles dropped.
func doContent(ctx context.Context, x *execution) (any, error) {
	var (
		html string
		err  error
	)
	if x.a.Target().Empty() {
		p, perr := x.page(ctx)
		if perr != nil {
			return nil, perr
		}
		html, err = p.HTML()
	} else {
		el, eerr := x.element(ctx)
		if eerr != nil {
			return nil, eerr
		}
		html, err = el.HTML()
	}
	if err != nil {
		return nil, err
	}
	if x.a.Format != "text" {
		return html, nil
	}
	return readableText(html)
}

func readableText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func doPDF(ctx context.Context, x *execution) (any, error) {
	p, err := x.page(ctx)
	if err != nil {
		return nil, err
	}
	r, err := p.PDF(&proto.PagePrintToPDF{PrintBackground: true})
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	return Artifact{MimeType: "application/pdf", Size: len(data), Data: data}, nil
}

const screenshotQuality = 80

func doScreenshot(ctx context.Context, x *execution) (any, error) {
	format := proto.PageCaptureScreenshotFormatPng
	switch x.a.Format {
	case "jpeg":
		format = proto.PageCaptureScreenshotFormatJpeg
	case "webp":
		format = proto.PageCaptureScreenshotFormatWebp
	}

	var (
		data []byte
		err  error
	)
	if x.a.Target().Empty() {
		p, perr := x.page(ctx)
		if perr != nil {
			return nil, perr
		}
		req := &proto.PageCaptureScreenshot{Format: format}
		if format != proto.PageCaptureScreenshotFormatPng {
			req.Quality = gson.Int(screenshotQuality)
		}
		data, err = p.Screenshot(x.a.FullPage, req)
	} else {
		el, eerr := x.element(ctx)
		if eerr != nil {
			return nil, eerr
		}
		data, err = el.Screenshot(format, screenshotQuality)
	}
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return Artifact{MimeType: mimetype.Detect(data).String(), Size: len(data), Data: data}, nil
}

// doDownload waits for the next download in the window, clicking the target
// first when one is given. The file lands in the session's download
// directory under its suggested name.
func doDownload(ctx context.Context, x *execution) (any, error) {
	bctx, _, err := x.d.sessions.WindowPages(x.id, x.caller)
	if err != nil {
		return nil, err
	}
	b := bctx.Browser()
	if b == nil {
		return nil, errs.NotAllowed("action.download", "window has no browser handle")
	}

	var trigger *rod.Element
	if !x.a.Target().Empty() {
		if trigger, err = x.element(ctx); err != nil {
			return nil, err
		}
	}

	dir, err := filepath.Abs(filepath.Join(x.d.sessionDir(x.id), "downloads"))
	if err != nil {
		return nil, errs.StorageIO("action.download", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.StorageIO("action.download", err)
	}

	wait := b.Context(ctx).WaitDownload(dir)
	if trigger != nil {
		if err := trigger.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, err
		}
	}
	info := wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("wait for download: %w", err)
	}
	if info == nil {
		return nil, errors.New("download did not start")
	}
	return saveDownload(dir, info)
}

func saveDownload(dir string, info *proto.PageDownloadWillBegin) (*DownloadedFile, error) {
	src := filepath.Join(dir, info.GUID)
	name := safeName(info.SuggestedFilename, info.GUID)
	dst := uniquePath(dir, name)
	if err := os.Rename(src, dst); err != nil {
		return nil, errs.StorageIO("action.download", err)
	}
	st, err := os.Stat(dst)
	if err != nil {
		return nil, errs.StorageIO("action.download", err)
	}
	kind := "application/octet-stream"
	if m, err := mimetype.DetectFile(dst); err == nil {
		kind = m.String()
	}
	metricDownloadBytes.Add(float64(st.Size()))
	logging.Get(logging.CategoryAction).Debug("download saved: %s (%d bytes, %s)", dst, st.Size(), kind)
	return &DownloadedFile{
		Name:     filepath.Base(dst),
		Path:     dst,
		URL:      info.URL,
		Size:     st.Size(),
		MimeType: kind,
	}, nil
}

func safeName(suggested, fallback string) string {
	name := filepath.Base(strings.ReplaceAll(suggested, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return fallback
	}
	return name
}

func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

func doGetAttribute(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	v, err := el.Attribute(x.a.Attribute)
	if err != nil || v == nil {
		return nil, err
	}
	return *v, nil
}

func doGetText(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	return el.Text()
}

func doGetValue(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	v, err := el.Property("value")
	if err != nil {
		return nil, err
	}
	if v.Nil() {
		return nil, nil
	}
	return v.Str(), nil
}

// probeTimeout bounds the lookup for state queries, which answer false for
// a missing element instead of waiting the full action timeout.
const probeTimeout = time.Second

func (x *execution) probe(ctx context.Context) (*rod.Element, error) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	el, err := x.d.sessions.Resolve(pctx, x.id, x.caller, x.a.Target())
	if err == nil {
		return el.Context(ctx), nil
	}
	var notFound *rod.ElementNotFoundError
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil || errors.As(err, &notFound) || errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}

func doIsVisible(ctx context.Context, x *execution) (any, error) {
	el, err := x.probe(ctx)
	if err != nil || el == nil {
		return false, err
	}
	return el.Visible()
}

func doIsEnabled(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	disabled, err := el.Disabled()
	if err != nil {
		return nil, err
	}
	return !disabled, nil
}

func doIsChecked(ctx context.Context, x *execution) (any, error) {
	el, err := x.element(ctx)
	if err != nil {
		return nil, err
	}
	return isChecked(el)
}
