package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
)

// RodConfig configures Chrome launch options.
type RodConfig struct {
	Headless  bool          // Run in headless mode (default: true)
	Timeout   time.Duration // Default operation timeout (default: 30s)
	NoSandbox bool          // Pass --no-sandbox (default: true, for containers)
	Bin       string        // Chrome binary; empty lets Rod pick or download one
	ExtraArgs []string      // Additional switches, "name" or "name=value"
}

// DefaultRodConfig returns sensible defaults for call testing.
func DefaultRodConfig() RodConfig {
	return RodConfig{
		Headless:  true,
		Timeout:   30 * time.Second,
		NoSandbox: true,
	}
}

// RodDriver launches Chrome with WebRTC-ready flags.
//
// Chrome reads the fake camera file from a process-wide switch, so one browser
// process is launched per distinct ContextOptions.MediaSource and shared by all
// contexts using that source. The driver is safe for concurrent use.
type RodDriver struct {
	cfg    RodConfig
	logger zerolog.Logger

	mu       sync.Mutex
	browsers map[string]*rod.Browser
	closed   bool
}

// NewRodDriver creates a driver. Browsers are launched lazily.
func NewRodDriver(cfg RodConfig, logger *zerolog.Logger) *RodDriver {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RodDriver{
		cfg:      cfg,
		logger:   l.With().Str("module", "browser.rod").Logger(),
		browsers: make(map[string]*rod.Browser),
	}
}

// launcherFor builds the launcher for one media source.
// The browser is configured with:
//   - Fake media streams (no real camera/mic required)
//   - Auto-granted media permission prompts
//   - Autoplay without user gesture
//   - The given file as fake video capture, if any
func (d *RodDriver) launcherFor(mediaSource string) *launcher.Launcher {
	l := launcher.New().
		Headless(d.cfg.Headless).
		Set("disable-gpu").
		Set("use-fake-device-for-media-stream").
		Set("use-fake-ui-for-media-stream").
		Set("autoplay-policy", "no-user-gesture-required")
	if d.cfg.NoSandbox {
		l = l.Set("no-sandbox")
	}
	if d.cfg.Bin != "" {
		l = l.Bin(d.cfg.Bin)
	}
	if mediaSource != "" {
		l = l.Set("use-file-for-fake-video-capture", mediaSource)
	}
	for _, arg := range d.cfg.ExtraArgs {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if hasValue {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

func (d *RodDriver) browserFor(mediaSource string) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if b, ok := d.browsers[mediaSource]; ok {
		return b, nil
	}

	url, err := d.launcherFor(mediaSource).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch Chrome: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Chrome: %w", err)
	}

	d.browsers[mediaSource] = b
	d.logger.Debug().Str("media", mediaSource).Msg("launched browser")
	return b, nil
}

// NewContext opens an incognito context with the requested permissions.
func (d *RodDriver) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	b, err := d.browserFor(opts.MediaSource)
	if err != nil {
		return nil, err
	}

	incognito, err := b.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	rc := newRodContext(incognito, opts, d.cfg.Timeout)

	if len(opts.Permissions) > 0 {
		perms, err := rodPermissions(opts.Permissions)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		grant := proto.BrowserGrantPermissions{
			Permissions:      perms,
			BrowserContextID: incognito.BrowserContextID,
		}
		if err := grant.Call(rc.browser.Context(ctx)); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("failed to grant permissions: %w", err)
		}
	}

	return rc, nil
}

// Close cleans up every launched browser.
// Always call this (via defer) to prevent orphaned Chrome processes.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	var errs []error
	for source, b := range d.browsers {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser (media %q): %w", source, err))
		}
		delete(d.browsers, source)
	}
	return errors.Join(errs...)
}

func rodPermissions(names []string) ([]proto.BrowserPermissionType, error) {
	out := make([]proto.BrowserPermissionType, 0, len(names))
	for _, n := range names {
		switch n {
		case PermissionCamera:
			out = append(out, proto.BrowserPermissionTypeVideoCapture)
		case PermissionMicrophone:
			out = append(out, proto.BrowserPermissionTypeAudioCapture)
		default:
			return nil, fmt.Errorf("unsupported permission %q", n)
		}
	}
	return out, nil
}

type rodContext struct {
	browser *rod.Browser
	opts    ContextOptions
	timeout time.Duration
	closed  atomic.Bool
}

// newRodContext strips the creating call's context from b. Incognito copies
// the parent browser including its ctx, and disposing the context later
// must not fail because that call has returned.
func newRodContext(b *rod.Browser, opts ContextOptions, timeout time.Duration) *rodContext {
	return &rodContext{browser: b.Context(context.Background()), opts: opts, timeout: timeout}
}

func (c *rodContext) NewPage(ctx context.Context) (Page, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	page, err := c.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	if vp := c.opts.Viewport; vp.Width > 0 && vp.Height > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             vp.Width,
			Height:            vp.Height,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("failed to set viewport: %w", err)
		}
	}
	// Strip the per-call context so the page outlives ctx.
	page = page.Context(context.Background())
	return &rodPage{page: page, owner: c, timeout: c.timeout}, nil
}

func (c *rodContext) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	b := c.browser.Timeout(c.timeout)
	defer b.CancelTimeout()
	return b.Close()
}

type rodPage struct {
	page    *rod.Page
	owner   *rodContext
	timeout time.Duration
	closed  atomic.Bool
}

// with scopes the page to ctx and the default operation timeout.
// The returned func releases the timeout.
func (p *rodPage) with(ctx context.Context) (*rod.Page, func(), error) {
	if p.Closed() {
		return nil, func() {}, ErrClosed
	}
	page := p.page.Context(ctx).Timeout(p.timeout)
	return page, func() { page.CancelTimeout() }, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page, done, err := p.with(ctx)
	defer done()
	if err != nil {
		return err
	}
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed waiting for %s to load: %w", url, err)
	}
	return nil
}

func (p *rodPage) Fill(ctx context.Context, selector, value string) error {
	page, done, err := p.with(ctx)
	defer done()
	if err != nil {
		return err
	}
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("failed to select %s: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("failed to fill %s: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	page, done, err := p.with(ctx)
	defer done()
	if err != nil {
		return err
	}
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Elements(ctx context.Context, selector string) ([]Element, error) {
	page, done, err := p.with(ctx)
	defer done()
	if err != nil {
		return nil, err
	}
	els, err := page.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", selector, err)
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el, timeout: p.timeout})
	}
	return out, nil
}

func (p *rodPage) Eval(ctx context.Context, js string, args ...any) (gson.JSON, error) {
	page, done, err := p.with(ctx)
	defer done()
	if err != nil {
		return gson.New(nil), err
	}
	res, err := page.Eval(js, args...)
	if err != nil {
		return gson.New(nil), fmt.Errorf("eval failed: %w", err)
	}
	return res.Value, nil
}

// WaitResponse pairs NetworkRequestWillBeSent (for the method) with
// NetworkResponseReceived (for the status) by request id.
func (p *rodPage) WaitResponse(ctx context.Context, match ResponseMatch) func() (*Response, error) {
	if p.Closed() {
		return func() (*Response, error) { return nil, ErrClosed }
	}

	waitCtx, cancel := context.WithCancel(ctx)
	page := p.page.Context(waitCtx)

	var (
		mu      sync.Mutex
		pending = map[proto.NetworkRequestID]string{}
		got     *Response
	)
	method := strings.ToUpper(match.Method)

	wait := page.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if e.Request == nil || !strings.Contains(e.Request.URL, match.URLContains) {
				return
			}
			if method != "" && strings.ToUpper(e.Request.Method) != method {
				return
			}
			mu.Lock()
			pending[e.RequestID] = strings.ToUpper(e.Request.Method)
			mu.Unlock()
		},
		func(e *proto.NetworkResponseReceived) bool {
			mu.Lock()
			defer mu.Unlock()
			m, ok := pending[e.RequestID]
			if !ok || e.Response == nil {
				return false
			}
			got = &Response{URL: e.Response.URL, Method: m, Status: e.Response.Status}
			return true
		},
	)

	return func() (*Response, error) {
		defer cancel()
		wait()
		mu.Lock()
		defer mu.Unlock()
		if got == nil {
			if err := waitCtx.Err(); err != nil {
				return nil, fmt.Errorf("no response for %s: %w", match, err)
			}
			return nil, fmt.Errorf("no response for %s", match)
		}
		return got, nil
	}
}

func (p *rodPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	page, done, err := p.with(ctx)
	defer done()
	if err != nil {
		return nil, err
	}
	return page.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *rodPage) Closed() bool {
	return p.closed.Load() || p.owner.closed.Load()
}

func (p *rodPage) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.page.Close()
}

type rodElement struct {
	el      *rod.Element
	timeout time.Duration
}

func (e *rodElement) scoped(ctx context.Context) (*rod.Element, func()) {
	el := e.el.Context(ctx).Timeout(e.timeout)
	return el, func() { el.CancelTimeout() }
}

func (e *rodElement) Visible(ctx context.Context) (bool, error) {
	el, done := e.scoped(ctx)
	defer done()
	return el.Visible()
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	el, done := e.scoped(ctx)
	defer done()
	return el.Text()
}

func (e *rodElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	el, done := e.scoped(ctx)
	defer done()
	v, err := el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

// videoStateJS mirrors the checks a viewer would make: rendered in layout,
// has decoded data, has a real frame size and is not paused.
const videoStateJS = `function () {
	const el = this;
	const style = getComputedStyle(el);
	return {
		id: el.id || el.className || 'N/A',
		visible: el.offsetParent !== null && !el.hidden && style.display !== 'none' && style.visibility !== 'hidden',
		readyState: el.readyState,
		width: el.videoWidth || 0,
		height: el.videoHeight || 0,
		paused: !!el.paused,
	};
}`

func (e *rodElement) VideoState(ctx context.Context) (VideoState, error) {
	el, done := e.scoped(ctx)
	defer done()
	res, err := el.Eval(videoStateJS)
	if err != nil {
		return VideoState{}, fmt.Errorf("failed to read video state: %w", err)
	}
	var s VideoState
	if err := res.Value.Unmarshal(&s); err != nil {
		return VideoState{}, fmt.Errorf("failed to decode video state: %w", err)
	}
	return s, nil
}

func (e *rodElement) Screenshot(ctx context.Context) ([]byte, error) {
	el, done := e.scoped(ctx)
	defer done()
	return el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
}
