// Package browsertest provides an in-memory browser.Driver that simulates the
// call-entry surface of the demo app. It lets session and ui tests run
// without Chrome and count every context and page they leave open.
package browsertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ysmood/gson"

	"github.com/thesyncim/callharness/pkg/callharness/browser"
)

// SuccessText is rendered in the alert after an accepted join.
const SuccessText = "Joined room successfully."

// Layout lists the selectors the simulated page answers to. Queries for any
// other selector match nothing.
type Layout struct {
	AppIDInput   string
	TokenInput   string
	ChannelInput string
	UserIDInput  string
	JoinButton   string
	LeaveButton  string
	SuccessAlert string

	LocalWrapper string // carries data-uid
	LocalVideo   string

	RemoteWrappers string // one element per remote, id="player-wrapper-<uid>"
	RemoteVideo    string
	// RemoteVideoFormat is formatted with one remote uid.
	RemoteVideoFormat string

	VideoGrid string
}

// App configures the simulated application.
type App struct {
	Layout Layout

	// ValidAppID and ValidToken are the credentials the app accepts. Empty
	// accepts anything except the literal "invalid".
	ValidAppID string
	ValidToken string

	AckMethod string // default POST
	AckURL    string // default /api/v2/transpond/webrtc

	// LocalActivation is how long after join the local video starts playing.
	LocalActivation time.Duration
	// RemoteActivation is how long after both sides joined a remote video plays.
	RemoteActivation time.Duration
	// LeaveDelay is how long the local video keeps playing after leave.
	LeaveDelay time.Duration
}

// Faults injects failures. Zero values mean no fault.
type Faults struct {
	NewContext   error
	NewPage      error
	Navigate     error
	LeaveClick   error
	CloseContext error // returned from Context.Close after the context is released

	DropAck      bool // join never produces the ack response
	NoLocalVideo bool // the camera never produces frames
}

// Driver is an in-memory browser.Driver.
type Driver struct {
	app App

	mu       sync.Mutex
	faults   Faults
	contexts map[*Context]struct{}
	pages    []*Page
	created  int
	closes   int
	nextUID  int
	closed   bool
	evalFunc func(p *Page, js string, args []any) (gson.JSON, error)
}

// NewDriver creates a fake driver for app.
func NewDriver(app App) *Driver {
	if app.AckMethod == "" {
		app.AckMethod = "POST"
	}
	if app.AckURL == "" {
		app.AckURL = "/api/v2/transpond/webrtc"
	}
	return &Driver{
		app:      app,
		contexts: make(map[*Context]struct{}),
		nextUID:  50000,
	}
}

// SetFaults replaces the active fault set.
func (d *Driver) SetFaults(f Faults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = f
}

// SetEval overrides Page.Eval. The default answers permission queries: a
// single string argument is treated as a permission name and reports whether
// the page's context was granted it.
func (d *Driver) SetEval(fn func(p *Page, js string, args []any) (gson.JSON, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evalFunc = fn
}

// OpenContexts is the number of contexts created and not yet closed.
func (d *Driver) OpenContexts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contexts)
}

// ContextsCreated is the total number of contexts ever created.
func (d *Driver) ContextsCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

// ContextCloses is the number of Context.Close calls, repeats included.
func (d *Driver) ContextCloses() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// OpenPages is the number of pages not closed (directly or via their context).
func (d *Driver) OpenPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pages {
		if !p.closedLocked() {
			n++
		}
	}
	return n
}

// Contexts returns the open contexts.
func (d *Driver) Contexts() []*Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Context, 0, len(d.contexts))
	for c := range d.contexts {
		out = append(out, c)
	}
	return out
}

// NewContext implements browser.Driver. The context outlives ctx.
func (d *Driver) NewContext(_ context.Context, opts browser.ContextOptions) (browser.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, browser.ErrClosed
	}
	if d.faults.NewContext != nil {
		return nil, d.faults.NewContext
	}
	c := &Context{driver: d, opts: opts}
	d.contexts[c] = struct{}{}
	d.created++
	return c, nil
}

// Close releases every open context.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for c := range d.contexts {
		c.closed = true
		delete(d.contexts, c)
	}
	return nil
}

// Context is a fake browsing context.
type Context struct {
	driver *Driver
	opts   browser.ContextOptions
	closed bool
}

// Options returns the options the context was created with.
func (c *Context) Options() browser.ContextOptions {
	return c.opts
}

// NewPage implements browser.Context.
func (c *Context) NewPage(_ context.Context) (browser.Page, error) {
	d := c.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.closed {
		return nil, browser.ErrClosed
	}
	if d.faults.NewPage != nil {
		return nil, d.faults.NewPage
	}
	p := &Page{driver: d, owner: c, fields: map[string]string{}}
	d.pages = append(d.pages, p)
	return p, nil
}

// Close releases the context and its pages. Repeated calls are counted
// but release nothing.
func (c *Context) Close() error {
	d := c.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	if !c.closed {
		c.closed = true
		delete(d.contexts, c)
	}
	return d.faults.CloseContext
}

// Page simulates one participant tab running the call-entry page.
type Page struct {
	driver *Driver
	owner  *Context
	closed bool

	url    string
	fields map[string]string

	joined   bool
	channel  string
	uid      string
	joinedAt time.Time
	leftAt   time.Time

	waiters []*ackWaiter
}

type ackWaiter struct {
	match browser.ResponseMatch
	ch    chan *browser.Response
}

// UID returns the participant id the page joined with.
func (p *Page) UID() string {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	return p.uid
}

// URL returns the last navigated URL.
func (p *Page) URL() string {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	return p.url
}

// Field returns the value filled into selector.
func (p *Page) Field(selector string) string {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	return p.fields[selector]
}

func (p *Page) closedLocked() bool {
	return p.closed || p.owner.closed
}

// Closed reports whether the page or its context was closed.
func (p *Page) Closed() bool {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	return p.closedLocked()
}

// Close closes the page.
func (p *Page) Close() error {
	p.driver.mu.Lock()
	defer p.driver.mu.Unlock()
	p.closed = true
	return nil
}

// Navigate loads url and resets the form and join state.
func (p *Page) Navigate(_ context.Context, url string) error {
	d := p.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.closedLocked() {
		return browser.ErrClosed
	}
	if d.faults.Navigate != nil {
		return d.faults.Navigate
	}
	p.url = url
	p.fields = map[string]string{}
	p.joined = false
	p.leftAt = time.Time{}
	return nil
}

// Fill sets a form field.
func (p *Page) Fill(_ context.Context, selector, value string) error {
	d := p.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.closedLocked() {
		return browser.ErrClosed
	}
	if p.url == "" {
		return fmt.Errorf("failed to find %s: page not loaded", selector)
	}
	l := d.app.Layout
	switch selector {
	case l.AppIDInput, l.TokenInput, l.ChannelInput, l.UserIDInput:
		p.fields[selector] = value
		return nil
	}
	return fmt.Errorf("failed to find %s", selector)
}

// Click presses the join or leave button.
func (p *Page) Click(_ context.Context, selector string) error {
	d := p.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.closedLocked() {
		return browser.ErrClosed
	}
	l := d.app.Layout
	switch selector {
	case l.JoinButton:
		if p.url == "" {
			return fmt.Errorf("failed to find %s: page not loaded", selector)
		}
		p.joinLocked()
		return nil
	case l.LeaveButton:
		if !p.joined {
			return fmt.Errorf("failed to click %s: not visible", selector)
		}
		if d.faults.LeaveClick != nil {
			return d.faults.LeaveClick
		}
		p.joined = false
		p.leftAt = time.Now()
		return nil
	}
	return fmt.Errorf("failed to find %s", selector)
}

func (p *Page) joinLocked() {
	d := p.driver
	l := d.app.Layout

	appID, token := p.fields[l.AppIDInput], p.fields[l.TokenInput]
	valid := appID != "invalid" && token != "invalid"
	if d.app.ValidAppID != "" {
		valid = appID == d.app.ValidAppID
	}
	if d.app.ValidToken != "" {
		valid = valid && token == d.app.ValidToken
	}

	p.uid = p.fields[l.UserIDInput]
	if p.uid == "" {
		d.nextUID++
		p.uid = strconv.Itoa(d.nextUID)
	}
	p.channel = p.fields[l.ChannelInput]

	status := 401
	if valid {
		status = 200
		p.joined = true
		p.joinedAt = time.Now()
		p.leftAt = time.Time{}
	}
	if d.faults.DropAck {
		return
	}

	resp := &browser.Response{URL: "https://fake.local" + d.app.AckURL, Method: d.app.AckMethod, Status: status}
	kept := p.waiters[:0]
	for _, w := range p.waiters {
		if strings.EqualFold(w.match.Method, resp.Method) && strings.Contains(resp.URL, w.match.URLContains) {
			w.ch <- resp
			continue
		}
		kept = append(kept, w)
	}
	p.waiters = kept
}

// WaitResponse waits for the join ack matching match.
func (p *Page) WaitResponse(ctx context.Context, match browser.ResponseMatch) func() (*browser.Response, error) {
	d := p.driver
	d.mu.Lock()
	w := &ackWaiter{match: match, ch: make(chan *browser.Response, 1)}
	p.waiters = append(p.waiters, w)
	d.mu.Unlock()

	return func() (*browser.Response, error) {
		select {
		case r := <-w.ch:
			return r, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("no response for %s: %w", match, ctx.Err())
		}
	}
}

// Eval runs the SetEval hook or answers permission queries.
func (p *Page) Eval(_ context.Context, js string, args ...any) (gson.JSON, error) {
	d := p.driver
	d.mu.Lock()
	fn := d.evalFunc
	closed := p.closedLocked()
	perms := p.owner.opts.Permissions
	d.mu.Unlock()

	if closed {
		return gson.New(nil), browser.ErrClosed
	}
	if fn != nil {
		return fn(p, js, args)
	}
	if len(args) == 1 {
		if name, ok := args[0].(string); ok {
			for _, granted := range perms {
				if granted == name {
					return gson.New(true), nil
				}
			}
			return gson.New(false), nil
		}
	}
	return gson.New(nil), nil
}

// Screenshot returns a solid PNG of the page.
func (p *Page) Screenshot(_ context.Context, _ bool) ([]byte, error) {
	if p.Closed() {
		return nil, browser.ErrClosed
	}
	return solidPNG(64, 36, color.RGBA{R: 20, G: 20, B: 20, A: 255})
}

// Elements evaluates the simulated DOM for selector.
func (p *Page) Elements(_ context.Context, selector string) ([]browser.Element, error) {
	d := p.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.closedLocked() {
		return nil, browser.ErrClosed
	}
	if p.url == "" || selector == "" {
		return nil, nil
	}

	now := time.Now()
	l := d.app.Layout
	var out []browser.Element

	switch selector {
	case l.LeaveButton:
		if p.joined {
			out = append(out, &Element{visible: true, text: "Leave"})
		}
		return out, nil
	case l.JoinButton:
		return []browser.Element{&Element{visible: !p.joined, text: "Join"}}, nil
	case l.SuccessAlert:
		if p.joined {
			out = append(out, &Element{visible: true, text: SuccessText})
		}
		return out, nil
	case l.LocalWrapper:
		if p.localPresentLocked(now) {
			out = append(out, &Element{visible: true, attrs: map[string]string{"id": "local-player", "data-uid": p.uid}})
		}
		return out, nil
	case l.LocalVideo:
		if p.localPresentLocked(now) {
			out = append(out, &Element{
				visible: true,
				state:   p.localStateLocked(now),
				shot:    color.RGBA{R: 200, A: 255},
			})
		}
		return out, nil
	case l.VideoGrid:
		return []browser.Element{&Element{visible: true, shot: color.RGBA{G: 200, A: 255}}}, nil
	}

	remotes := p.remotesLocked()
	switch selector {
	case l.RemoteWrappers:
		for _, r := range remotes {
			out = append(out, &Element{visible: true, attrs: map[string]string{"id": "player-wrapper-" + r.uid}})
		}
		return out, nil
	case l.RemoteVideo:
		for _, r := range remotes {
			out = append(out, p.remoteElementLocked(r, now))
		}
		return out, nil
	}
	if l.RemoteVideoFormat != "" {
		for _, r := range remotes {
			if selector == fmt.Sprintf(l.RemoteVideoFormat, r.uid) {
				return []browser.Element{p.remoteElementLocked(r, now)}, nil
			}
		}
	}
	return nil, nil
}

func (p *Page) localPresentLocked(now time.Time) bool {
	if p.joined {
		return true
	}
	return !p.leftAt.IsZero() && now.Sub(p.leftAt) < p.driver.app.LeaveDelay
}

func (p *Page) localStateLocked(now time.Time) browser.VideoState {
	s := browser.VideoState{ID: "video_local_" + p.uid, Visible: true, Paused: false}
	if p.driver.faults.NoLocalVideo {
		return s
	}
	if now.Sub(p.joinedAt) >= p.driver.app.LocalActivation {
		s.ReadyState, s.Width, s.Height = 4, 176, 144
	} else {
		s.ReadyState = 1
	}
	return s
}

func (p *Page) remotesLocked() []*Page {
	var out []*Page
	if !p.joined {
		return out
	}
	for _, other := range p.driver.pages {
		if other == p || other.closedLocked() || !other.joined || other.channel != p.channel {
			continue
		}
		out = append(out, other)
	}
	return out
}

func (p *Page) remoteElementLocked(r *Page, now time.Time) *Element {
	since := p.joinedAt
	if r.joinedAt.After(since) {
		since = r.joinedAt
	}
	s := browser.VideoState{ID: "video_remote_" + r.uid, Visible: true}
	if now.Sub(since) >= p.driver.app.RemoteActivation {
		s.ReadyState, s.Width, s.Height = 4, 176, 144
	}
	return &Element{visible: true, state: s, shot: color.RGBA{B: 200, A: 255}}
}

// Element is a snapshot of a simulated DOM node.
type Element struct {
	visible bool
	text    string
	attrs   map[string]string
	state   browser.VideoState
	shot    color.RGBA
}

func (e *Element) Visible(context.Context) (bool, error) { return e.visible, nil }

func (e *Element) Text(context.Context) (string, error) { return e.text, nil }

func (e *Element) Attribute(_ context.Context, name string) (string, bool, error) {
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *Element) VideoState(context.Context) (browser.VideoState, error) {
	if e.state.ID == "" {
		return browser.VideoState{}, errors.New("not a video element")
	}
	return e.state, nil
}

func (e *Element) Screenshot(context.Context) ([]byte, error) {
	return solidPNG(32, 18, e.shot)
}

func solidPNG(w, h int, c color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
