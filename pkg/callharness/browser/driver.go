// Package browser defines the browser automation capability the harness
// consumes, and a Rod implementation of it.
//
// The orchestration layer only talks to the interfaces in this file, so tests
// can swap in the in-memory double from browsertest.
package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/ysmood/gson"
)

// ErrClosed is returned by operations on a page or context that was closed.
var ErrClosed = errors.New("browser: target closed")

// Permission names granted to a context.
const (
	PermissionCamera     = "camera"
	PermissionMicrophone = "microphone"
)

// Viewport is the emulated page size.
type Viewport struct {
	Width  int
	Height int
}

// ContextOptions configures an isolated browsing context.
type ContextOptions struct {
	Permissions []string
	Viewport    Viewport

	// MediaSource is the file Chrome plays as the fake camera. Empty means
	// the built-in fake pattern.
	MediaSource string
}

// DefaultContextOptions mirrors what every participant gets: camera and
// microphone granted and a 1280x720 viewport.
func DefaultContextOptions() ContextOptions {
	return ContextOptions{
		Permissions: []string{PermissionCamera, PermissionMicrophone},
		Viewport:    Viewport{Width: 1280, Height: 720},
	}
}

// Driver creates isolated browsing contexts. ctx bounds creation only; the
// returned Context stays usable and closable after ctx ends.
type Driver interface {
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	Close() error
}

// Context is one isolated browsing context (cookies, storage, permissions).
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// ResponseMatch selects a network response by request method and URL substring.
type ResponseMatch struct {
	Method      string
	URLContains string
}

func (m ResponseMatch) String() string {
	return fmt.Sprintf("%s *%s*", m.Method, m.URLContains)
}

// Response is the subset of a network response the harness inspects.
type Response struct {
	URL    string
	Method string
	Status int
}

// Page is one tab inside a Context.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error

	// Elements returns the elements currently matching selector without
	// waiting. An empty slice is not an error.
	Elements(ctx context.Context, selector string) ([]Element, error)

	// Eval runs js (a function expression) in page context with args.
	Eval(ctx context.Context, js string, args ...any) (gson.JSON, error)

	// WaitResponse starts listening for a matching response and returns a
	// function that blocks until it arrives or ctx is done. Call it before
	// triggering the action that issues the request.
	WaitResponse(ctx context.Context, match ResponseMatch) func() (*Response, error)

	// Screenshot captures the viewport, or the whole document if fullPage.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	Closed() bool
	Close() error
}

// VideoState is a snapshot of an HTMLVideoElement.
type VideoState struct {
	ID         string `json:"id"`
	Visible    bool   `json:"visible"`
	ReadyState int    `json:"readyState"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Paused     bool   `json:"paused"`
}

func (s VideoState) String() string {
	return fmt.Sprintf("%s visible=%t readyState=%d size=%dx%d paused=%t",
		s.ID, s.Visible, s.ReadyState, s.Width, s.Height, s.Paused)
}

// Element is a handle to one DOM node.
type Element interface {
	Visible(ctx context.Context) (bool, error)
	Text(ctx context.Context) (string, error)

	// Attribute returns the attribute value and whether it is present.
	Attribute(ctx context.Context, name string) (string, bool, error)

	VideoState(ctx context.Context) (VideoState, error)

	// Screenshot captures the element's box as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
}
