// Package ui drives the call-entry page of the demo app for one participant
// and exposes polling assertions over the rendered video elements.
package ui

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thesyncim/callharness/pkg/callharness/browser"
)

// JoinParams are the values typed into the join form. UserID is left blank
// when empty so the app assigns one.
type JoinParams struct {
	AppID   string
	Token   string
	Channel string
	UserID  string
}

// Participant is the UI surface of one call participant.
type Participant interface {
	Join(ctx context.Context, p JoinParams) error
	Leave(ctx context.Context) error
	ExpectSuccessAlert(ctx context.Context) error

	IsVideoElementActive(ctx context.Context, el browser.Element) (bool, browser.VideoState, error)

	ExpectLocalVideoCount(ctx context.Context, n int, timeout time.Duration) error
	ExpectRemoteVideoCount(ctx context.Context, n int, timeout time.Duration) error
	ExpectNoLocalVideo(ctx context.Context, timeout time.Duration) error
	ExpectNoRemoteVideo(ctx context.Context, timeout time.Duration) error
	ExpectRemoteParticipantVideo(ctx context.Context, id string, present bool, timeout time.Duration) error

	ActiveRemoteParticipantIDs(ctx context.Context) ([]string, error)
	ActiveLocalParticipantIDs(ctx context.Context) ([]string, error)

	CaptureGridSnapshot(ctx context.Context, label string) error
}

// Factory builds the Participant for a freshly opened page.
type Factory func(page browser.Page) Participant

// SnapshotComparer compares PNG bytes against a named baseline.
type SnapshotComparer interface {
	Compare(name string, png []byte) error
}

// Timeouts bound each UI operation. Zero fields take the defaults.
type Timeouts struct {
	Join    time.Duration // ack wait after clicking join (default: 30s)
	Leave   time.Duration // local video teardown after leave (default: 10s)
	Present time.Duration // presence assertions and alerts (default: 15s)
	Absent  time.Duration // absence assertions (default: 10s)
}

// DefaultTimeouts returns the timeouts used by CallPage.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Join:    30 * time.Second,
		Leave:   10 * time.Second,
		Present: 15 * time.Second,
		Absent:  10 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Join <= 0 {
		t.Join = d.Join
	}
	if t.Leave <= 0 {
		t.Leave = d.Leave
	}
	if t.Present <= 0 {
		t.Present = d.Present
	}
	if t.Absent <= 0 {
		t.Absent = d.Absent
	}
	return t
}

// DefaultAck matches the request the demo app sends once the SDK has joined.
var DefaultAck = browser.ResponseMatch{Method: "POST", URLContains: "/api/v2/transpond/webrtc"}

type settings struct {
	baseURL   string
	markup    Markup
	minReady  int
	ack       browser.ResponseMatch
	timeouts  Timeouts
	intervals []time.Duration
	snapshots SnapshotComparer
	logger    zerolog.Logger
}

// Option configures a CallPage.
type Option func(*settings) error

// WithBaseURL sets the app origin, e.g. http://localhost:8080.
func WithBaseURL(u string) Option {
	return func(s *settings) error {
		if u == "" {
			return errors.New("base URL must not be empty")
		}
		s.baseURL = strings.TrimRight(u, "/")
		return nil
	}
}

// WithMarkup selects the page version. It also resets MinReadyState to the
// markup's own value unless WithMinReadyState is applied afterwards.
func WithMarkup(m Markup) Option {
	return func(s *settings) error {
		if m.JoinButton == "" || m.LocalVideo == "" {
			return errors.New("markup is missing selectors")
		}
		s.markup = m
		s.minReady = m.MinReadyState
		return nil
	}
}

// WithMinReadyState overrides the readyState a video must reach to count as
// playing.
func WithMinReadyState(n int) Option {
	return func(s *settings) error {
		if n < 0 || n > HaveEnoughData {
			return errors.New("min ready state must be between 0 and 4")
		}
		s.minReady = n
		return nil
	}
}

// WithAck sets the response that confirms a join.
func WithAck(m browser.ResponseMatch) Option {
	return func(s *settings) error {
		if m.URLContains == "" {
			return errors.New("ack URL must not be empty")
		}
		s.ack = m
		return nil
	}
}

// WithTimeouts overrides operation timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *settings) error {
		s.timeouts = t.withDefaults()
		return nil
	}
}

// WithIntervals sets the retry schedule of every polling assertion.
func WithIntervals(intervals ...time.Duration) Option {
	return func(s *settings) error {
		for _, d := range intervals {
			if d <= 0 {
				return errors.New("intervals must be positive")
			}
		}
		s.intervals = intervals
		return nil
	}
}

// WithSnapshots enables CaptureGridSnapshot.
func WithSnapshots(c SnapshotComparer) Option {
	return func(s *settings) error {
		s.snapshots = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) error {
		s.logger = l
		return nil
	}
}

func newSettings(opts []Option) (*settings, error) {
	s := &settings{
		baseURL:  "http://localhost:8080",
		markup:   BasicMarkup(),
		ack:      DefaultAck,
		timeouts: DefaultTimeouts(),
		logger:   log.Logger,
	}
	s.minReady = s.markup.MinReadyState
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With().Str("module", "ui").Logger()
	return s, nil
}

// NewFactory validates opts once and returns a Factory producing CallPages
// that share them.
func NewFactory(opts ...Option) (Factory, error) {
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	return func(page browser.Page) Participant {
		return &CallPage{page: page, s: s}
	}, nil
}

// NewCallPage wraps page.
func NewCallPage(page browser.Page, opts ...Option) (*CallPage, error) {
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	return &CallPage{page: page, s: s}, nil
}
