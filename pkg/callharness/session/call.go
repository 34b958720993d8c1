package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/callharness/pkg/callharness/browser"
	"github.com/thesyncim/callharness/pkg/callharness/poll"
	"github.com/thesyncim/callharness/pkg/callharness/ui"
)

type participantState int

const (
	stateJoining participantState = iota + 1
	stateJoined
	stateLeaving
)

func (s participantState) String() string {
	switch s {
	case stateJoining:
		return "joining"
	case stateJoined:
		return "joined"
	case stateLeaving:
		return "leaving"
	default:
		return "absent"
	}
}

// AddOption tunes a single AddUser.
type AddOption func(*addOptions)

type addOptions struct {
	skipVerify bool
}

// SkipJoinVerification registers the user as soon as the join is
// acknowledged, without waiting for the success alert or local video. Used
// for scenarios that expect the join to be rejected.
func SkipJoinVerification() AddOption {
	return func(o *addOptions) { o.skipVerify = true }
}

// Call is one shared call. Its membership holds the participants that
// completed join and have not left, in join order. Methods are safe for
// concurrent use; no lock is held while the browser is driven.
type Call struct {
	m      *Manager
	config CallConfig
	logger zerolog.Logger

	mu       sync.Mutex
	sessions []*UserSession
	states   map[UserID]participantState
}

func newCall(m *Manager, cfg CallConfig) *Call {
	return &Call{
		m:      m,
		config: cfg,
		logger: m.logger.With().Str("channel", cfg.Channel).Logger(),
		states: make(map[UserID]participantState),
	}
}

// Config returns the call's config.
func (c *Call) Config() CallConfig { return c.config }

// Users returns the joined sessions in join order.
func (c *Call) Users() []*UserSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*UserSession(nil), c.sessions...)
}

// User returns the joined session for id.
func (c *Call) User(id UserID) (*UserSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.User.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Len is the number of joined participants.
func (c *Call) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// AddUser opens a browser context for user, joins the call and waits until
// the local video plays. On failure every resource opened for the user is
// released and an *AddUserError is returned.
func (c *Call) AddUser(ctx context.Context, user User, opts ...AddOption) (*UserSession, error) {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	fail := func(err error) (*UserSession, error) {
		return nil, &AddUserError{User: user, Config: c.config, Err: err}
	}

	c.mu.Lock()
	if st, ok := c.states[user.ID]; ok {
		c.mu.Unlock()
		return fail(fmt.Errorf("%w: id %d is %s", ErrDuplicateUser, user.ID, st))
	}
	c.states[user.ID] = stateJoining
	c.mu.Unlock()

	logger := c.logger.With().Stringer("user", user).Logger()
	logger.Info().Msg("Adding user")

	sess, err := c.open(ctx, user, o, logger)
	if err != nil {
		c.mu.Lock()
		delete(c.states, user.ID)
		c.mu.Unlock()
		logger.Error().Err(err).Msg("Failed to add user")
		return fail(err)
	}

	c.mu.Lock()
	c.states[user.ID] = stateJoined
	c.sessions = append(c.sessions, sess)
	c.mu.Unlock()

	logger.Info().Msg("User joined")
	return sess, nil
}

func (c *Call) open(ctx context.Context, user User, o addOptions, logger zerolog.Logger) (*UserSession, error) {
	m := c.m

	copts := browser.DefaultContextOptions()
	copts.MediaSource = user.MediaSource
	if copts.MediaSource == "" {
		copts.MediaSource = m.drawMedia()
	}

	bctx, err := m.driver.NewContext(ctx, copts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	release := func() {
		if err := bctx.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close browser context after failed join")
		}
	}

	page, err := bctx.NewPage(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	if m.health != nil {
		if err := m.health.Run(ctx, page); err != nil {
			release()
			return nil, err
		}
	}

	p := m.factory(page)
	err = p.Join(ctx, ui.JoinParams{
		AppID:   c.config.AppID,
		Token:   c.config.Token,
		Channel: c.config.Channel,
		UserID:  user.ID.String(),
	})
	if err == nil && !o.skipVerify {
		err = c.verifyJoined(ctx, user, p)
	}
	if err != nil {
		release()
		return nil, err
	}

	return &UserSession{User: user, Context: bctx, Page: page, UI: p, JoinedAt: time.Now()}, nil
}

func (c *Call) verifyJoined(ctx context.Context, user User, p ui.Participant) error {
	if err := p.ExpectSuccessAlert(ctx); err != nil {
		return fmt.Errorf("join not confirmed: %w", err)
	}
	timeout := c.m.timeouts.LocalVideo
	if err := p.ExpectLocalVideoCount(ctx, 1, timeout); err != nil {
		var te *poll.TimeoutError
		if errors.As(err, &te) {
			return &ui.JoinTimeoutError{ParticipantID: user.ID.String(), Timeout: timeout, Err: err}
		}
		return err
	}
	return nil
}

// RemoveUser leaves the call for id and closes its browser context. Unknown
// or already-leaving ids are a no-op. Only the context close error is
// returned; leave problems are logged.
func (c *Call) RemoveUser(ctx context.Context, id UserID) error {
	c.mu.Lock()
	var sess *UserSession
	for _, s := range c.sessions {
		if s.User.ID == id {
			sess = s
			break
		}
	}
	if sess == nil || c.states[id] != stateJoined {
		c.mu.Unlock()
		c.logger.Debug().Int("uid", int(id)).Msg("RemoveUser: user not in call")
		return nil
	}
	// Out of membership before release so a concurrent Cleanup skips it.
	c.states[id] = stateLeaving
	for i, s := range c.sessions {
		if s == sess {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	err := c.release(ctx, sess)

	c.mu.Lock()
	delete(c.states, id)
	c.mu.Unlock()

	if err != nil {
		return &ReleaseError{User: sess.User, Err: err}
	}
	return nil
}

// Cleanup releases every session and empties the call. Release failures are
// logged and returned individually; one failure never stops the rest.
func (c *Call) Cleanup(ctx context.Context) []*ReleaseError {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	for _, s := range sessions {
		c.states[s.User.ID] = stateLeaving
	}
	c.mu.Unlock()

	var errs []*ReleaseError
	for _, s := range sessions {
		if err := c.release(ctx, s); err != nil {
			c.logger.Error().Err(err).Stringer("user", s.User).Msg("Failed to release session")
			errs = append(errs, &ReleaseError{User: s.User, Err: err})
		}
	}

	c.mu.Lock()
	for _, s := range sessions {
		delete(c.states, s.User.ID)
	}
	c.mu.Unlock()

	c.logger.Info().Int("sessions", len(sessions)).Int("errors", len(errs)).Msg("Call cleaned up")
	return errs
}

// release leaves (best effort) and always closes the context.
func (c *Call) release(ctx context.Context, s *UserSession) error {
	logger := c.logger.With().Stringer("user", s.User).Logger()

	if !s.Page.Closed() {
		if err := s.UI.Leave(ctx); err != nil {
			logger.Warn().Err(err).Msg("Leave failed")
		} else if err := s.UI.ExpectNoLocalVideo(ctx, c.m.timeouts.NoLocalVideo); err != nil {
			logger.Warn().Err(err).Msg("Local video still shown after leave")
		}
	}

	if err := s.Context.Close(); err != nil {
		return fmt.Errorf("failed to close browser context: %w", err)
	}
	logger.Debug().Msg("Session released")
	return nil
}
