package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/randutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thesyncim/callharness/pkg/callharness/browser"
	"github.com/thesyncim/callharness/pkg/callharness/health"
	"github.com/thesyncim/callharness/pkg/callharness/ui"
)

// Generated user ids are drawn from this inclusive range.
const (
	MinUserID = 10000
	MaxUserID = 99999
)

// Timeouts bound the verification steps the manager runs around the UI.
type Timeouts struct {
	LocalVideo   time.Duration // local video playing after join (default: 15s)
	NoLocalVideo time.Duration // local video gone after leave (default: 10s)
}

// DefaultTimeouts returns the default verification timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{LocalVideo: 15 * time.Second, NoLocalVideo: 10 * time.Second}
}

// Manager creates calls and users and tears everything down at the end of a
// test. It can be reused after Cleanup.
type Manager struct {
	driver    browser.Driver
	config    CallConfig
	factory   ui.Factory
	health    *health.Registry
	pool      []string
	rng       randutil.MathRandomGenerator
	timeouts  Timeouts
	uniqueIDs bool
	logger    zerolog.Logger

	mu     sync.Mutex
	calls  []*Call
	issued map[UserID]struct{}
}

// Option configures a Manager.
type Option func(*Manager) error

// WithMediaPool sets the fake camera files users draw from.
func WithMediaPool(pool []string) Option {
	return func(m *Manager) error {
		m.pool = append([]string(nil), pool...)
		return nil
	}
}

// WithParticipantFactory sets how the UI adapter is built for each page.
func WithParticipantFactory(f ui.Factory) Option {
	return func(m *Manager) error {
		if f == nil {
			return errors.New("participant factory must not be nil")
		}
		m.factory = f
		return nil
	}
}

// WithHealthChecks runs r on every page before joining.
func WithHealthChecks(r *health.Registry) Option {
	return func(m *Manager) error {
		m.health = r
		return nil
	}
}

// WithTimeouts overrides verification timeouts. Zero fields keep defaults.
func WithTimeouts(t Timeouts) Option {
	return func(m *Manager) error {
		if t.LocalVideo > 0 {
			m.timeouts.LocalVideo = t.LocalVideo
		}
		if t.NoLocalVideo > 0 {
			m.timeouts.NoLocalVideo = t.NoLocalVideo
		}
		return nil
	}
}

// WithRandom sets the generator used for ids and media draws.
func WithRandom(r randutil.MathRandomGenerator) Option {
	return func(m *Manager) error {
		m.rng = r
		return nil
	}
}

// WithUniqueUserIDs makes CreateUsers never hand out the same id twice
// until Cleanup.
func WithUniqueUserIDs() Option {
	return func(m *Manager) error {
		m.uniqueIDs = true
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) error {
		m.logger = l
		return nil
	}
}

// NewManager creates a manager whose calls use cfg unless overridden.
func NewManager(driver browser.Driver, cfg CallConfig, opts ...Option) (*Manager, error) {
	if driver == nil {
		return nil, ErrNoDriver
	}
	m := &Manager{
		driver:   driver,
		config:   cfg,
		rng:      randutil.NewMathRandomGenerator(),
		timeouts: DefaultTimeouts(),
		logger:   log.Logger,
		issued:   make(map[UserID]struct{}),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.factory == nil {
		f, err := ui.NewFactory(ui.WithLogger(m.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to build default participant factory: %w", err)
		}
		m.factory = f
	}
	m.logger = m.logger.With().Str("module", "session").Logger()
	return m, nil
}

// Config returns the default call config.
func (m *Manager) Config() CallConfig { return m.config }

// NewCall registers a call using the default config, or override[0].
func (m *Manager) NewCall(override ...CallConfig) *Call {
	cfg := m.config
	if len(override) > 0 {
		cfg = override[0]
	}
	c := newCall(m, cfg)

	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()

	m.logger.Debug().Stringer("config", cfg).Msg("Call created")
	return c
}

// Calls returns the registered calls.
func (m *Manager) Calls() []*Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Call(nil), m.calls...)
}

// CreateUsers returns count users named prefix1..prefixN with random ids in
// [MinUserID, MaxUserID]. Each gets its own media draw when a pool is set.
func (m *Manager) CreateUsers(count int, prefix string) []User {
	if count <= 0 {
		return []User{}
	}
	if prefix == "" {
		prefix = "User"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]User, 0, count)
	for i := 1; i <= count; i++ {
		users = append(users, User{
			ID:          m.nextIDLocked(),
			DisplayName: fmt.Sprintf("%s%d", prefix, i),
			MediaSource: m.drawMedia(),
		})
	}
	return users
}

func (m *Manager) nextIDLocked() UserID {
	const span = MaxUserID - MinUserID + 1
	id := UserID(MinUserID + m.rng.Intn(span))
	if !m.uniqueIDs {
		return id
	}
	if len(m.issued) >= span {
		m.logger.Warn().Msg("User id space exhausted, ids will repeat")
		return id
	}
	for {
		if _, taken := m.issued[id]; !taken {
			m.issued[id] = struct{}{}
			return id
		}
		id = UserID(MinUserID + m.rng.Intn(span))
	}
}

// drawMedia picks a pool entry uniformly, or "" without a pool.
func (m *Manager) drawMedia() string {
	if len(m.pool) == 0 {
		return ""
	}
	return m.pool[m.rng.Intn(len(m.pool))]
}

// Cleanup cleans every call, keeps going past failures and leaves the
// manager empty.
func (m *Manager) Cleanup(ctx context.Context) []*ReleaseError {
	m.mu.Lock()
	calls := m.calls
	m.calls = nil
	m.issued = make(map[UserID]struct{})
	m.mu.Unlock()

	var errs []*ReleaseError
	for _, c := range calls {
		callErrs := c.Cleanup(ctx)
		if len(callErrs) > 0 {
			m.logger.Warn().Stringer("config", c.Config()).Int("errors", len(callErrs)).Msg("Call cleanup had errors")
		}
		errs = append(errs, callErrs...)
	}
	m.logger.Info().Int("calls", len(calls)).Int("errors", len(errs)).Msg("Cleanup finished")
	return errs
}
