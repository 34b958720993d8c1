package load

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thesyncim/callharness/pkg/callharness/session"
)

// Flow is the scenario one virtual user runs. vu is 1-based.
type Flow func(ctx context.Context, vu int) error

// JoinLeave joins a call, checks the alert and local video, holds, then
// leaves and checks the local video is gone.
type JoinLeave struct {
	Manager  *session.Manager
	Call     *session.Call
	Counters *Counters
	// ReportsDir receives error-<uid>.png screenshots. Empty disables them.
	ReportsDir string
	// Hold is how long the user stays in the call.
	Hold   time.Duration
	Logger zerolog.Logger
}

// NewJoinLeave builds the flow for call.
func NewJoinLeave(m *session.Manager, call *session.Call, counters *Counters) *JoinLeave {
	return &JoinLeave{
		Manager:  m,
		Call:     call,
		Counters: counters,
		Logger:   log.Logger.With().Str("module", "load").Logger(),
	}
}

// Run implements Flow.
func (f *JoinLeave) Run(ctx context.Context, vu int) error {
	user := f.Manager.CreateUsers(1, "")[0]
	user.DisplayName = fmt.Sprintf("test-user-%d", vu)
	logger := f.Logger.With().Int("vu", vu).Stringer("user", user).Logger()

	sess, err := f.Call.AddUser(ctx, user, session.SkipJoinVerification())
	if err != nil {
		f.Counters.Inc(MetricError)
		logger.Error().Err(err).Msg("Join failed")
		return err
	}
	defer func() {
		if err := f.Call.RemoveUser(context.WithoutCancel(ctx), user.ID); err != nil {
			logger.Warn().Err(err).Msg("Release failed")
		}
	}()

	if err := f.steps(ctx, sess); err != nil {
		f.Counters.Inc(MetricError)
		logger.Error().Err(err).Msg("Flow failed")
		f.screenshot(ctx, sess, logger)
		return err
	}
	return nil
}

func (f *JoinLeave) steps(ctx context.Context, sess *session.UserSession) error {
	p := sess.UI
	if err := p.ExpectSuccessAlert(ctx); err != nil {
		return fmt.Errorf("join not confirmed: %w", err)
	}
	f.Counters.Inc(MetricJoined)

	if err := p.ExpectLocalVideoCount(ctx, 1, 0); err != nil {
		return fmt.Errorf("local video: %w", err)
	}
	f.Counters.Inc(MetricLocalVideo)

	if f.Hold > 0 {
		t := time.NewTimer(f.Hold)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if err := p.Leave(ctx); err != nil {
		return err
	}
	return p.ExpectNoLocalVideo(ctx, 0)
}

func (f *JoinLeave) screenshot(ctx context.Context, sess *session.UserSession, logger zerolog.Logger) {
	if f.ReportsDir == "" || sess.Page.Closed() {
		return
	}
	shot, err := sess.Page.Screenshot(context.WithoutCancel(ctx), true)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to capture error screenshot")
		return
	}
	path := filepath.Join(f.ReportsDir, fmt.Sprintf("error-%d.png", sess.User.ID))
	if err := os.MkdirAll(f.ReportsDir, 0o755); err == nil {
		err = os.WriteFile(path, shot, 0o644)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to save error screenshot")
		return
	}
	logger.Info().Str("path", path).Msg("Saved error screenshot")
}
