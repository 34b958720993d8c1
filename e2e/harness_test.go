//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/callharness/cmd/callsim/server"
	"github.com/thesyncim/callharness/pkg/callharness/browser"
	"github.com/thesyncim/callharness/pkg/callharness/health"
	"github.com/thesyncim/callharness/pkg/callharness/session"
	"github.com/thesyncim/callharness/pkg/callharness/snapshot"
	"github.com/thesyncim/callharness/pkg/callharness/ui"
)

const (
	e2eAppID = "e2e-app"
	e2eToken = "e2e-token"
)

// harness is one test's app, browser driver and session manager.
type harness struct {
	t       *testing.T
	baseURL string
	config  session.CallConfig
	driver  *browser.RodDriver
	store   *snapshot.Store
	manager *session.Manager
	srv     *server.Server
}

// newHarness starts callsim on a random port, unless E2E_BASE_URL points at
// a deployed app, and builds a manager on a fresh channel.
func newHarness(t *testing.T, uiOpts ...ui.Option) *harness {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()

	h := &harness{t: t}
	h.config = session.CallConfig{
		AppID:   e2eAppID,
		Token:   e2eToken,
		Channel: "e2e-" + uuid.NewString()[:8],
	}
	if base := os.Getenv("E2E_BASE_URL"); base != "" {
		h.baseURL = base
		h.config.AppID = os.Getenv("AGORA_APP_ID")
		h.config.Token = os.Getenv("AGORA_TOKEN")
		if ch := os.Getenv("AGORA_CHANNEL"); ch != "" {
			h.config.Channel = ch
		}
	} else {
		cfg := server.DefaultConfig()
		cfg.AppID = e2eAppID
		cfg.Token = e2eToken
		srv, err := server.NewServer(cfg)
		require.NoError(t, err)
		_, err = srv.Start()
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				t.Errorf("server shutdown error: %v", err)
			}
		})
		h.srv = srv
		h.baseURL = srv.URL()
	}

	h.driver = browser.NewRodDriver(browser.DefaultRodConfig(), &logger)
	t.Cleanup(func() {
		if err := h.driver.Close(); err != nil {
			t.Errorf("browser close error: %v", err)
		}
	})

	h.store = snapshot.NewStore(t.TempDir())

	opts := append([]ui.Option{
		ui.WithBaseURL(h.baseURL),
		ui.WithSnapshots(h.store),
		ui.WithLogger(logger),
	}, uiOpts...)
	factory, err := ui.NewFactory(opts...)
	require.NoError(t, err)

	h.manager, err = session.NewManager(h.driver, h.config,
		session.WithParticipantFactory(factory),
		session.WithHealthChecks(health.Default()),
		session.WithUniqueUserIDs(),
		session.WithLogger(logger),
	)
	require.NoError(t, err)
	// Registered after the driver so it runs first.
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, err := range h.manager.Cleanup(ctx) {
			t.Errorf("cleanup: %v", err)
		}
	})
	return h
}

func (h *harness) deadline(timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	h.t.Cleanup(cancel)
	return ctx
}

// addUsers joins count fresh users to call and returns their sessions.
func (h *harness) addUsers(ctx context.Context, call *session.Call, count int) []*session.UserSession {
	h.t.Helper()
	var out []*session.UserSession
	for _, u := range h.manager.CreateUsers(count, "") {
		s, err := call.AddUser(ctx, u)
		require.NoError(h.t, err, "add %s", u)
		out = append(out, s)
	}
	return out
}

func uid(s *session.UserSession) string { return fmt.Sprint(s.User.ID) }
