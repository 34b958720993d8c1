package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/callharness/pkg/callharness/browser/browsertest"
	"github.com/thesyncim/callharness/pkg/callharness/ui"
)

var testConfig = CallConfig{AppID: "X", Token: "Y", Channel: "Z"}

func testLayout() browsertest.Layout {
	m := ui.BasicMarkup()
	return browsertest.Layout{
		AppIDInput:        m.AppIDInput,
		TokenInput:        m.TokenInput,
		ChannelInput:      m.ChannelInput,
		UserIDInput:       m.UserIDInput,
		JoinButton:        m.JoinButton,
		LeaveButton:       m.LeaveButton,
		SuccessAlert:      m.SuccessAlert,
		LocalWrapper:      m.LocalWrapper,
		LocalVideo:        m.LocalVideo,
		RemoteWrappers:    m.RemoteWrappers,
		RemoteVideo:       m.RemoteVideo,
		RemoteVideoFormat: m.RemoteVideoFormat,
		VideoGrid:         m.VideoGrid,
	}
}

// fastTimeouts keeps failing assertions short.
var fastTimeouts = ui.Timeouts{
	Join:    500 * time.Millisecond,
	Leave:   500 * time.Millisecond,
	Present: 500 * time.Millisecond,
	Absent:  500 * time.Millisecond,
}

func newTestManager(t *testing.T, app browsertest.App, opts ...Option) (*Manager, *browsertest.Driver) {
	t.Helper()
	app.Layout = testLayout()
	driver := browsertest.NewDriver(app)
	logger := zerolog.New(zerolog.NewTestWriter(t))

	factory, err := ui.NewFactory(
		ui.WithBaseURL("http://callsim.test"),
		ui.WithIntervals(10*time.Millisecond, 20*time.Millisecond),
		ui.WithTimeouts(fastTimeouts),
		ui.WithLogger(logger),
	)
	require.NoError(t, err)

	base := []Option{
		WithParticipantFactory(factory),
		WithLogger(logger),
		WithTimeouts(Timeouts{LocalVideo: 500 * time.Millisecond, NoLocalVideo: 500 * time.Millisecond}),
	}
	m, err := NewManager(driver, testConfig, append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Cleanup(context.Background())
		require.Zero(t, driver.OpenContexts(), "browser contexts leaked")
	})
	return m, driver
}
