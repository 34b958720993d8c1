//go:build e2e

package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/callharness/pkg/callharness/browser"
	"github.com/thesyncim/callharness/pkg/callharness/session"
	"github.com/thesyncim/callharness/pkg/callharness/snapshot"
	"github.com/thesyncim/callharness/pkg/callharness/ui"
)

func TestCall_SingleUserJoins(t *testing.T) {
	h := newHarness(t)
	ctx := h.deadline(2 * time.Minute)
	call := h.manager.NewCall()

	bob, err := call.AddUser(ctx, session.User{ID: 10101, DisplayName: "Bob"})
	require.NoError(t, err)

	require.NoError(t, bob.UI.ExpectSuccessAlert(ctx))
	require.NoError(t, bob.UI.ExpectLocalVideoCount(ctx, 1, 0))

	ids, err := bob.UI.ActiveLocalParticipantIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10101"}, ids)

	if h.srv != nil {
		assert.Equal(t, []string{"10101"}, h.srv.Roster().Members(h.config.Channel))
	}
}

func TestCall_TwoUsersSeeEachOther(t *testing.T) {
	h := newHarness(t)
	ctx := h.deadline(2 * time.Minute)
	call := h.manager.NewCall()

	alice, err := call.AddUser(ctx, session.User{ID: 20202, DisplayName: "Alice"})
	require.NoError(t, err)
	bob, err := call.AddUser(ctx, session.User{ID: 10101, DisplayName: "Bob"})
	require.NoError(t, err)

	require.NoError(t, alice.UI.ExpectRemoteVideoCount(ctx, 1, 0))
	require.NoError(t, alice.UI.ExpectRemoteParticipantVideo(ctx, "10101", true, 0))
	remotes, err := alice.UI.ActiveRemoteParticipantIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10101"}, remotes)

	require.NoError(t, call.RemoveUser(ctx, bob.User.ID))
	require.NoError(t, alice.UI.ExpectRemoteVideoCount(ctx, 0, 0))
	require.NoError(t, alice.UI.ExpectNoRemoteVideo(ctx, 0))
	assert.Len(t, call.Users(), 1)
}

func TestCall_ThirdUserSeesBothPrior(t *testing.T) {
	h := newHarness(t)
	ctx := h.deadline(3 * time.Minute)
	call := h.manager.NewCall()

	sessions := h.addUsers(ctx, call, 3)
	third := sessions[2]

	require.NoError(t, third.UI.ExpectRemoteVideoCount(ctx, 2, 0))
	remotes, err := third.UI.ActiveRemoteParticipantIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{uid(sessions[0]), uid(sessions[1])}, remotes)
}

func TestCall_InvalidCredentialsNeverShowVideo(t *testing.T) {
	h := newHarness(t)
	ctx := h.deadline(2 * time.Minute)
	call := h.manager.NewCall(session.CallConfig{AppID: "invalid", Token: "invalid", Channel: "invalid"})

	user := h.manager.CreateUsers(1, "")[0]
	_, err := call.AddUser(ctx, user)
	var addErr *session.AddUserError
	require.ErrorAs(t, err, &addErr)
	assert.Equal(t, "invalid", addErr.Config.Channel)
	assert.Zero(t, call.Len())

	s, err := call.AddUser(ctx, user, session.SkipJoinVerification())
	require.NoError(t, err)
	require.NoError(t, s.UI.ExpectNoLocalVideo(ctx, 0))
	require.Error(t, s.UI.ExpectLocalVideoCount(ctx, 1, 3*time.Second))
}

func TestCall_LeaveTwiceAndRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := h.deadline(3 * time.Minute)
	call := h.manager.NewCall()

	sessions := h.addUsers(ctx, call, 2)
	first := sessions[0]

	require.NoError(t, first.UI.Leave(ctx))
	require.NoError(t, first.UI.Leave(ctx), "second leave is a no-op")
	require.NoError(t, first.UI.ExpectNoLocalVideo(ctx, 0))

	for _, s := range sessions {
		require.NoError(t, call.RemoveUser(ctx, s.User.ID))
	}
	assert.Empty(t, call.Users())
	if h.srv != nil {
		assert.Eventually(t, func() bool {
			return len(h.srv.Roster().Members(h.config.Channel)) == 0
		}, 10*time.Second, 100*time.Millisecond)
	}
}

func TestCall_GridSnapshot(t *testing.T) {
	h := newHarness(t, ui.WithMarkup(ui.GridMarkup()))
	ctx := h.deadline(2 * time.Minute)
	call := h.manager.NewCall()

	s := h.addUsers(ctx, call, 1)[0]

	err := s.UI.CaptureGridSnapshot(ctx, "single")
	require.True(t, errors.Is(err, snapshot.ErrBaselineCreated), "first capture writes the baseline: %v", err)
	assert.FileExists(t, h.store.Path("video-grid-single"))

	require.NoError(t, s.UI.CaptureGridSnapshot(ctx, "single"))
}

func TestCall_ReleaseAfterCallerContextCancelled(t *testing.T) {
	h := newHarness(t)
	call := h.manager.NewCall()

	joinCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	s := h.addUsers(joinCtx, call, 1)[0]
	cancel()

	ctx := h.deadline(time.Minute)
	require.NoError(t, s.UI.ExpectLocalVideoCount(ctx, 1, 0))
	assert.Empty(t, call.Cleanup(ctx))
}

func TestRodDriver_ContextClosesAfterCreatingContextEnds(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	bctx, err := h.driver.NewContext(ctx, browser.DefaultContextOptions())
	require.NoError(t, err)
	cancel()

	page, err := bctx.NewPage(h.deadline(30 * time.Second))
	require.NoError(t, err)
	require.NoError(t, page.Navigate(h.deadline(30*time.Second), h.baseURL))
	assert.NoError(t, bctx.Close())
	assert.True(t, page.Closed())
}
