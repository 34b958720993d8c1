package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/callharness/pkg/callharness/browser"
	"github.com/thesyncim/callharness/pkg/callharness/browser/browsertest"
	"github.com/thesyncim/callharness/pkg/callharness/health"
	"github.com/thesyncim/callharness/pkg/callharness/poll"
	"github.com/thesyncim/callharness/pkg/callharness/ui"
)

var (
	bob    = User{ID: 10101, DisplayName: "Bob"}
	alice  = User{ID: 20202, DisplayName: "Alice"}
	claire = User{ID: 30303, DisplayName: "Claire"}
)

func TestCall_SingleUserJoins(t *testing.T) {
	m, _ := newTestManager(t, browsertest.App{})
	ctx := context.Background()
	call := m.NewCall()

	s, err := call.AddUser(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, bob, s.User)

	require.NoError(t, s.UI.ExpectSuccessAlert(ctx))
	require.NoError(t, s.UI.ExpectLocalVideoCount(ctx, 1, 0))
	assert.Len(t, call.Users(), 1)
}

func TestCall_UsersAreUniqueAndCounted(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		m, _ := newTestManager(t, browsertest.App{}, WithUniqueUserIDs())
		call := m.NewCall()
		for _, u := range m.CreateUsers(n, "") {
			_, err := call.AddUser(context.Background(), u)
			require.NoError(t, err)
		}

		sessions := call.Users()
		assert.Len(t, sessions, n)
		seen := map[UserID]bool{}
		for _, s := range sessions {
			assert.False(t, seen[s.User.ID], "duplicate id %d", s.User.ID)
			seen[s.User.ID] = true
		}
	}
}

func TestCall_RejectsDuplicateID(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{})
	ctx := context.Background()
	call := m.NewCall()

	_, err := call.AddUser(ctx, bob)
	require.NoError(t, err)

	_, err = call.AddUser(ctx, User{ID: bob.ID, DisplayName: "Impostor"})
	var aue *AddUserError
	require.ErrorAs(t, err, &aue)
	require.ErrorIs(t, err, ErrDuplicateUser)
	assert.Equal(t, 1, driver.ContextsCreated())
	assert.Len(t, call.Users(), 1)
}

func TestCall_TwoUsersSeeEachOther(t *testing.T) {
	m, _ := newTestManager(t, browsertest.App{RemoteActivation: 30 * time.Millisecond})
	ctx := context.Background()
	call := m.NewCall()

	a, err := call.AddUser(ctx, alice)
	require.NoError(t, err)
	_, err = call.AddUser(ctx, bob)
	require.NoError(t, err)

	require.NoError(t, a.UI.ExpectRemoteVideoCount(ctx, 1, 0))
	ids, err := a.UI.ActiveRemoteParticipantIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10101"}, ids)

	require.NoError(t, call.RemoveUser(ctx, bob.ID))
	require.NoError(t, a.UI.ExpectRemoteVideoCount(ctx, 0, 0))
	assert.Len(t, call.Users(), 1)
}

func TestCall_ThreeParticipants(t *testing.T) {
	m, _ := newTestManager(t, browsertest.App{})
	ctx := context.Background()
	call := m.NewCall()

	for _, u := range []User{alice, bob, claire} {
		_, err := call.AddUser(ctx, u)
		require.NoError(t, err)
	}

	third, ok := call.User(claire.ID)
	require.True(t, ok)
	require.NoError(t, third.UI.ExpectRemoteVideoCount(ctx, 2, 0))

	ids, err := third.UI.ActiveRemoteParticipantIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"20202", "10101"}, ids)

	order := []UserID{}
	for _, s := range call.Users() {
		order = append(order, s.User.ID)
	}
	assert.Equal(t, []UserID{alice.ID, bob.ID, claire.ID}, order)
}

func TestCall_InvalidCredentials(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{})
	ctx := context.Background()
	call := m.NewCall(CallConfig{AppID: "invalid", Token: "invalid", Channel: "invalid"})

	_, err := call.AddUser(ctx, bob)
	var aue *AddUserError
	require.ErrorAs(t, err, &aue)
	assert.Equal(t, "invalid", aue.Config.AppID)
	assert.NotContains(t, err.Error(), "Token")
	assert.Zero(t, driver.OpenContexts())
	assert.Empty(t, call.Users())

	s, err := call.AddUser(ctx, bob, SkipJoinVerification())
	require.NoError(t, err)
	require.NoError(t, s.UI.ExpectNoLocalVideo(ctx, 0))
}

func TestCall_LocalVideoTimeoutIsJoinTimeout(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{})
	driver.SetFaults(browsertest.Faults{NoLocalVideo: true})
	call := m.NewCall()

	start := time.Now()
	_, err := call.AddUser(context.Background(), bob)

	var jte *ui.JoinTimeoutError
	require.ErrorAs(t, err, &jte)
	assert.Equal(t, "10101", jte.ParticipantID)
	var te *poll.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.Zero(t, driver.OpenContexts())
}

func TestCall_UnjoinedSessionHasNoLocalVideo(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{})
	driver.SetFaults(browsertest.Faults{NoLocalVideo: true})
	ctx := context.Background()
	call := m.NewCall()

	s, err := call.AddUser(ctx, bob, SkipJoinVerification())
	require.NoError(t, err)

	err = s.UI.ExpectLocalVideoCount(ctx, 1, 100*time.Millisecond)
	var te *poll.TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestCall_PartialFailureReleasesResources(t *testing.T) {
	cases := []struct {
		name   string
		faults browsertest.Faults
	}{
		{"new page", browsertest.Faults{NewPage: errors.New("target crashed")}},
		{"navigate", browsertest.Faults{Navigate: errors.New("net::ERR_CONNECTION_REFUSED")}},
		{"no ack", browsertest.Faults{DropAck: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, driver := newTestManager(t, browsertest.App{})
			driver.SetFaults(tc.faults)
			call := m.NewCall()

			_, err := call.AddUser(context.Background(), bob)
			var aue *AddUserError
			require.ErrorAs(t, err, &aue)
			assert.Equal(t, bob, aue.User)
			assert.Zero(t, driver.OpenContexts())
			assert.Empty(t, call.Users())

			// The id is free again.
			driver.SetFaults(browsertest.Faults{})
			_, err = call.AddUser(context.Background(), bob)
			require.NoError(t, err)
		})
	}
}

func TestCall_HealthCheckFailureAbortsJoin(t *testing.T) {
	reg := health.NewRegistry().Add("always-broken", func(context.Context, browser.Page) error {
		return errors.New("no devices")
	})
	m, driver := newTestManager(t, browsertest.App{}, WithHealthChecks(reg))
	call := m.NewCall()

	_, err := call.AddUser(context.Background(), bob)
	var ce *health.CheckError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "always-broken", ce.Name)
	assert.Zero(t, driver.OpenContexts())
}

func TestCall_DefaultHealthChecksPass(t *testing.T) {
	m, _ := newTestManager(t, browsertest.App{}, WithHealthChecks(health.Default()))
	_, err := m.NewCall().AddUser(context.Background(), bob)
	require.NoError(t, err)
}

func TestCall_RoundTripReleasesEverything(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{LeaveDelay: 50 * time.Millisecond}, WithUniqueUserIDs())
	ctx := context.Background()
	call := m.NewCall()

	users := m.CreateUsers(4, "Peer")
	for _, u := range users {
		_, err := call.AddUser(ctx, u)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, driver.OpenContexts())

	for _, u := range users {
		require.NoError(t, call.RemoveUser(ctx, u.ID))
	}
	assert.Empty(t, call.Users())
	assert.Zero(t, driver.OpenContexts())
	assert.Zero(t, driver.OpenPages())
}

func TestCall_RemoveUnknownUserIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, browsertest.App{})
	call := m.NewCall()
	require.NoError(t, call.RemoveUser(context.Background(), 12345))

	_, err := call.AddUser(context.Background(), bob)
	require.NoError(t, err)
	require.NoError(t, call.RemoveUser(context.Background(), bob.ID))
	require.NoError(t, call.RemoveUser(context.Background(), bob.ID))
}

func TestCall_LeaveTwiceIsSafe(t *testing.T) {
	m, _ := newTestManager(t, browsertest.App{LeaveDelay: 30 * time.Millisecond})
	ctx := context.Background()

	s, err := m.NewCall().AddUser(ctx, bob)
	require.NoError(t, err)

	require.NoError(t, s.UI.Leave(ctx))
	require.NoError(t, s.UI.Leave(ctx))
	require.NoError(t, s.UI.ExpectNoLocalVideo(ctx, 0))
}

func TestCall_NoLocalVideoEventuallyAfterLeave(t *testing.T) {
	// The player lingers after the click; the absence assertion has to wait.
	m, _ := newTestManager(t, browsertest.App{LeaveDelay: 150 * time.Millisecond})
	ctx := context.Background()

	s, err := m.NewCall().AddUser(ctx, bob)
	require.NoError(t, err)
	require.NoError(t, s.Page.Click(ctx, ui.BasicMarkup().LeaveButton))

	els, err := s.Page.Elements(ctx, ui.BasicMarkup().LocalVideo)
	require.NoError(t, err)
	require.NotEmpty(t, els, "local video should linger right after leave")

	require.NoError(t, s.UI.ExpectNoLocalVideo(ctx, 0))
}

func TestCall_CleanupCollectsErrors(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{})
	ctx := context.Background()
	call := m.NewCall()

	for _, u := range []User{alice, bob} {
		_, err := call.AddUser(ctx, u)
		require.NoError(t, err)
	}

	boom := errors.New("devtools disconnected")
	driver.SetFaults(browsertest.Faults{CloseContext: boom})
	errs := call.Cleanup(ctx)
	driver.SetFaults(browsertest.Faults{})

	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], boom)
	assert.Equal(t, alice, errs[0].User)
	assert.Equal(t, bob, errs[1].User)
	assert.Empty(t, call.Users())
	assert.Zero(t, driver.OpenContexts())

	assert.Empty(t, call.Cleanup(ctx))
}

func TestCall_CleanupSkipsLeaveOnClosedPage(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{})
	ctx := context.Background()
	call := m.NewCall()

	s, err := call.AddUser(ctx, bob)
	require.NoError(t, err)
	require.NoError(t, s.Page.Close())

	assert.Empty(t, call.Cleanup(ctx))
	assert.Zero(t, driver.OpenContexts())
}

func TestCall_ConcurrentAdds(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{}, WithUniqueUserIDs())
	ctx := context.Background()
	call := m.NewCall()

	users := m.CreateUsers(6, "")
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u User) {
			defer wg.Done()
			_, err := call.AddUser(ctx, u)
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	assert.Len(t, call.Users(), 6)
	assert.Equal(t, 6, driver.OpenContexts())
}

func TestCall_UsesUserMediaSource(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{}, WithMediaPool([]string{"/videos/pool.y4m"}))
	ctx := context.Background()
	call := m.NewCall()

	u := PredefinedUsers("/videos")[0]
	_, err := call.AddUser(ctx, u)
	require.NoError(t, err)
	_, err = call.AddUser(ctx, alice)
	require.NoError(t, err)

	sources := map[string]bool{}
	for _, c := range driver.Contexts() {
		sources[c.Options().MediaSource] = true
	}
	assert.True(t, sources["/videos/predefinedUsers/foreman_qcif.y4m"])
	assert.True(t, sources["/videos/pool.y4m"])
}

func TestCall_RemoveDuringCleanupReleasesOnce(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{LeaveDelay: 100 * time.Millisecond})
	ctx := context.Background()
	call := m.NewCall()

	_, err := call.AddUser(ctx, bob)
	require.NoError(t, err)

	removed := make(chan error, 1)
	go func() { removed <- call.RemoveUser(ctx, bob.ID) }()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, call.Cleanup(ctx))
	require.NoError(t, <-removed)

	assert.Equal(t, 1, driver.ContextCloses())
	assert.Zero(t, driver.OpenContexts())
	assert.Empty(t, call.Users())
}

func TestCall_ReleasesAfterCallerContextEnds(t *testing.T) {
	m, driver := newTestManager(t, browsertest.App{})
	call := m.NewCall()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := call.AddUser(ctx, bob)
	require.NoError(t, err)
	cancel()

	assert.Empty(t, call.Cleanup(context.Background()))
	assert.Zero(t, driver.OpenContexts())

	expiring, cancelExpiring := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelExpiring()
	slow, slowDriver := newTestManager(t, browsertest.App{LocalActivation: time.Second})
	_, err = slow.NewCall().AddUser(expiring, alice)
	require.Error(t, err)
	assert.Zero(t, slowDriver.OpenContexts())
	assert.Equal(t, 1, slowDriver.ContextCloses())
}
