package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	_, err = srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func postJoin(t *testing.T, srv *Server, req JoinRequest) (*http.Response, JoinResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL()+AckPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out JoinResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func dialRoster(t *testing.T, srv *Server, sid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL(), "http") + "/ws?sid=" + sid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readRoster(t *testing.T, conn *websocket.Conn) RosterMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg RosterMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServerStartStop(t *testing.T) {
	srv, err := NewServer(DefaultConfig())
	require.NoError(t, err)

	addr, err := srv.Start()
	require.NoError(t, err)
	assert.NotEmpty(t, addr)
	assert.NotEqual(t, ":0", addr)
	assert.Equal(t, addr, srv.Addr())

	for _, path := range []string{"/", "/basicVideoCall/index.html"} {
		resp, err := http.Get(srv.URL() + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, string(body), `placeholder="Enter the appid"`, path)
		assert.Contains(t, string(body), `id="remote-playerlist"`, path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://" + addr + "/")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":0", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
}

func TestServerDoubleStart(t *testing.T) {
	srv := startServer(t, DefaultConfig())
	addr1 := srv.Addr()
	addr2, err := srv.Start()
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)
}

func TestJoin_Credentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AppID = "app-1"
	cfg.Token = "tok-1"
	srv := startServer(t, cfg)

	resp, ack := postJoin(t, srv, JoinRequest{AppID: "app-1", Token: "tok-1", Channel: "room", UID: "10101"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10101", ack.UID)
	assert.NotEmpty(t, ack.SID)

	resp, _ = postJoin(t, srv, JoinRequest{AppID: "app-1", Token: "wrong", Channel: "room"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postJoin(t, srv, JoinRequest{AppID: "app-1", Token: "tok-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJoin_OpenServerRejectsInvalidMarker(t *testing.T) {
	srv := startServer(t, DefaultConfig())

	resp, ack := postJoin(t, srv, JoinRequest{AppID: "anything", Token: "anything", Channel: "room"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, ack.UID, "server assigns a uid when none is given")

	resp, _ = postJoin(t, srv, JoinRequest{AppID: "invalid", Token: "invalid", Channel: "room"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoster_BroadcastsMembership(t *testing.T) {
	srv := startServer(t, DefaultConfig())

	_, a := postJoin(t, srv, JoinRequest{AppID: "a", Token: "t", Channel: "room", UID: "1"})
	_, b := postJoin(t, srv, JoinRequest{AppID: "a", Token: "t", Channel: "room", UID: "2"})
	_, other := postJoin(t, srv, JoinRequest{AppID: "a", Token: "t", Channel: "elsewhere", UID: "3"})

	connA := dialRoster(t, srv, a.SID)
	assert.Equal(t, []string{"1"}, readRoster(t, connA).UIDs)

	connB := dialRoster(t, srv, b.SID)
	assert.Equal(t, []string{"1", "2"}, readRoster(t, connA).UIDs)
	assert.Equal(t, []string{"1", "2"}, readRoster(t, connB).UIDs)

	connOther := dialRoster(t, srv, other.SID)
	assert.Equal(t, []string{"3"}, readRoster(t, connOther).UIDs)

	require.NoError(t, connB.Close())
	msg := readRoster(t, connA)
	assert.Equal(t, "room", msg.Channel)
	assert.Equal(t, []string{"1"}, msg.UIDs)
	assert.Equal(t, []string{"1"}, srv.Roster().Members("room"))
}

func TestRoster_RequiresIssuedSession(t *testing.T) {
	srv := startServer(t, DefaultConfig())
	url := "ws" + strings.TrimPrefix(srv.URL(), "http") + "/ws?sid=unknown"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, ack := postJoin(t, srv, JoinRequest{AppID: "a", Token: "t", Channel: "room"})
	dialRoster(t, srv, ack.SID)
	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL(), "http")+"/ws?sid="+ack.SID, nil)
	require.Error(t, err, "a session id is single use")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestJoinBook_ExpiresAndReplacesPendingSessions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := newJoinBook()
	b.now = func() time.Time { return now }

	first := b.issue(JoinRequest{Channel: "room", UID: "1"})
	second := b.issue(JoinRequest{Channel: "room", UID: "1"})
	assert.Equal(t, 1, b.pending(), "rejoin replaces the earlier session id")
	_, ok := b.take(first.SID)
	assert.False(t, ok)

	b.issue(JoinRequest{Channel: "other", UID: "1"})
	assert.Equal(t, 2, b.pending())

	now = now.Add(sidTTL + time.Second)
	_, ok = b.take(second.SID)
	assert.False(t, ok, "expired session id")

	for i := 0; i < 5; i++ {
		b.issue(JoinRequest{Channel: "room"})
	}
	assert.Equal(t, 5, b.pending(), "stale entries are pruned on issue")

	now = now.Add(sidTTL + time.Second)
	fresh := b.issue(JoinRequest{Channel: "room", UID: "9"})
	assert.Equal(t, 1, b.pending())
	req, ok := b.take(fresh.SID)
	require.True(t, ok)
	assert.Equal(t, "9", req.UID)
	assert.Zero(t, b.pending())
}
