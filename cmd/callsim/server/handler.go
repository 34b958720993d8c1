package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// AckPath is where the page posts its join request. The harness waits for
// this response to decide whether a join went through.
const AckPath = "/api/v2/transpond/webrtc"

// rejectedCredential is refused even when the server accepts any credential.
const rejectedCredential = "invalid"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// JoinRequest is the body of a join ack request.
type JoinRequest struct {
	AppID   string `json:"appid"`
	Token   string `json:"token"`
	Channel string `json:"channel"`
	UID     string `json:"uid"`
}

// JoinResponse is returned on a successful join.
type JoinResponse struct {
	SID string `json:"sid"`
	UID string `json:"uid"`
}

// sidTTL bounds how long an issued session id waits for its websocket.
const sidTTL = time.Minute

type pendingJoin struct {
	req    JoinRequest
	issued time.Time
}

// joinBook remembers issued session ids so the roster socket can check
// that a browser actually joined first. Ids expire after sidTTL and a new
// join for the same channel and uid replaces the previous one.
type joinBook struct {
	mu   sync.Mutex
	sids map[string]pendingJoin
	next int
	now  func() time.Time
}

func newJoinBook() *joinBook {
	return &joinBook{sids: make(map[string]pendingJoin), next: 100000, now: time.Now}
}

func (b *joinBook) issue(req JoinRequest) JoinResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if req.UID == "" {
		b.next++
		req.UID = strconv.Itoa(b.next)
	}
	for sid, p := range b.sids {
		if now.Sub(p.issued) > sidTTL || (p.req.Channel == req.Channel && p.req.UID == req.UID) {
			delete(b.sids, sid)
		}
	}
	sid := uuid.NewString()
	b.sids[sid] = pendingJoin{req: req, issued: now}
	return JoinResponse{SID: sid, UID: req.UID}
}

func (b *joinBook) take(sid string) (JoinRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.sids[sid]
	if !ok {
		return JoinRequest{}, false
	}
	delete(b.sids, sid)
	if b.now().Sub(p.issued) > sidTTL {
		return JoinRequest{}, false
	}
	return p.req, true
}

func (b *joinBook) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sids)
}

func credentialOK(want, got string) bool {
	if got == "" || got == rejectedCredential {
		return false
	}
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func (s *Server) handlePage(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(callPageHTML))
}

func (s *Server) handleJoin(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid join request"})
		return
	}
	if req.Channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}
	if !credentialOK(s.cfg.AppID, req.AppID) || !credentialOK(s.cfg.Token, req.Token) {
		s.logger.Info().Str("channel", req.Channel).Str("uid", req.UID).Msg("Join rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid vendor key, can not find appid"})
		return
	}

	resp := s.joins.issue(req)
	s.logger.Info().Str("channel", req.Channel).Str("uid", resp.UID).Str("sid", resp.SID).Msg("Join accepted")
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRoster(c *gin.Context) {
	req, ok := s.joins.take(c.Query("sid"))
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown session"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	m := &member{
		uid:     req.UID,
		channel: req.Channel,
		conn:    conn,
		send:    make(chan []byte, 16),
	}
	go writePump(m)
	s.roster.add(m)
	s.logger.Info().Str("channel", m.channel).Str("uid", m.uid).Msg("Member connected")

	s.roster.readPump(m)
	s.logger.Info().Str("channel", m.channel).Str("uid", m.uid).Msg("Member left")
}
