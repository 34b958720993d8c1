package server

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RosterMessage is pushed to every member whenever a channel changes.
type RosterMessage struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	UIDs    []string `json:"uids"`
}

type member struct {
	uid     string
	channel string
	conn    *websocket.Conn
	send    chan []byte

	once sync.Once
}

func (m *member) close() {
	m.once.Do(func() {
		close(m.send)
		_ = m.conn.Close()
	})
}

// Roster tracks who is connected to each channel.
type Roster struct {
	mu       sync.Mutex
	channels map[string]map[*member]struct{}
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{channels: make(map[string]map[*member]struct{})}
}

// Members lists the uids in channel, sorted.
func (r *Roster) Members(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uidsLocked(channel)
}

func (r *Roster) uidsLocked(channel string) []string {
	uids := make([]string, 0, len(r.channels[channel]))
	for m := range r.channels[channel] {
		uids = append(uids, m.uid)
	}
	sort.Strings(uids)
	return uids
}

func (r *Roster) add(m *member) {
	r.mu.Lock()
	set, ok := r.channels[m.channel]
	if !ok {
		set = make(map[*member]struct{})
		r.channels[m.channel] = set
	}
	set[m] = struct{}{}
	r.broadcastLocked(m.channel)
	r.mu.Unlock()
}

func (r *Roster) remove(m *member) {
	r.mu.Lock()
	set := r.channels[m.channel]
	if _, ok := set[m]; ok {
		delete(set, m)
		if len(set) == 0 {
			delete(r.channels, m.channel)
		}
		r.broadcastLocked(m.channel)
	}
	r.mu.Unlock()
	m.close()
}

// broadcastLocked queues the channel roster for every member. Slow members
// miss updates instead of blocking the channel; the next update resyncs them.
func (r *Roster) broadcastLocked(channel string) {
	data, err := json.Marshal(RosterMessage{Type: "roster", Channel: channel, UIDs: r.uidsLocked(channel)})
	if err != nil {
		return
	}
	for m := range r.channels[channel] {
		select {
		case m.send <- data:
		default:
			log.Warn().Str("module", "callsim").Str("uid", m.uid).Msg("Roster update dropped")
		}
	}
}

// CloseAll disconnects everyone.
func (r *Roster) CloseAll() {
	r.mu.Lock()
	var all []*member
	for _, set := range r.channels {
		for m := range set {
			all = append(all, m)
		}
	}
	r.channels = make(map[string]map[*member]struct{})
	r.mu.Unlock()
	for _, m := range all {
		m.close()
	}
}

func writePump(m *member) {
	for data := range m.send {
		if err := m.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("module", "callsim").Str("uid", m.uid).Msg("writePump write error")
			return
		}
	}
}

// readPump blocks until the browser leaves or the tab closes.
func (r *Roster) readPump(m *member) {
	defer r.remove(m)
	for {
		if _, _, err := m.conn.ReadMessage(); err != nil {
			return
		}
	}
}
