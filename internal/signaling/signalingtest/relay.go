// Package signalingtest provides an in-process meeting relay for tests and
// local demos. It is not a production relay.
package signalingtest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/classmeet/internal/signaling"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type session struct {
	conn   *websocket.Conn
	room   signaling.ID
	user   signaling.ID
	joined bool
	mu     sync.Mutex
}

func (s *session) write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	s.conn.WriteMessage(websocket.TextMessage, data)
}

// Relay routes meeting messages between WebSocket sessions:
//   - join registers the session and answers with existing-participants
//   - offer, answer and ice-candidate are forwarded to toUserId
//   - raise-hand is broadcast to the whole room, sender included
//   - leave or socket close broadcasts participant-left to the rest
type Relay struct {
	server *httptest.Server

	mu    sync.Mutex
	rooms map[signaling.ID][]*session
}

// NewRelay starts a relay on a random local port.
func NewRelay() *Relay {
	r := &Relay{rooms: make(map[signaling.ID][]*session)}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/meet", r.handleWS)
	r.server = httptest.NewServer(mux)
	return r
}

// URL returns the base URL clients pass to signaling.NewClient.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

// Close shuts the relay down, dropping every session.
func (r *Relay) Close() {
	r.mu.Lock()
	var all []*session
	for _, sessions := range r.rooms {
		all = append(all, sessions...)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.conn.Close()
	}
	r.server.CloseClientConnections()
	r.server.Close()
}

// Participants returns the ids joined to room, sorted.
func (r *Relay) Participants(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for _, s := range r.rooms[signaling.ID(room)] {
		ids = append(ids, string(s.user))
	}
	sort.Strings(ids)
	return ids
}

// Drop closes the socket of user without a close handshake, simulating a
// network failure on that participant's channel.
func (r *Relay) Drop(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sessions := range r.rooms {
		for _, s := range sessions {
			if s.user == signaling.ID(user) {
				s.conn.Close()
				return true
			}
		}
	}
	return false
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	s := &session{conn: conn}
	defer func() {
		conn.Close()
		r.remove(s)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := signaling.Decode(data)
		if err != nil {
			continue
		}

		switch msg.Type {
		case signaling.MsgTypeJoin:
			r.join(s, msg)
		case signaling.MsgTypeOffer, signaling.MsgTypeAnswer, signaling.MsgTypeCandidate:
			r.forward(s, msg, data)
		case signaling.MsgTypeRaiseHand:
			r.broadcast(s.room, nil, data)
		case signaling.MsgTypeLeave:
			r.remove(s)
		}
	}
}

func (r *Relay) join(s *session, msg *signaling.Message) {
	r.mu.Lock()
	if s.joined {
		r.mu.Unlock()
		return
	}
	s.room = msg.ClassroomID
	s.user = msg.FromUserID
	s.joined = true

	existing := make([]signaling.ID, 0, len(r.rooms[s.room]))
	for _, other := range r.rooms[s.room] {
		existing = append(existing, other.user)
	}
	r.rooms[s.room] = append(r.rooms[s.room], s)
	r.mu.Unlock()

	data, _ := signaling.Encode(&signaling.Message{
		Type:         signaling.MsgTypeExistingParticipants,
		ClassroomID:  s.room,
		Participants: existing,
	})
	s.write(data)
}

func (r *Relay) forward(from *session, msg *signaling.Message, data []byte) {
	r.mu.Lock()
	var target *session
	for _, s := range r.rooms[from.room] {
		if s.user == msg.ToUserID {
			target = s
			break
		}
	}
	r.mu.Unlock()

	if target != nil {
		target.write(data)
	}
}

// broadcast sends data to every session in room except skip.
func (r *Relay) broadcast(room signaling.ID, skip *session, data []byte) {
	r.mu.Lock()
	targets := make([]*session, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		if s != skip {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.write(data)
	}
}

func (r *Relay) remove(s *session) {
	r.mu.Lock()
	if !s.joined {
		r.mu.Unlock()
		return
	}
	s.joined = false

	sessions := r.rooms[s.room]
	for i, other := range sessions {
		if other == s {
			r.rooms[s.room] = append(sessions[:i:i], sessions[i+1:]...)
			break
		}
	}
	if len(r.rooms[s.room]) == 0 {
		delete(r.rooms, s.room)
	}
	r.mu.Unlock()

	data, _ := signaling.Encode(&signaling.Message{
		Type:        signaling.MsgTypeParticipantLeft,
		ClassroomID: s.room,
		UserID:      s.user,
	})
	r.broadcast(s.room, s, data)
}
