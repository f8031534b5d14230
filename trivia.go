package main

import (
	"crypto/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type clientMessage struct {
	Type        string `json:"type"`                   // "hello", "ping", "game:start", "host:reveal", "host:next", "player:kick", "answer:submit", "joker:*"
	Token       string `json:"token,omitempty"`        // hello (optional reuse)
	Name        string `json:"name,omitempty"`         // hello
	Avatar      string `json:"avatar,omitempty"`       // hello
	Create      bool   `json:"create,omitempty"`       // hello
	Choice      *int   `json:"choice,omitempty"`       // answer:submit
	TargetToken string `json:"target_token,omitempty"` // player:kick
}

// helloAck confirms a handshake with the assigned identity and room code.
type helloAck struct {
	Type     string `json:"type"` // "hello:ok"
	Token    string `json:"token"`
	RoomCode string `json:"room_code"`
}

// roomUpdate carries the full authoritative room snapshot.
type roomUpdate struct {
	Type string       `json:"type"` // "room:update"
	Room roomSnapshot `json:"room"`
}

// tickMessage is a lightweight time-remaining heartbeat during a question.
type tickMessage struct {
	Type     string  `json:"type"` // "tick"
	Now      float64 `json:"now"`
	Deadline float64 `json:"deadline"`
}

// fiftyFiftyMessage privately tells the caller which choices to hide.
type fiftyFiftyMessage struct {
	Type        string `json:"type"` // "joker:5050"
	HideIndices []int  `json:"hide_indices"`
}

// spyUpdateMessage privately shows observers the current live picks.
type spyUpdateMessage struct {
	Type          string              `json:"type"` // "spy:update"
	PicksByChoice map[int][]pickEntry `json:"picks_by_choice"`
}

// simpleMessage is for generic notifications ("error", "info", "pong").
type simpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func errorMessage(text string) simpleMessage {
	return simpleMessage{Type: "error", Message: text}
}

func infoMessage(text string) simpleMessage {
	return simpleMessage{Type: "info", Message: text}
}

func newPlayerToken() string {
	return uuid.NewString()
}

// wsClient is one live connection. Writes go through the buffered send
// channel so the write pump is the only goroutine touching the socket, and
// the mutex serializes queueing against close.
type wsClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan any

	room  *Room
	token string
}

// trySend queues a payload without blocking. A full buffer or a closed
// connection drops the message: the next snapshot supersedes it anyway.
func (c *wsClient) trySend(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *wsClient) readPump(cfg *Config, gm *roomManager, pathCode string) {
	defer func() {
		if c.room != nil {
			c.room.detach(c)
		} else {
			c.close()
		}
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.Type == "hello" {
			c.handleHello(cfg, gm, pathCode, msg)
			continue
		}

		room := c.room
		if room == nil {
			c.trySend(errorMessage("Not joined yet. Send hello first."))
			continue
		}

		switch msg.Type {
		case "ping":
			room.handlePing(c)
		case "game:start":
			room.handleStart(c)
		case "host:reveal":
			room.handleReveal(c)
		case "host:next":
			room.handleNext(c)
		case "player:kick":
			room.handleKick(c, msg.TargetToken)
		case "answer:submit":
			room.handleAnswer(c, msg.Choice)
		case "joker:5050", "joker:spy", "joker:risk":
			room.handleJoker(c, msg.Type)
		default:
			c.trySend(errorMessage("Unknown message type: " + msg.Type))
		}
	}
}

// newRoomSentinel is the path code clients connect with before a room
// exists; the hello create flag then mints the real code.
const newRoomSentinel = "NEW"

func (c *wsClient) handleHello(cfg *Config, gm *roomManager, pathCode string, msg clientMessage) {
	if c.room != nil {
		c.trySend(errorMessage("Already in a room. Open a new connection to switch rooms."))
		return
	}

	name := sanitizeName(msg.Name, "Player")
	avatar := msg.Avatar
	if !validAvatar(avatar) {
		avatar = avatars[0]
	}
	token := strings.TrimSpace(msg.Token)

	if msg.Create {
		if token == "" {
			token = newPlayerToken()
		}
		room := gm.create(token)
		room.attach(c, token, name, avatar)
		c.room, c.token = room, token

		logf(cfg, "GAMES: Player %q created room %s", name, room.code)
		return
	}

	code := strings.ToUpper(strings.TrimSpace(pathCode))
	if code == "" || code == newRoomSentinel {
		c.trySend(errorMessage("Provide a real room code to join."))
		return
	}

	room := gm.get(code)
	if room == nil {
		c.trySend(errorMessage("Room not found."))
		return
	}

	token = room.attach(c, token, name, avatar)
	c.room, c.token = room, token

	logf(cfg, "GAMES: Player %q joined room %s", name, code)
}

const (
	roomCodeLength   = 5
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// roomManager holds the process-wide set of rooms keyed by code.
type roomManager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	cfg   *Config
	store *questionStore
}

func newRoomManager(cfg *Config, store *questionStore) *roomManager {
	gm := &roomManager{
		rooms: make(map[string]*Room),
		cfg:   cfg,
		store: store,
	}
	if cfg.roomTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *roomManager) get(code string) *Room {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	return gm.rooms[code]
}

func (gm *roomManager) create(hostToken string) *Room {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	code := gm.newRoomCodeLocked()
	room := newRoom(code, hostToken, gm.cfg, gm.store)
	gm.rooms[code] = room

	return room
}

// newRoomCodeLocked generates a crypto-random room code and ensures it
// doesn't collide with an open room.
func (gm *roomManager) newRoomCodeLocked() string {
	for {
		buf := make([]byte, roomCodeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		out := make([]byte, roomCodeLength)
		for i := range out {
			out[i] = roomCodeAlphabet[int(buf[i])%len(roomCodeAlphabet)]
		}
		code := string(out)

		if _, exists := gm.rooms[code]; !exists {
			return code
		}
	}
}

// reaperLoop periodically closes rooms that have been idle longer than the
// configured room timeout.
func (gm *roomManager) reaperLoop() {
	ticker := time.NewTicker(gm.cfg.roomTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.cfg.roomTimeout)

		gm.mu.Lock()
		for code, room := range gm.rooms {
			room.mu.RLock()
			last := room.lastActive
			room.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.rooms, code)
				go room.close()
			}
		}
		gm.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket handler that picks the room based on :code
func serveWS(cfg *Config, gm *roomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "GAMES: Upgrade failed for %s: %v", realIP(r), err)
			return
		}

		client := &wsClient{
			conn: conn,
			send: make(chan any, 16),
		}

		go client.writePump()
		client.readPump(cfg, gm, ps.ByName("code"))
	}
}

func serveRoomPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		page := newPage("quizbox room "+code, r.URL.Path+"/qr", "Room "+code)

		_, _ = w.Write([]byte(page))
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:code/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func serveTriviaIndex(cfg *Config, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		page := newPage("quizbox trivia", cfg.prefix+path+"/"+newRoomSentinel,
			"Connect to "+path+"/"+newRoomSentinel+"/ws and send hello with create set to open a room")

		_, _ = w.Write([]byte(page))
	}
}

// registerTriviaGame sets up routes so that:
//   - $path              → how-to page
//   - $path/:code        → room share page
//   - $path/:code/ws     → WebSocket for that room
//   - $path/:code/qr     → PNG QR code for that room URL
func registerTriviaGame(cfg *Config, path string, mux *httprouter.Router, store *questionStore) {
	gm := newRoomManager(cfg, store)

	mux.GET(cfg.prefix+path, serveTriviaIndex(cfg, path))

	mux.GET(cfg.prefix+path+"/:code", serveRoomPage(cfg))

	mux.GET(cfg.prefix+path+"/:code/ws", serveWS(cfg, gm))

	mux.GET(cfg.prefix+path+"/:code/qr", qrHandler)
}
