// Quizbox Trivia Game
//
// A host creates a room and other players join it with a short room code.
// Once the host starts the game, a shuffled run of multiple-choice questions
// is played: each question shows four shuffled choices and a deadline, and
// players lock in a single answer. The host reveals the results once the
// question closes, scores are committed, and the host advances to the next
// question until the run is exhausted.
//
// Features:
// - WebSockets per room code: /trivia/:code and /trivia/:code/ws
// - Room creator becomes the host; only the host can start/reveal/advance/kick
// - Players identified by an opaque token, reissued to the client on hello
//   and honored on reconnect, so a dropped connection keeps its score
// - Disconnected players are kept for a grace period before being purged
// - One joker activation per question room-wide, three one-shot jokers per
//   player per game: 50/50, spy, and risk
// - Scores follow a ramp that steepens toward the final round
// - Rooms auto-reaped after a configurable idle timeout
// - Random 5-char room codes via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"cmp"
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"
)

type gamePhase string

const (
	phaseLobby    gamePhase = "lobby"
	phaseQuestion gamePhase = "question"
	phaseReveal   gamePhase = "reveal"
	phaseFinished gamePhase = "finished"
)

// pickEntry identifies one player inside a reveal or spy grouping.
type pickEntry struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Token  string `json:"token"`
}

// revealData is written exactly once per question, at the reveal transition.
type revealData struct {
	CorrectIndex  int                 `json:"correct_index"`
	PicksByChoice map[int][]pickEntry `json:"picks_by_choice"`
}

// activeQuestion is the current question's shuffled presentation.
type activeQuestion struct {
	Text         string
	Choices      []string
	CorrectIndex int
}

func newActiveQuestion(q Question) *activeQuestion {
	choices := []string{q.Wrong[0], q.Wrong[1], q.Wrong[2], q.Correct}
	rand.Shuffle(len(choices), func(i, j int) {
		choices[i], choices[j] = choices[j], choices[i]
	})

	correct := 0
	for i, c := range choices {
		if c == q.Correct {
			correct = i
			break
		}
	}

	return &activeQuestion{
		Text:         q.Text,
		Choices:      choices,
		CorrectIndex: correct,
	}
}

// Room is one isolated trivia session. The mutex serializes every read-
// modify-write against the room, including the question timer's own close
// check, so different rooms progress in parallel while "first answer wins",
// the joker gate, and the single scoring pass stay race-free. The context
// is cancelled on teardown to stop any timer loop still running.
type Room struct {
	code      string
	hostToken string

	cfg   *Config
	store *questionStore

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	players    map[string]*Player
	order      []string // player tokens in join order
	lastActive time.Time

	phase          gamePhase
	questionIndex  int
	questionOrder  []int
	currentQ       *activeQuestion
	deadline       time.Time
	jokerUsedThisQ bool
	questionClosed bool
	livePicks      map[string]int
	reveal         *revealData

	timerGen int
}

func newRoom(code, hostToken string, cfg *Config, store *questionStore) *Room {
	ctx, cancel := context.WithCancel(context.Background())

	return &Room{
		code:          code,
		hostToken:     hostToken,
		cfg:           cfg,
		store:         store,
		ctx:           ctx,
		cancel:        cancel,
		players:       make(map[string]*Player),
		lastActive:    time.Now(),
		phase:         phaseLobby,
		questionIndex: -1,
		livePicks:     make(map[string]int),
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// attach binds a connection to a session. A known token (or the host token
// of a freshly created room) reattaches to the existing session, keeping
// score, jokers, and the current answer; anything else mints a new identity.
// Returns the token the connection ended up with.
func (r *Room) attach(c *wsClient, token, name, avatar string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.lastActive = now

	// A connection that re-identifies must not leave a stale session
	// pointing at it.
	for _, other := range r.players {
		if other.client == c && other.Token != token {
			other.client = nil
			other.Connected = false
			other.LastSeen = now
		}
	}

	var p *Player
	if token != "" {
		p = r.players[token]
	}

	switch {
	case p != nil:
		p.Name = name
		p.Avatar = avatar
	case token != "" && token == r.hostToken:
		p = newPlayer(token, name, avatar)
		r.players[token] = p
		r.order = append(r.order, token)
	default:
		token = newPlayerToken()
		p = newPlayer(token, name, avatar)
		r.players[token] = p
		r.order = append(r.order, token)
	}

	if p.client != nil && p.client != c {
		p.client.close()
	}
	p.client = c
	p.Connected = true
	p.LastSeen = now

	c.trySend(helloAck{Type: "hello:ok", Token: p.Token, RoomCode: r.code})
	r.broadcastSnapshotLocked()

	return p.Token
}

// detach marks the session offline without removing it, so a reconnect
// within the grace period picks up where it left off.
func (r *Room) detach(c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer c.close()

	p := r.players[c.token]
	if p == nil || p.client != c {
		return
	}

	now := time.Now()
	r.lastActive = now

	p.client = nil
	p.Connected = false
	p.LastSeen = now

	r.purgeOfflineLocked()
	r.broadcastSnapshotLocked()

	go r.scheduleRemoval()
}

// scheduleRemoval fires one purge pass once the grace period has elapsed,
// so a room nobody touches anymore still converges.
func (r *Room) scheduleRemoval() {
	timer := time.NewTimer(r.cfg.gracePeriod + time.Second)
	defer timer.Stop()

	select {
	case <-r.ctx.Done():
		return
	case <-timer.C:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.purgeOfflineLocked() {
		r.broadcastSnapshotLocked()
	}
}

// purgeOfflineLocked removes sessions disconnected for longer than the
// grace period. The host session is never purged: the host token must stay
// resolvable for the room's whole lifetime.
func (r *Room) purgeOfflineLocked() bool {
	cutoff := time.Now().Add(-r.cfg.gracePeriod)
	changed := false

	for token, p := range r.players {
		if p.Connected || token == r.hostToken || p.LastSeen.After(cutoff) {
			continue
		}

		delete(r.players, token)
		delete(r.livePicks, token)
		r.order = slices.DeleteFunc(r.order, func(s string) bool {
			return s == token
		})
		changed = true
	}

	return changed
}

// close tears the room down: the context cancellation stops any question
// timer still running, and every connection is dropped.
func (r *Room) close() {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.players {
		if p.client != nil {
			p.client.close()
			p.client = nil
			p.Connected = false
		}
	}
}

// ---- Message handlers, one per inbound protocol kind ----

func (r *Room) handlePing(c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()
	if p := r.players[c.token]; p != nil {
		p.LastSeen = time.Now()
	}

	c.trySend(simpleMessage{Type: "pong"})
}

func (r *Room) handleStart(c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if c.token != r.hostToken {
		c.trySend(errorMessage("Only the host can start the game."))
		return
	}
	if len(r.players) == 0 {
		c.trySend(errorMessage("No players in the room."))
		return
	}

	r.startGameLocked()
}

func (r *Room) startGameLocked() {
	r.questionOrder = rand.Perm(r.store.count())
	r.questionIndex = -1

	for _, p := range r.players {
		p.resetForGame()
	}

	r.startQuestionLocked()
}

// startQuestionLocked advances to the next question in the shuffled order,
// clearing all per-question state, or finishes the game once the order is
// exhausted.
func (r *Room) startQuestionLocked() {
	r.questionIndex++
	r.jokerUsedThisQ = false
	r.questionClosed = false
	r.reveal = nil
	r.currentQ = nil
	r.deadline = time.Time{}
	r.livePicks = make(map[string]int, len(r.players))

	for _, p := range r.players {
		p.resetForQuestion()
		r.livePicks[p.Token] = noChoice
	}

	if r.questionIndex >= len(r.questionOrder) {
		r.phase = phaseFinished
		r.broadcastSnapshotLocked()
		return
	}

	q := r.store.byIndex(r.questionOrder[r.questionIndex])
	r.currentQ = newActiveQuestion(q)
	r.phase = phaseQuestion
	r.deadline = time.Now().Add(r.cfg.questionTime)

	r.broadcastSnapshotLocked()

	r.timerGen++
	go r.runQuestionTimer(r.timerGen)
}

// runQuestionTimer periodically checks the closing condition for one
// question. A generation counter ties the loop to its question: once the
// room has moved on, a stale loop exits without touching anything.
func (r *Room) runQuestionTimer(gen int) {
	ticker := time.NewTicker(r.cfg.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()

		if gen != r.timerGen || r.phase != phaseQuestion {
			r.mu.Unlock()
			return
		}

		now := time.Now()
		if r.tryCloseLocked(now) {
			r.mu.Unlock()
			return
		}

		r.broadcastLocked(tickMessage{
			Type:     "tick",
			Now:      unixSeconds(now),
			Deadline: unixSeconds(r.deadline),
		}, nil)

		r.mu.Unlock()
	}
}

// tryCloseLocked closes the question once every current session has an
// answer recorded, connected or not, or once the deadline has passed.
// Returns true when the question is closed.
func (r *Room) tryCloseLocked(now time.Time) bool {
	if r.questionClosed {
		return true
	}
	if !r.allAnsweredLocked() && now.Before(r.deadline) {
		return false
	}

	r.questionClosed = true
	r.broadcastSnapshotLocked()

	return true
}

func (r *Room) allAnsweredLocked() bool {
	if len(r.players) == 0 {
		return false
	}

	for _, p := range r.players {
		if !p.answered() {
			return false
		}
	}

	return true
}

func (r *Room) handleAnswer(c *wsClient, choice *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	p := r.players[c.token]
	if p == nil {
		c.trySend(errorMessage("Unknown session. Send hello again."))
		return
	}
	if r.phase != phaseQuestion || r.currentQ == nil {
		c.trySend(errorMessage("No active question."))
		return
	}
	if r.questionClosed {
		c.trySend(errorMessage("Answers are closed."))
		return
	}
	if choice == nil || *choice < 0 || *choice > 3 {
		c.trySend(errorMessage("Invalid answer."))
		return
	}

	// First answer wins; repeats are ignored.
	if p.answered() {
		return
	}

	p.SelectedChoice = *choice
	r.livePicks[p.Token] = *choice

	r.pushSpyUpdatesLocked(nil)
	r.broadcastSnapshotLocked()
}

func (r *Room) handleJoker(c *wsClient, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	p := r.players[c.token]
	if p == nil {
		c.trySend(errorMessage("Unknown session. Send hello again."))
		return
	}
	if r.phase != phaseQuestion || r.currentQ == nil {
		c.trySend(errorMessage("Jokers can only be used during a question."))
		return
	}
	if r.questionClosed {
		c.trySend(errorMessage("Jokers are closed."))
		return
	}
	if r.jokerUsedThisQ {
		c.trySend(errorMessage("A joker has already been used this question."))
		return
	}

	switch kind {
	case "joker:5050":
		if !p.Joker5050 {
			c.trySend(errorMessage("The 50/50 joker has already been used."))
			return
		}

		wrong := make([]int, 0, 3)
		for i := range r.currentQ.Choices {
			if i != r.currentQ.CorrectIndex {
				wrong = append(wrong, i)
			}
		}
		rand.Shuffle(len(wrong), func(i, j int) {
			wrong[i], wrong[j] = wrong[j], wrong[i]
		})

		p.Joker5050 = false
		r.jokerUsedThisQ = true

		c.trySend(fiftyFiftyMessage{Type: "joker:5050", HideIndices: wrong[:2]})

	case "joker:spy":
		if !p.JokerSpy {
			c.trySend(errorMessage("The spy joker has already been used."))
			return
		}

		p.JokerSpy = false
		p.UsedSpyThisQ = true
		r.jokerUsedThisQ = true

		r.pushSpyUpdatesLocked(map[string]bool{p.Token: true})

	case "joker:risk":
		if !p.JokerRisk {
			c.trySend(errorMessage("The risk joker has already been used."))
			return
		}

		p.JokerRisk = false
		p.UsedRiskThisQ = true
		r.jokerUsedThisQ = true

		points := pointsForRound(r.questionIndex + 1)
		c.trySend(infoMessage(fmt.Sprintf(
			"Risk armed: +%d if you answer correctly, -%d if you miss.",
			2*points, points,
		)))
	}

	r.broadcastSnapshotLocked()
}

// pushSpyUpdatesLocked sends the current live pick grouping to every player
// observing this question, or only to the tokens in only when non-nil.
// Players without a recorded pick appear in no group.
func (r *Room) pushSpyUpdatesLocked(only map[string]bool) {
	msg := spyUpdateMessage{
		Type:          "spy:update",
		PicksByChoice: r.livePickGroupsLocked(),
	}

	for _, token := range r.order {
		p := r.players[token]
		if !p.UsedSpyThisQ {
			continue
		}
		if only != nil && !only[token] {
			continue
		}
		r.sendToLocked(p, msg)
	}
}

func (r *Room) livePickGroupsLocked() map[int][]pickEntry {
	groups := emptyPickGroups()

	for _, token := range r.order {
		pick, ok := r.livePicks[token]
		if !ok || pick == noChoice {
			continue
		}

		p := r.players[token]
		groups[pick] = append(groups[pick], pickEntry{
			Name:   p.Name,
			Avatar: p.Avatar,
			Token:  p.Token,
		})
	}

	return groups
}

func emptyPickGroups() map[int][]pickEntry {
	groups := make(map[int][]pickEntry, 4)
	for i := 0; i < 4; i++ {
		groups[i] = []pickEntry{}
	}
	return groups
}

// handleReveal commits the question: picks are grouped by choice, scores
// are applied exactly once, and the room moves to the reveal phase.
func (r *Room) handleReveal(c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if c.token != r.hostToken {
		c.trySend(errorMessage("Only the host can reveal the results."))
		return
	}
	if r.phase != phaseQuestion || r.currentQ == nil {
		c.trySend(errorMessage("No active question."))
		return
	}
	if !r.questionClosed {
		c.trySend(errorMessage("Wait until everyone has answered or time runs out."))
		return
	}

	groups := emptyPickGroups()
	for _, token := range r.order {
		p := r.players[token]
		if !p.answered() {
			continue
		}
		groups[p.SelectedChoice] = append(groups[p.SelectedChoice], pickEntry{
			Name:   p.Name,
			Avatar: p.Avatar,
			Token:  p.Token,
		})
	}

	correct := r.currentQ.CorrectIndex
	points := pointsForRound(r.questionIndex + 1)

	for _, p := range r.players {
		if !p.answered() {
			continue
		}

		pickedCorrect := p.SelectedChoice == correct

		switch {
		case p.UsedRiskThisQ && pickedCorrect:
			p.Score += 2 * points
		case p.UsedRiskThisQ:
			p.Score -= points
		case pickedCorrect:
			p.Score += points
		}
	}

	r.phase = phaseReveal
	r.reveal = &revealData{
		CorrectIndex:  correct,
		PicksByChoice: groups,
	}

	r.broadcastSnapshotLocked()
}

func (r *Room) handleNext(c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if c.token != r.hostToken {
		c.trySend(errorMessage("Only the host can move on."))
		return
	}
	if r.phase != phaseReveal {
		c.trySend(errorMessage("Reveal the results before moving on."))
		return
	}

	r.startQuestionLocked()
}

func (r *Room) handleKick(c *wsClient, targetToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if c.token != r.hostToken {
		c.trySend(errorMessage("Only the host can kick players."))
		return
	}

	target := r.players[targetToken]
	if target == nil {
		c.trySend(errorMessage("Target not found."))
		return
	}
	if targetToken == r.hostToken {
		c.trySend(errorMessage("The host cannot be kicked."))
		return
	}

	if target.client != nil {
		target.client.trySend(errorMessage("You have been kicked by the host."))
		target.client.close()
		target.client = nil
	}

	delete(r.players, targetToken)
	delete(r.livePicks, targetToken)
	r.order = slices.DeleteFunc(r.order, func(s string) bool {
		return s == targetToken
	})

	r.broadcastSnapshotLocked()
}

// ---- Snapshots and fan-out ----

type publicQuestion struct {
	Text    string   `json:"text"`
	Choices []string `json:"choices"`
}

// roomSnapshot is the complete authoritative room view broadcast after
// every state change. There is no diff protocol.
type roomSnapshot struct {
	Code           string          `json:"code"`
	Phase          gamePhase       `json:"phase"`
	HostToken      string          `json:"host_token"`
	QuestionIndex  int             `json:"question_index"`
	Deadline       *float64        `json:"q_deadline_ts"`
	JokerUsedThisQ bool            `json:"joker_used_this_q"`
	QuestionClosed bool            `json:"question_closed"`
	Reveal         *revealData     `json:"reveal_data"`
	Players        []PlayerView    `json:"players"`
	CurrentQ       *publicQuestion `json:"current_q_public"`
	Avatars        []string        `json:"avatars"`
	QuestionPoints int             `json:"question_points"`
}

func (r *Room) snapshotLocked() roomSnapshot {
	views := make([]PlayerView, 0, len(r.players))
	for _, token := range r.order {
		views = append(views, r.players[token].publicView())
	}
	slices.SortStableFunc(views, func(a, b PlayerView) int {
		return cmp.Compare(b.Score, a.Score)
	})

	round := max(0, r.questionIndex+1)
	points := 0
	if round > 0 {
		points = pointsForRound(round)
	}

	snap := roomSnapshot{
		Code:           r.code,
		Phase:          r.phase,
		HostToken:      r.hostToken,
		QuestionIndex:  r.questionIndex,
		JokerUsedThisQ: r.jokerUsedThisQ,
		QuestionClosed: r.questionClosed,
		Reveal:         r.reveal,
		Players:        views,
		Avatars:        avatars,
		QuestionPoints: points,
	}

	if !r.deadline.IsZero() {
		deadline := unixSeconds(r.deadline)
		snap.Deadline = &deadline
	}

	if r.currentQ != nil && (r.phase == phaseQuestion || r.phase == phaseReveal) {
		snap.CurrentQ = &publicQuestion{
			Text:    r.currentQ.Text,
			Choices: r.currentQ.Choices,
		}
	}

	return snap
}

func (r *Room) broadcastSnapshotLocked() {
	r.broadcastLocked(roomUpdate{Type: "room:update", Room: r.snapshotLocked()}, nil)
}

// broadcastLocked delivers a payload to every connected session, or to the
// tokens in only when non-nil. Delivery is best-effort: a slow or gone
// connection drops the message, never the broadcast.
func (r *Room) broadcastLocked(msg any, only map[string]bool) {
	for _, token := range r.order {
		if only != nil && !only[token] {
			continue
		}
		r.sendToLocked(r.players[token], msg)
	}
}

func (r *Room) sendToLocked(p *Player, msg any) {
	if p.client == nil {
		return
	}
	p.client.trySend(msg)
}
