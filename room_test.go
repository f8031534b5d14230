package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		gracePeriod:  2 * time.Minute,
		maxQuestions: 30,
		questionTime: 2 * time.Minute,
		tickInterval: 350 * time.Millisecond,
	}
}

func testStore(count int) *questionStore {
	questions := make([]Question, count)
	for i := range questions {
		questions[i] = Question{
			Text:    fmt.Sprintf("Question %d?", i),
			Correct: "right",
			Wrong:   [3]string{"wrong a", "wrong b", "wrong c"},
		}
	}
	return &questionStore{questions: questions}
}

func newTestClient() *wsClient {
	return &wsClient{send: make(chan any, 64)}
}

// drain empties a client's outbound queue and returns what was pending.
func drain(c *wsClient) []any {
	var out []any
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func findError(msgs []any) (string, bool) {
	for _, msg := range msgs {
		if s, ok := msg.(simpleMessage); ok && s.Type == "error" {
			return s.Message, true
		}
	}
	return "", false
}

func newTestRoom(t *testing.T, store *questionStore) (*Room, *wsClient) {
	t.Helper()

	r := newRoom("AB12C", "host-token", testConfig(), store)
	t.Cleanup(r.close)

	host := newTestClient()
	host.token = r.attach(host, "host-token", "Host", avatars[0])
	require.Equal(t, "host-token", host.token)

	return r, host
}

func joinTestPlayer(t *testing.T, r *Room, name string) *wsClient {
	t.Helper()

	c := newTestClient()
	c.token = r.attach(c, "", name, avatars[1])
	require.NotEmpty(t, c.token)

	return c
}

func intPtr(i int) *int {
	return &i
}

func TestStartResetsScoresAndJokers(t *testing.T) {
	r, host := newTestRoom(t, testStore(30))
	alice := joinTestPlayer(t, r, "Alice")

	r.mu.Lock()
	r.players[alice.token].Score = 12
	r.players[alice.token].JokerSpy = false
	r.mu.Unlock()

	r.handleStart(host)

	r.mu.RLock()
	defer r.mu.RUnlock()

	assert.Equal(t, phaseQuestion, r.phase)
	assert.Equal(t, 0, r.questionIndex)
	assert.Len(t, r.questionOrder, 30)
	require.NotNil(t, r.currentQ)
	assert.Len(t, r.currentQ.Choices, 4)
	assert.Equal(t, "right", r.currentQ.Choices[r.currentQ.CorrectIndex])
	assert.False(t, r.deadline.IsZero())

	for _, p := range r.players {
		assert.Zero(t, p.Score)
		assert.True(t, p.Joker5050)
		assert.True(t, p.JokerSpy)
		assert.True(t, p.JokerRisk)
		assert.False(t, p.answered())
	}
}

func TestStartRequiresHost(t *testing.T) {
	r, _ := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	drain(alice)
	r.handleStart(alice)

	_, isErr := findError(drain(alice))
	assert.True(t, isErr)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Equal(t, phaseLobby, r.phase)
}

func TestAnswerAcceptedOncePerQuestion(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.handleStart(host)

	r.handleAnswer(alice, intPtr(1))
	r.handleAnswer(alice, intPtr(2))

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Equal(t, 1, r.players[alice.token].SelectedChoice)
	assert.Equal(t, 1, r.livePicks[alice.token])
}

func TestAnswerRejectedWhenInvalid(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.handleStart(host)

	for _, choice := range []*int{nil, intPtr(-1), intPtr(4)} {
		drain(alice)
		r.handleAnswer(alice, choice)
		_, isErr := findError(drain(alice))
		assert.True(t, isErr)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.False(t, r.players[alice.token].answered())
}

func TestAnswerRejectedWhenClosed(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.handleStart(host)

	r.mu.Lock()
	r.questionClosed = true
	r.mu.Unlock()

	drain(alice)
	r.handleAnswer(alice, intPtr(0))

	_, isErr := findError(drain(alice))
	assert.True(t, isErr)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.False(t, r.players[alice.token].answered())
}

func TestJokerGateOnePerQuestion(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")
	bob := joinTestPlayer(t, r, "Bob")

	r.handleStart(host)

	r.handleJoker(alice, "joker:spy")

	drain(bob)
	r.handleJoker(bob, "joker:risk")

	_, isErr := findError(drain(bob))
	assert.True(t, isErr)

	r.mu.RLock()
	defer r.mu.RUnlock()

	assert.True(t, r.jokerUsedThisQ)
	assert.False(t, r.players[alice.token].JokerSpy)
	assert.True(t, r.players[alice.token].UsedSpyThisQ)
	assert.True(t, r.players[bob.token].JokerRisk)
	assert.False(t, r.players[bob.token].UsedRiskThisQ)
}

func TestJokerConsumedOncePerGame(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.handleStart(host)
	r.handleJoker(alice, "joker:risk")

	// Next question reopens the gate, but the per-game flag stays spent.
	r.mu.Lock()
	r.questionClosed = true
	r.mu.Unlock()
	r.handleReveal(host)
	r.handleNext(host)

	drain(alice)
	r.handleJoker(alice, "joker:risk")

	_, isErr := findError(drain(alice))
	assert.True(t, isErr)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.False(t, r.players[alice.token].UsedRiskThisQ)
	assert.False(t, r.jokerUsedThisQ)
}

func TestFiftyFiftyHidesOnlyWrongChoices(t *testing.T) {
	for i := 0; i < 10; i++ {
		r, host := newTestRoom(t, testStore(5))
		alice := joinTestPlayer(t, r, "Alice")

		r.handleStart(host)

		r.mu.RLock()
		correct := r.currentQ.CorrectIndex
		r.mu.RUnlock()

		drain(alice)
		r.handleJoker(alice, "joker:5050")

		var hidden []int
		for _, msg := range drain(alice) {
			if m, ok := msg.(fiftyFiftyMessage); ok {
				hidden = m.HideIndices
			}
		}

		require.Len(t, hidden, 2)
		assert.NotEqual(t, hidden[0], hidden[1])
		for _, idx := range hidden {
			assert.GreaterOrEqual(t, idx, 0)
			assert.LessOrEqual(t, idx, 3)
			assert.NotEqual(t, correct, idx)
		}
	}
}

func TestSpyReceivesLivePicks(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")
	bob := joinTestPlayer(t, r, "Bob")

	r.handleStart(host)
	r.handleJoker(alice, "joker:spy")

	drain(alice)
	drain(bob)
	r.handleAnswer(bob, intPtr(2))

	var groups map[int][]pickEntry
	for _, msg := range drain(alice) {
		if m, ok := msg.(spyUpdateMessage); ok {
			groups = m.PicksByChoice
		}
	}

	require.NotNil(t, groups)
	require.Len(t, groups[2], 1)
	assert.Equal(t, bob.token, groups[2][0].Token)
	assert.Empty(t, groups[0])

	// Non-observers never receive spy updates.
	for _, msg := range drain(bob) {
		_, ok := msg.(spyUpdateMessage)
		assert.False(t, ok)
	}
}

func TestRevealScoring(t *testing.T) {
	r, host := newTestRoom(t, testStore(30))
	alice := joinTestPlayer(t, r, "Alice")
	bob := joinTestPlayer(t, r, "Bob")
	carol := joinTestPlayer(t, r, "Carol")

	r.handleStart(host)

	// Round 7 is worth 2 points.
	r.mu.Lock()
	r.questionIndex = 6
	r.currentQ = &activeQuestion{
		Text:         "Question?",
		Choices:      []string{"w1", "w2", "right", "w3"},
		CorrectIndex: 2,
	}
	r.players[alice.token].UsedRiskThisQ = true
	r.players[alice.token].SelectedChoice = 2
	r.players[bob.token].SelectedChoice = 0
	r.players[carol.token].UsedRiskThisQ = true
	r.players[carol.token].SelectedChoice = 1
	r.questionClosed = true
	r.mu.Unlock()

	r.handleReveal(host)

	r.mu.RLock()
	defer r.mu.RUnlock()

	assert.Equal(t, phaseReveal, r.phase)
	assert.Equal(t, 4, r.players[alice.token].Score, "risk + correct doubles the round")
	assert.Equal(t, 0, r.players[bob.token].Score, "wrong without risk costs nothing")
	assert.Equal(t, -2, r.players[carol.token].Score, "risk + wrong deducts the round")
	assert.Equal(t, 0, r.players[host.token].Score, "no answer, no change")

	require.NotNil(t, r.reveal)
	assert.Equal(t, 2, r.reveal.CorrectIndex)
	require.Len(t, r.reveal.PicksByChoice[2], 1)
	assert.Equal(t, alice.token, r.reveal.PicksByChoice[2][0].Token)
	require.Len(t, r.reveal.PicksByChoice[0], 1)
	assert.Equal(t, bob.token, r.reveal.PicksByChoice[0][0].Token)
	assert.Empty(t, r.reveal.PicksByChoice[3])
}

func TestRevealOnlyOnce(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.handleStart(host)
	r.handleAnswer(alice, intPtr(0))

	r.mu.Lock()
	r.questionClosed = true
	r.mu.Unlock()

	r.handleReveal(host)

	r.mu.RLock()
	scores := map[string]int{}
	for token, p := range r.players {
		scores[token] = p.Score
	}
	r.mu.RUnlock()

	drain(host)
	r.handleReveal(host)

	_, isErr := findError(drain(host))
	assert.True(t, isErr)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Equal(t, phaseReveal, r.phase)
	for token, p := range r.players {
		assert.Equal(t, scores[token], p.Score)
	}
}

func TestRevealRequiresClosedQuestion(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))

	r.handleStart(host)

	drain(host)
	r.handleReveal(host)

	_, isErr := findError(drain(host))
	assert.True(t, isErr)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Equal(t, phaseQuestion, r.phase)
}

func TestNextAdvancesThenFinishes(t *testing.T) {
	r, host := newTestRoom(t, testStore(2))

	r.handleStart(host)

	for round := 0; round < 2; round++ {
		r.mu.Lock()
		assert.Equal(t, round, r.questionIndex)
		r.questionClosed = true
		r.mu.Unlock()

		r.handleReveal(host)
		r.handleNext(host)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Equal(t, phaseFinished, r.phase)
	assert.Nil(t, r.currentQ)
}

func TestCloseWhenAllAnswered(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.handleStart(host)

	r.mu.Lock()
	assert.False(t, r.tryCloseLocked(time.Now()), "no one answered yet")
	r.mu.Unlock()

	r.handleAnswer(host, intPtr(0))
	r.handleAnswer(alice, intPtr(1))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.True(t, r.tryCloseLocked(time.Now()), "everyone answered, well before the deadline")
	assert.True(t, r.questionClosed)
}

func TestDisconnectedPlayerBlocksShortcutUntilDeadline(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.handleStart(host)
	r.handleAnswer(host, intPtr(0))

	r.detach(alice)

	r.mu.Lock()
	defer r.mu.Unlock()

	require.Contains(t, r.players, alice.token)
	assert.False(t, r.tryCloseLocked(time.Now()), "offline unanswered player blocks the shortcut")
	assert.True(t, r.tryCloseLocked(r.deadline.Add(time.Second)), "the deadline still closes the question")
}

func TestQuestionTimerClosesAtDeadline(t *testing.T) {
	store := testStore(5)
	cfg := testConfig()
	cfg.questionTime = 80 * time.Millisecond
	cfg.tickInterval = 20 * time.Millisecond

	r := newRoom("AB12C", "host-token", cfg, store)
	t.Cleanup(r.close)

	host := newTestClient()
	host.token = r.attach(host, "host-token", "Host", avatars[0])

	r.handleStart(host)

	assert.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.questionClosed
	}, time.Second, 10*time.Millisecond)
}

func TestReattachPreservesState(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.handleStart(host)
	r.handleJoker(alice, "joker:spy")
	r.handleAnswer(alice, intPtr(3))

	r.mu.Lock()
	r.players[alice.token].Score = 7
	r.mu.Unlock()

	r.detach(alice)

	r.mu.RLock()
	assert.False(t, r.players[alice.token].Connected)
	r.mu.RUnlock()

	again := newTestClient()
	again.token = r.attach(again, alice.token, "Alice the Second", avatars[2])
	require.Equal(t, alice.token, again.token)

	r.mu.RLock()
	defer r.mu.RUnlock()

	p := r.players[again.token]
	assert.True(t, p.Connected)
	assert.Equal(t, "Alice the Second", p.Name)
	assert.Equal(t, 7, p.Score)
	assert.False(t, p.JokerSpy)
	assert.True(t, p.UsedSpyThisQ)
	assert.Equal(t, 3, p.SelectedChoice)
}

func TestUnknownTokenMintsFreshIdentity(t *testing.T) {
	r, _ := newTestRoom(t, testStore(5))

	c := newTestClient()
	c.token = r.attach(c, "stale-token-from-elsewhere", "Alice", avatars[1])

	assert.NotEqual(t, "stale-token-from-elsewhere", c.token)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Contains(t, r.players, c.token)
	assert.NotContains(t, r.players, "stale-token-from-elsewhere")
}

func TestOfflinePurgeAfterGrace(t *testing.T) {
	r, _ := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.detach(alice)

	r.mu.Lock()
	defer r.mu.Unlock()

	assert.False(t, r.purgeOfflineLocked(), "still within the grace period")
	require.Contains(t, r.players, alice.token)

	r.players[alice.token].LastSeen = time.Now().Add(-r.cfg.gracePeriod - time.Minute)

	assert.True(t, r.purgeOfflineLocked())
	assert.NotContains(t, r.players, alice.token)
	assert.NotContains(t, r.livePicks, alice.token)

	for _, view := range r.snapshotLocked().Players {
		assert.NotEqual(t, alice.token, view.Token)
	}
}

func TestHostNeverPurged(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))

	r.detach(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.players[host.token].LastSeen = time.Now().Add(-time.Hour)

	assert.False(t, r.purgeOfflineLocked())
	assert.Contains(t, r.players, host.token)
}

func TestKick(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")
	bob := joinTestPlayer(t, r, "Bob")

	// Non-hosts cannot kick.
	drain(alice)
	r.handleKick(alice, bob.token)
	_, isErr := findError(drain(alice))
	assert.True(t, isErr)

	// The host cannot be kicked.
	drain(host)
	r.handleKick(host, host.token)
	_, isErr = findError(drain(host))
	assert.True(t, isErr)

	r.handleKick(host, bob.token)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Contains(t, r.players, host.token)
	assert.Contains(t, r.players, alice.token)
	assert.NotContains(t, r.players, bob.token)
	assert.NotContains(t, r.livePicks, bob.token)
}

func TestSnapshotShape(t *testing.T) {
	r, host := newTestRoom(t, testStore(5))
	alice := joinTestPlayer(t, r, "Alice")

	r.mu.Lock()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	assert.Equal(t, "AB12C", snap.Code)
	assert.Equal(t, phaseLobby, snap.Phase)
	assert.Equal(t, -1, snap.QuestionIndex)
	assert.Nil(t, snap.CurrentQ, "no question outside question/reveal phases")
	assert.Nil(t, snap.Deadline)
	assert.Zero(t, snap.QuestionPoints)
	assert.Len(t, snap.Players, 2)

	r.handleStart(host)

	r.mu.Lock()
	r.players[alice.token].Score = 5
	snap = r.snapshotLocked()
	r.mu.Unlock()

	require.NotNil(t, snap.CurrentQ)
	assert.Len(t, snap.CurrentQ.Choices, 4)
	require.NotNil(t, snap.Deadline)
	assert.Equal(t, 1, snap.QuestionPoints)
	assert.Equal(t, alice.token, snap.Players[0].Token, "players sorted by score")
}
