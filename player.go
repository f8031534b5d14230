package main

import (
	"strings"
	"time"
)

// avatars players can pick from. Unknown selections fall back to the first.
var avatars = []string{"🦊", "🐼", "🐸", "🐵", "🐯", "🐙", "🐧", "🦄"}

// noChoice marks a player who has not answered the current question.
const noChoice = -1

// Player is one participant's persistent state within a room. The token is
// minted once and survives reconnects; the client pointer is nil while the
// player is offline.
type Player struct {
	Token  string
	Name   string
	Avatar string
	Score  int

	client    *wsClient
	Connected bool
	LastSeen  time.Time

	// One use per game, restored on game start.
	Joker5050 bool
	JokerSpy  bool
	JokerRisk bool

	// Per-question state, cleared when the next question begins.
	SelectedChoice int
	UsedRiskThisQ  bool
	UsedSpyThisQ   bool
}

func newPlayer(token, name, avatar string) *Player {
	return &Player{
		Token:          token,
		Name:           name,
		Avatar:         avatar,
		LastSeen:       time.Now(),
		Joker5050:      true,
		JokerSpy:       true,
		JokerRisk:      true,
		SelectedChoice: noChoice,
	}
}

func (p *Player) answered() bool {
	return p.SelectedChoice != noChoice
}

func (p *Player) resetForGame() {
	p.Score = 0
	p.Joker5050 = true
	p.JokerSpy = true
	p.JokerRisk = true
}

func (p *Player) resetForQuestion() {
	p.SelectedChoice = noChoice
	p.UsedRiskThisQ = false
	p.UsedSpyThisQ = false
}

// PlayerView is the public per-player slice of a room snapshot.
type PlayerView struct {
	Token     string `json:"token"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar"`
	Score     int    `json:"score"`
	Connected bool   `json:"connected"`
	Answered  bool   `json:"answered"`
	Joker5050 bool   `json:"joker_5050"`
	JokerSpy  bool   `json:"joker_spy"`
	JokerRisk bool   `json:"joker_risk"`
}

func (p *Player) publicView() PlayerView {
	return PlayerView{
		Token:     p.Token,
		Name:      p.Name,
		Avatar:    p.Avatar,
		Score:     p.Score,
		Connected: p.Connected,
		Answered:  p.answered(),
		Joker5050: p.Joker5050,
		JokerSpy:  p.JokerSpy,
		JokerRisk: p.JokerRisk,
	}
}

func validAvatar(avatar string) bool {
	for _, a := range avatars {
		if a == avatar {
			return true
		}
	}
	return false
}

// sanitizeName trims and caps a display name at 24 runes, substituting
// fallback when nothing usable remains.
func sanitizeName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}

	runes := []rune(name)
	if len(runes) > 24 {
		return string(runes[:24])
	}
	return name
}
