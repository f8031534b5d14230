package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointsForRound(t *testing.T) {
	ramp := []struct {
		from, to, points int
	}{
		{1, 4, 1},
		{5, 9, 2},
		{10, 20, 4},
		{21, 25, 6},
		{26, 30, 10},
	}

	for _, step := range ramp {
		for round := step.from; round <= step.to; round++ {
			assert.Equal(t, step.points, pointsForRound(round), "round %d", round)
		}
	}
}

func TestPointsForRoundFallback(t *testing.T) {
	for _, round := range []int{-5, 0, 31, 100} {
		assert.Equal(t, 1, pointsForRound(round), "round %d", round)
	}
}
