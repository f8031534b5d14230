package main

// pointsForRound maps a 1-based round number to its point value. Early
// rounds are cheap and the ramp steepens toward round 30; rounds outside
// the table fall back to a single point.
func pointsForRound(round int) int {
	switch {
	case round >= 1 && round <= 4:
		return 1
	case round >= 5 && round <= 9:
		return 2
	case round >= 10 && round <= 20:
		return 4
	case round >= 21 && round <= 25:
		return 6
	case round >= 26 && round <= 30:
		return 10
	default:
		return 1
	}
}
