// Package games holds the data bundled with each quizbox game mode.
//
// trivia.csv is the built-in question bank, used when no question file is
// passed on the command line. One header row, then one question per row:
// prompt, correct answer, and three wrong answers, separated by semicolons.
package games

import (
	_ "embed"
)

//go:embed trivia.csv
var Trivia []byte
