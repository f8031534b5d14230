package main

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Seednode/quizbox/games"
)

// Question is one immutable entry from the question bank.
type Question struct {
	Text    string
	Correct string
	Wrong   [3]string
}

// questionStore holds the ordered question bank loaded once at startup.
// It is shared read-only between all rooms.
type questionStore struct {
	questions []Question
}

func (s *questionStore) count() int {
	return len(s.questions)
}

func (s *questionStore) byIndex(i int) Question {
	return s.questions[i]
}

// parseQuestions reads a semicolon-delimited question bank: one ignored
// header row, then rows of prompt, correct answer, and three wrong answers.
// Rows with fewer than five fields are skipped, and the result is capped
// at max entries.
func parseQuestions(r io.Reader, max int) ([]Question, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing question bank: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("question bank is empty")
	}

	questions := make([]Question, 0, max)
	for _, row := range rows[1:] {
		if len(row) < 5 {
			continue
		}

		q := Question{
			Text:    strings.TrimSpace(row[0]),
			Correct: strings.TrimSpace(row[1]),
		}
		for i := range q.Wrong {
			q.Wrong[i] = strings.TrimSpace(row[2+i])
		}

		questions = append(questions, q)
		if len(questions) == max {
			break
		}
	}

	if len(questions) == 0 {
		return nil, errors.New("question bank contains no usable rows")
	}

	return questions, nil
}

func loadQuestions(cfg *Config) (*questionStore, error) {
	var (
		source io.Reader
		origin string
	)

	if cfg.questionFile == "" {
		source = bytes.NewReader(games.Trivia)
		origin = "built-in bank"
	} else {
		f, err := os.Open(cfg.questionFile)
		if err != nil {
			return nil, fmt.Errorf("opening question file: %w", err)
		}
		defer f.Close()

		source = f
		origin = cfg.questionFile
	}

	questions, err := parseQuestions(source, cfg.maxQuestions)
	if err != nil {
		return nil, err
	}

	logf(cfg, "START: Loaded %d questions from %s", len(questions), origin)

	return &questionStore{questions: questions}, nil
}
