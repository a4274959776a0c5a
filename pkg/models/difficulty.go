package models

import (
	"fmt"
	"strings"
)

// Difficulty is an informational estimate of how hard a task is.
type Difficulty string

const (
	// DifficultyEasy is for small, mechanical changes.
	DifficultyEasy Difficulty = "easy"
	// DifficultyMedium is the default for ordinary tasks.
	DifficultyMedium Difficulty = "medium"
	// DifficultyHard is for tasks that need design work.
	DifficultyHard Difficulty = "hard"
	// DifficultyCritical is for risky tasks that touch shared foundations.
	DifficultyCritical Difficulty = "critical"
)

// Valid returns true if the difficulty is a known value.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyCritical:
		return true
	default:
		return false
	}
}

// ParseDifficulty parses a difficulty name, defaulting to medium when empty.
func ParseDifficulty(s string) (Difficulty, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DifficultyMedium, nil
	}
	d := Difficulty(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown difficulty %q (expected easy, medium, hard or critical)", s)
	}
	return d, nil
}
