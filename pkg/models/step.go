package models

import (
	"slices"
	"time"
)

// ErrorClass tells the retry machinery whether a failure may be retried.
type ErrorClass string

const (
	ErrorClassRetryable ErrorClass = "RETRYABLE"
	ErrorClassTerminal  ErrorClass = "TERMINAL"
)

type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// StepRecord tracks the attempts of one activity within an execution.
type StepRecord struct {
	Name           string     `json:"name"`
	Status         StepStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	LastErrorClass ErrorClass `json:"last_error_class,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Cached         bool       `json:"cached,omitempty"`
	Output         []byte     `json:"output,omitempty"`
	// Folded is set once Output was summarized into the execution's Carry
	// and dropped.
	Folded         bool       `json:"folded,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (s StepRecord) Succeeded() bool {
	return s.Status == StepStatusSucceeded
}

func (s StepRecord) clone() StepRecord {
	c := s
	c.Output = slices.Clone(s.Output)

	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}

	return c
}
