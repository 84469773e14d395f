package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a recurring trigger for one workflow type. It keeps the cron
// expression and the precomputed next fire time.
type Schedule struct {
	// ID uniquely identifies this schedule entry
	ID string `json:"id" validate:"required"`

	// WorkflowType is the workflow started each time the schedule fires
	WorkflowType WorkflowType `json:"workflow_type" validate:"required"`

	// CronExpression uses the standard 5-field format (minute hour day month weekday)
	CronExpression string `json:"cron_expression" validate:"required"`

	// NextDueAt is the precomputed next fire time
	NextDueAt time.Time `json:"next_due_at"`

	// LastFiredAt is set each time the schedule fires
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Active schedules are the only ones the scheduler fires
	Active bool `json:"active"`
}

// ErrInvalidSchedule is returned when schedule validation fails
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewSchedule creates a new Schedule with the next fire time calculated.
func NewSchedule(id string, workflowType WorkflowType, cronExpression string) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		ID:             id,
		WorkflowType:   workflowType,
		CronExpression: cronExpression,
		CreatedAt:      now,
		UpdatedAt:      now,
		Active:         true,
	}

	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	if err := schedule.calculateNextDueAt(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// MarkFired records a fire at firedAt and advances NextDueAt past it.
func (s *Schedule) MarkFired(firedAt time.Time) error {
	t := firedAt.UTC()
	s.LastFiredAt = &t

	return s.calculateNextDueAt(t)
}

// calculateNextDueAt is the shared logic for calculating next fire time.
func (s *Schedule) calculateNextDueAt(referenceTime time.Time) error {
	cronSchedule, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		return err
	}

	s.NextDueAt = cronSchedule.Next(referenceTime)
	s.UpdatedAt = time.Now().UTC()

	return nil
}

// IsDue checks if this schedule is due at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}

// Validate performs validation on the schedule fields.
func (s *Schedule) Validate() error {
	if s.ID == "" || s.WorkflowType == "" || s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	_, err := cronParser.Parse(s.CronExpression)

	return err
}
