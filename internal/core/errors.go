// Package core defines the fundamental types and errors for HabitMind.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Validation errors
	ErrInvalidInput      = errors.New("invalid input")
	ErrMissingRequired   = errors.New("missing required field")
	ErrNegativeDelay     = errors.New("negative delay between events")
	ErrConfidenceRange   = errors.New("confidence out of range [0,1]")
	ErrInvalidOccurrence = errors.New("unrecognized occurrence pattern")
	ErrInvalidTransition = errors.New("invalid reminder status transition")

	// Storage errors
	ErrEventNotFound       = errors.New("event not found")
	ErrTransitionNotFound  = errors.New("transition not found")
	ErrReminderNotFound    = errors.New("reminder not found")
	ErrRoutineNotFound     = errors.New("routine not found")
	ErrPreferencesNotFound = errors.New("preferences not found")
	ErrConfigNotFound      = errors.New("configuration key not found")
	ErrDuplicateRecord     = errors.New("duplicate record")
	ErrMigrationFailed     = errors.New("migration failed")

	// Concurrency errors
	ErrConflict = errors.New("concurrent update conflict")

	// External collaborator errors
	ErrLLMUnavailable = errors.New("language model unavailable")
)
