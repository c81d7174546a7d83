// Package entity defines the clinical entity kinds fieldsync stores and the
// JSON schemas their payloads are validated against.
package entity

import "time"

// Kind names an entity type. It doubles as the store partition name and the
// remote collection path.
type Kind string

const (
	KindPatient      Kind = "patients"
	KindExercise     Kind = "exercises"
	KindSession      Kind = "sessions"
	KindProgressNote Kind = "progress_notes"
)

// Patient is a person under care.
type Patient struct {
	Name      string `json:"name"`
	BirthDate string `json:"birthDate,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Condition string `json:"condition,omitempty"`
	Address   string `json:"address,omitempty"`
}

// Exercise is a prescribed exercise, optionally backed by a video.
type Exercise struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	VideoID     string `json:"videoId,omitempty"`
	Sets        int    `json:"sets,omitempty"`
	Repetitions int    `json:"repetitions,omitempty"`
}

// Session statuses.
const (
	SessionScheduled = "scheduled"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// Session is a home visit.
type Session struct {
	PatientLocalID  string    `json:"patientLocalId"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	DurationMinutes int       `json:"durationMinutes,omitempty"`
	ExerciseIDs     []string  `json:"exerciseIds,omitempty"`
	Status          string    `json:"status,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// ProgressNote is a clinical note written during or after a session.
type ProgressNote struct {
	PatientLocalID string `json:"patientLocalId"`
	SessionLocalID string `json:"sessionLocalId,omitempty"`
	Note           string `json:"note"`
	PainLevel      int    `json:"painLevel,omitempty"`
}
