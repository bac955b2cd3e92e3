package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is a typed row of a remote collection.
type Record interface {
	RecordID() string
}

// WeightRecord is a member's body-weight entry.
type WeightRecord struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	WeightKg   float64   `json:"weight"`
	BodyFatPct *float64  `json:"body_fat,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	Notes      string    `json:"notes,omitempty"`
}

func (r WeightRecord) RecordID() string { return r.ID }

// CheckIn is a QR check-in at the studio.
type CheckIn struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	CheckedInAt time.Time `json:"checked_in_at"`
	Method      string    `json:"method"` // qr, manual
	ClassID     string    `json:"class_id,omitempty"`
}

func (r CheckIn) RecordID() string { return r.ID }

// WorkoutLog is one completed workout session.
type WorkoutLog struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	WorkoutID   string    `json:"workout_id"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMin int       `json:"duration_minutes"`
	Exercises   []SetLog  `json:"exercises,omitempty"`
}

func (r WorkoutLog) RecordID() string { return r.ID }

// SetLog is a single exercise entry inside a WorkoutLog.
type SetLog struct {
	Exercise string  `json:"exercise"`
	Sets     int     `json:"sets"`
	Reps     int     `json:"reps"`
	LoadKg   float64 `json:"load,omitempty"`
}

// NutritionLog is a meal entry.
type NutritionLog struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id"`
	Meal     string    `json:"meal"` // breakfast, lunch, dinner, snack
	Calories int       `json:"calories"`
	ProteinG float64   `json:"protein,omitempty"`
	CarbsG   float64   `json:"carbs,omitempty"`
	FatG     float64   `json:"fat,omitempty"`
	EatenAt  time.Time `json:"eaten_at"`
}

func (r NutritionLog) RecordID() string { return r.ID }

// ClassBooking reserves a spot in a scheduled class.
type ClassBooking struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id"`
	ClassID  string    `json:"class_id"`
	Status   string    `json:"status"` // booked, cancelled, attended
	BookedAt time.Time `json:"booked_at"`
}

func (r ClassBooking) RecordID() string { return r.ID }

// ToPayload converts a typed record into the open payload representation.
func ToPayload(rec Record) (Payload, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to convert record to payload: %w", err)
	}
	// Records with an empty id are inserts whose id is assigned remotely.
	if rec.RecordID() == "" {
		delete(p, "id")
	}
	return p, nil
}

// FromPayload converts a payload back into a typed record.
func FromPayload[T Record](p Payload) (T, error) {
	var rec T
	data, err := json.Marshal(p)
	if err != nil {
		return rec, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to convert payload to record: %w", err)
	}
	return rec, nil
}
