package schema

import (
	"fmt"
	"regexp"
)

// Collection names used by the studio app.
const (
	CollectionPayments         = "payments"
	CollectionCheckIns         = "check_ins"
	CollectionClassBookings    = "class_bookings"
	CollectionWeightRecords    = "weight_records"
	CollectionWorkoutLogs      = "workout_logs"
	CollectionNutritionLogs    = "nutrition_logs"
	CollectionBodyMeasurements = "body_measurements"
	CollectionProfiles         = "profiles"
	CollectionNotifications    = "notifications"
)

// DefaultPriority is used for collections missing from the priority table.
const DefaultPriority = 5

// Money and attendance first; they are what the front desk reconciles.
var defaultPriorities = map[string]int{
	CollectionPayments:         1,
	CollectionCheckIns:         1,
	CollectionClassBookings:    2,
	CollectionWeightRecords:    3,
	CollectionWorkoutLogs:      3,
	CollectionNutritionLogs:    3,
	CollectionBodyMeasurements: 4,
	CollectionProfiles:         5,
	CollectionNotifications:    6,
}

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateCollectionName checks that name is usable as a remote collection
// (and therefore as a SQL table name).
func ValidateCollectionName(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("invalid collection name %q (must match %s)", name, collectionNameRe.String())
	}
	return nil
}

// Priorities maps collection names to priority ranks.
type Priorities map[string]int

// DefaultPriorities returns a copy of the static priority table.
func DefaultPriorities() Priorities {
	p := make(Priorities, len(defaultPriorities))
	for k, v := range defaultPriorities {
		p[k] = v
	}
	return p
}

// For returns the priority of collection, falling back to DefaultPriority.
func (p Priorities) For(collection string) int {
	if v, ok := p[collection]; ok {
		return v
	}
	return DefaultPriority
}

// Merge returns a copy of p with overrides applied on top.
func (p Priorities) Merge(overrides map[string]int) Priorities {
	out := make(Priorities, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// DefaultPriorityFor returns the static default priority of collection.
func DefaultPriorityFor(collection string) int {
	if v, ok := defaultPriorities[collection]; ok {
		return v
	}
	return DefaultPriority
}
