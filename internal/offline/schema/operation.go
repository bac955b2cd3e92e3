package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind is the type of write a pending operation performs.
type Kind string

const (
	// KindInsert creates a new record.
	KindInsert Kind = "insert"
	// KindUpdate modifies the record identified by payload["id"].
	KindUpdate Kind = "update"
	// KindDelete removes the record identified by payload["id"].
	KindDelete Kind = "delete"
)

// IsValid reports whether k is one of the known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	default:
		return false
	}
}

// RequiresID reports whether operations of this kind must carry an id.
func (k Kind) RequiresID() bool {
	return k == KindUpdate || k == KindDelete
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("invalid operation kind %q (must be insert, update or delete)", s)
	}
	return k, nil
}

// Payload is the open key-value record sent to the remote collection.
type Payload map[string]any

// ID returns the record identifier carried by the payload, or "" if absent.
// String ids are returned as-is; numeric ids are formatted without exponent.
func (p Payload) ID() string {
	if p == nil {
		return ""
	}
	switch v := p["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// PendingOperation is a write that has not been replayed against the remote
// service yet.
type PendingOperation struct {
	ID         string  `json:"id" yaml:"id"`
	Collection string  `json:"collection" yaml:"collection"`
	Kind       Kind    `json:"kind" yaml:"kind"`
	Payload    Payload `json:"payload" yaml:"payload"`

	// EnqueuedAt is milliseconds since the Unix epoch.
	EnqueuedAt int64 `json:"enqueued_at" yaml:"enqueued_at"`

	RetryCount int `json:"retry_count" yaml:"retry_count"`

	// Priority ranks the operation within a sync pass (lower = earlier).
	Priority int `json:"priority" yaml:"priority"`
}

// NewPendingOperation builds an operation with a fresh id, the current time
// and the collection's default priority.
func NewPendingOperation(collection string, kind Kind, payload Payload, now time.Time) *PendingOperation {
	return &PendingOperation{
		ID:         uuid.NewString(),
		Collection: collection,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: now.UnixMilli(),
		Priority:   DefaultPriorityFor(collection),
	}
}

// Validate checks the fields that must be correct at enqueue time.
//
// A missing payload id for update/delete is deliberately not rejected here:
// that is detected when the operation is executed and goes through the
// regular retry policy.
func (op *PendingOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("id is required")
	}
	if op.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if !op.Kind.IsValid() {
		return fmt.Errorf("invalid kind %q", op.Kind)
	}
	if op.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	if op.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative (got %d)", op.RetryCount)
	}
	return nil
}

// TargetID returns the id of the record this operation targets.
func (op *PendingOperation) TargetID() string {
	return op.Payload.ID()
}

// DedupKey identifies the (collection, record id) pair. It is empty when the
// payload carries no id, in which case the operation is never deduplicated.
func (op *PendingOperation) DedupKey() string {
	id := op.TargetID()
	if id == "" {
		return ""
	}
	return op.Collection + "/" + id
}

// EnqueuedTime returns EnqueuedAt as a time.Time.
func (op *PendingOperation) EnqueuedTime() time.Time {
	return time.UnixMilli(op.EnqueuedAt)
}

// Clone returns a copy that does not share the payload map.
func (op *PendingOperation) Clone() *PendingOperation {
	c := *op
	c.Payload = op.Payload.Clone()
	return &c
}

// DecodeOperations parses a JSON array of operations. An empty string
// decodes to an empty list.
func DecodeOperations(data string) ([]*PendingOperation, error) {
	if data == "" {
		return []*PendingOperation{}, nil
	}
	var ops []*PendingOperation
	if err := json.Unmarshal([]byte(data), &ops); err != nil {
		return nil, fmt.Errorf("failed to parse pending operations: %w", err)
	}
	if ops == nil {
		ops = []*PendingOperation{}
	}
	return ops, nil
}

// EncodeOperations serializes the operation list as a JSON array.
func EncodeOperations(ops []*PendingOperation) (string, error) {
	if ops == nil {
		ops = []*PendingOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pending operations: %w", err)
	}
	return string(data), nil
}
