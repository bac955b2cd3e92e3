// Package remote defines the contract of the remote collection service that
// pending operations are replayed against, the classifier that turns its
// failures into retry decisions, and two backends: a SQL collection store
// and a PostgREST-style HTTP API.
package remote

import (
	"context"
	"fmt"

	"github.com/fitdesk/fitsync/internal/offline/schema"
)

// Service is a collection-oriented remote data API.
type Service interface {
	// Insert creates a record in collection.
	Insert(ctx context.Context, collection string, payload schema.Payload) error

	// Update modifies the record identified by payload["id"].
	Update(ctx context.Context, collection string, payload schema.Payload) error

	// Delete removes the record identified by payload["id"].
	Delete(ctx context.Context, collection string, payload schema.Payload) error
}

// Reader lists records of a collection. It backs the read path that the
// cache layer revalidates.
type Reader interface {
	List(ctx context.Context, collection string) ([]schema.Payload, error)
}

// Execute replays op against svc.
//
// Update and delete without a payload id fail with ErrMissingID before
// anything is sent.
func Execute(ctx context.Context, svc Service, op *schema.PendingOperation) error {
	if op.Kind.RequiresID() && op.TargetID() == "" {
		return fmt.Errorf("failed to %s %s: %w", op.Kind, op.Collection, ErrMissingID)
	}

	switch op.Kind {
	case schema.KindInsert:
		return svc.Insert(ctx, op.Collection, op.Payload)
	case schema.KindUpdate:
		return svc.Update(ctx, op.Collection, op.Payload)
	case schema.KindDelete:
		return svc.Delete(ctx, op.Collection, op.Payload)
	default:
		return NewPermanentError(fmt.Errorf("unknown operation kind %q", op.Kind))
	}
}

// ServiceFunc adapts a single function to Service, dispatching every kind to it.
type ServiceFunc func(ctx context.Context, kind schema.Kind, collection string, payload schema.Payload) error

// Insert implements Service.Insert.
func (f ServiceFunc) Insert(ctx context.Context, collection string, payload schema.Payload) error {
	return f(ctx, schema.KindInsert, collection, payload)
}

// Update implements Service.Update.
func (f ServiceFunc) Update(ctx context.Context, collection string, payload schema.Payload) error {
	return f(ctx, schema.KindUpdate, collection, payload)
}

// Delete implements Service.Delete.
func (f ServiceFunc) Delete(ctx context.Context, collection string, payload schema.Payload) error {
	return f(ctx, schema.KindDelete, collection, payload)
}

func checkCollection(name string) error {
	if err := schema.ValidateCollectionName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCollection, err)
	}
	return nil
}
