package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/h2non/gock"

	"github.com/fitdesk/fitsync/internal/offline/schema"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"explicit conflict", NewConflictError(errors.New("dup")), ClassConflict},
		{"explicit permanent", NewPermanentError(errors.New("bad")), ClassPermanent},
		{"wrapped explicit", fmt.Errorf("outer: %w", NewConflictError(errors.New("dup"))), ClassConflict},
		{"sqlite unique message", errors.New("UNIQUE constraint failed: weight_records.id"), ClassConflict},
		{"sqlite fk message", errors.New("FOREIGN KEY constraint failed"), ClassConflict},
		{"wrapped sqlite message", fmt.Errorf("failed to insert check_ins/c1: %w", errors.New("UNIQUE constraint failed: check_ins.id")), ClassConflict},
		{"postgres unique sqlstate", fmt.Errorf("failed to insert: %w", pgError{"23505"}), ClassConflict},
		{"postgres fk sqlstate", pgError{"23503"}, ClassConflict},
		{"postgres other sqlstate", pgError{"40001"}, ClassTransient},
		{"code on remote error", &Error{Code: "23505", Err: errors.New("duplicate key")}, ClassConflict},
		{"record id with conflict digits", fmt.Errorf("failed to update weight_records/%s: %w", "wr-23505", errors.New("database is locked")), ClassTransient},
		{"port with conflict digits", errors.New("dial tcp 10.0.0.7:23503: connect: connection refused"), ClassTransient},
		{"code in plain message", errors.New(`duplicate key value violates unique constraint (SQLSTATE 23505)`), ClassTransient},
		{"constraint text mid message", fmt.Errorf("failed to update notes/%s: %w", "UNIQUE constraint failed", errors.New("disk I/O error")), ClassTransient},
		{"missing id", fmt.Errorf("failed to update: %w", ErrMissingID), ClassPermanent},
		{"invalid collection", ErrInvalidCollection, ClassPermanent},
		{"network", errors.New("dial tcp: connection refused"), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"nil", nil, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// pgError mimics a Postgres driver error exposing its SQLSTATE.
type pgError struct{ code string }

func (e pgError) Error() string    { return "ERROR: violation (SQLSTATE " + e.code + ")" }
func (e pgError) SQLState() string { return e.code }

func TestErrorClass_String(t *testing.T) {
	if ClassConflict.String() != "conflict" || ClassTransient.String() != "transient" || ClassPermanent.String() != "permanent" {
		t.Error("unexpected class names")
	}
}

func TestExecute_MissingID(t *testing.T) {
	called := false
	svc := ServiceFunc(func(context.Context, schema.Kind, string, schema.Payload) error {
		called = true
		return nil
	})

	for _, kind := range []schema.Kind{schema.KindUpdate, schema.KindDelete} {
		op := &schema.PendingOperation{ID: "op", Collection: "weight_records", Kind: kind, Payload: schema.Payload{"weight": 80}}
		err := Execute(context.Background(), svc, op)
		if !errors.Is(err, ErrMissingID) {
			t.Errorf("Execute(%s) error = %v, want ErrMissingID", kind, err)
		}
	}
	if called {
		t.Error("service must not be called when the id is missing")
	}
}

func TestExecute_Dispatch(t *testing.T) {
	var gotKind schema.Kind
	var gotCollection string
	svc := ServiceFunc(func(_ context.Context, kind schema.Kind, collection string, _ schema.Payload) error {
		gotKind, gotCollection = kind, collection
		return nil
	})

	for _, kind := range []schema.Kind{schema.KindInsert, schema.KindUpdate, schema.KindDelete} {
		op := &schema.PendingOperation{ID: "op", Collection: "check_ins", Kind: kind, Payload: schema.Payload{"id": "c1"}}
		if err := Execute(context.Background(), svc, op); err != nil {
			t.Fatalf("Execute(%s) error = %v", kind, err)
		}
		if gotKind != kind || gotCollection != "check_ins" {
			t.Errorf("dispatched %s/%s, want %s/check_ins", gotKind, gotCollection, kind)
		}
	}
}

func setupSQLService(t *testing.T) *SQLService {
	t.Helper()
	svc, err := OpenSQL(filepath.Join(t.TempDir(), "remote.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Failed to open remote database: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestSQLService_CRUD(t *testing.T) {
	svc := setupSQLService(t)
	ctx := context.Background()

	if err := svc.Insert(ctx, "weight_records", schema.Payload{"id": "r1", "weight": 80.0}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	doc, ok, err := svc.Get(ctx, "weight_records", "r1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", doc, ok, err)
	}
	if doc["weight"] != 80.0 {
		t.Errorf("weight = %v, want 80", doc["weight"])
	}

	if err := svc.Update(ctx, "weight_records", schema.Payload{"id": "r1", "weight": 79.5}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	doc, _, _ = svc.Get(ctx, "weight_records", "r1")
	if doc["weight"] != 79.5 {
		t.Errorf("weight after update = %v, want 79.5", doc["weight"])
	}

	if err := svc.Update(ctx, "weight_records", schema.Payload{"id": "missing", "weight": 1.0}); err != nil {
		t.Errorf("Update(missing) error = %v, want nil", err)
	}

	if err := svc.Delete(ctx, "weight_records", schema.Payload{"id": "r1"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := svc.Get(ctx, "weight_records", "r1"); ok {
		t.Error("record still present after Delete")
	}
}

func TestSQLService_DuplicateInsertIsConflict(t *testing.T) {
	svc := setupSQLService(t)
	ctx := context.Background()

	if err := svc.Insert(ctx, "check_ins", schema.Payload{"id": "c1"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	err := svc.Insert(ctx, "check_ins", schema.Payload{"id": "c1"})
	if err == nil {
		t.Fatal("expected error on duplicate insert")
	}
	if got := ClassifyError(err); got != ClassConflict {
		t.Errorf("ClassifyError(duplicate insert) = %v, want conflict (err: %v)", got, err)
	}
}

func TestSQLService_InsertAssignsID(t *testing.T) {
	svc := setupSQLService(t)
	ctx := context.Background()

	payload := schema.Payload{"amount": 25.0}
	if err := svc.Insert(ctx, "payments", payload); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, ok := payload["id"]; ok {
		t.Error("Insert must not mutate the caller's payload")
	}

	docs, err := svc.List(ctx, "payments")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID() == "" {
		t.Errorf("List() = %v, want one record with a generated id", docs)
	}
}

func TestSQLService_InvalidCollection(t *testing.T) {
	svc := setupSQLService(t)
	err := svc.Insert(context.Background(), "users; DROP TABLE x", schema.Payload{"id": "1"})
	if !errors.Is(err, ErrInvalidCollection) {
		t.Errorf("Insert(bad collection) error = %v, want ErrInvalidCollection", err)
	}
}

func TestSQLService_UpdateWithoutID(t *testing.T) {
	svc := setupSQLService(t)
	if err := svc.Update(context.Background(), "profiles", schema.Payload{"name": "x"}); !errors.Is(err, ErrMissingID) {
		t.Errorf("Update() error = %v, want ErrMissingID", err)
	}
}

func setupHTTPService(t *testing.T) *HTTPService {
	t.Helper()
	client := &http.Client{}
	gock.InterceptClient(client)
	t.Cleanup(func() {
		gock.RestoreClient(client)
		gock.OffAll()
	})

	svc, err := NewHTTPService(HTTPConfig{
		BaseURL: "https://studio.example.com",
		APIKey:  "anon-key",
		Client:  client,
	})
	if err != nil {
		t.Fatalf("Failed to create HTTP service: %v", err)
	}
	return svc
}

func TestHTTPService_Insert(t *testing.T) {
	svc := setupHTTPService(t)

	gock.New("https://studio.example.com").
		Post("/rest/v1/weight_records").
		MatchHeader("apikey", "anon-key").
		MatchHeader("Authorization", "Bearer anon-key").
		JSON(map[string]any{"id": "r1", "weight": 80}).
		Reply(201)

	err := svc.Insert(context.Background(), "weight_records", schema.Payload{"id": "r1", "weight": 80})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if !gock.IsDone() {
		t.Error("expected request was not sent")
	}
}

func TestHTTPService_UpdateDelete(t *testing.T) {
	svc := setupHTTPService(t)

	gock.New("https://studio.example.com").
		Patch("/rest/v1/profiles").
		MatchParam("id", "eq.p1").
		Reply(204)
	gock.New("https://studio.example.com").
		Delete("/rest/v1/profiles").
		MatchParam("id", "eq.p1").
		Reply(204)

	ctx := context.Background()
	if err := svc.Update(ctx, "profiles", schema.Payload{"id": "p1", "name": "Ana"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := svc.Delete(ctx, "profiles", schema.Payload{"id": "p1"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !gock.IsDone() {
		t.Error("expected requests were not sent")
	}
}

func TestHTTPService_ErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]any
		want   ErrorClass
	}{
		{"unique violation", 409, map[string]any{"code": "23505", "message": "duplicate key"}, ClassConflict},
		{"fk violation", 400, map[string]any{"code": "23503", "message": "fk"}, ClassConflict},
		{"server error", 503, map[string]any{"message": "unavailable"}, ClassTransient},
		{"rate limited", 429, nil, ClassTransient},
		{"bad request", 400, map[string]any{"code": "PGRST204", "message": "column not found"}, ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := setupHTTPService(t)

			reply := gock.New("https://studio.example.com").
				Post("/rest/v1/check_ins").
				Reply(tt.status)
			if tt.body != nil {
				reply.JSON(tt.body)
			}

			err := svc.Insert(context.Background(), "check_ins", schema.Payload{"id": "c1"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := ClassifyError(err); got != tt.want {
				t.Errorf("class = %v, want %v (err: %v)", got, tt.want, err)
			}

			var re *Error
			if !errors.As(err, &re) || re.Status != tt.status {
				t.Errorf("expected *Error with status %d, got %v", tt.status, err)
			}
		})
	}
}

func TestHTTPService_List(t *testing.T) {
	svc := setupHTTPService(t)

	gock.New("https://studio.example.com").
		Get("/rest/v1/workout_logs").
		MatchParam("select", `\*`).
		Reply(200).
		JSON([]map[string]any{{"id": "w1"}, {"id": "w2"}})

	docs, err := svc.List(context.Background(), "workout_logs")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 2 || docs[1].ID() != "w2" {
		t.Errorf("List() = %v", docs)
	}
}

func TestNewHTTPService_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     HTTPConfig
		wantErr bool
	}{
		{"empty url", HTTPConfig{}, true},
		{"bad scheme", HTTPConfig{BaseURL: "ftp://x"}, true},
		{"ok", HTTPConfig{BaseURL: "https://studio.example.com/"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPService(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewHTTPService() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
