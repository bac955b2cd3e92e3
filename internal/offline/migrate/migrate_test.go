package migrate

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/offline/schema"
	"github.com/fitdesk/fitsync/internal/offline/store"
)

func setupQueue(t *testing.T) *queue.Queue {
	t.Helper()
	fs, err := store.NewFileStorage(filepath.Join(t.TempDir(), "storage"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	q, err := queue.New(fs, queue.Config{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("failed to load queue: %v", err)
	}
	return q
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		flag    string
		path    string
		want    Format
		wantErr bool
	}{
		{"", "queue.jsonl", FormatJSONL, false},
		{"", "queue.YAML", FormatYAML, false},
		{"", "queue.yml", FormatYAML, false},
		{"", "queue", FormatJSONL, false},
		{"json", "queue.yaml", FormatJSONL, false},
		{"yaml", "queue.jsonl", FormatYAML, false},
		{"csv", "queue.csv", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.flag, tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q, %q) error = %v, wantErr %v", tt.flag, tt.path, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q, %q) = %s, want %s", tt.flag, tt.path, got, tt.want)
		}
	}
}

func TestReadJSONL(t *testing.T) {
	input := `{"id":"a","collection":"payments","kind":"insert","payload":{"id":"p1","amount":25},"enqueued_at":1,"retry_count":0,"priority":1}

{"id":"b","collection":"profiles","kind":"update","payload":{"id":"u1"},"enqueued_at":2,"retry_count":2,"priority":5}
`
	ops, err := ReadJSONL(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(ops))
	}
	if ops[0].ID != "a" || ops[0].Payload["amount"] != 25.0 {
		t.Errorf("first operation = %+v", ops[0])
	}
	if ops[1].Kind != schema.KindUpdate || ops[1].RetryCount != 2 {
		t.Errorf("second operation = %+v", ops[1])
	}
}

func TestReadJSONL_InvalidLine(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader("{\"id\":\"a\"}\nnot json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected error mentioning line 2, got %v", err)
	}
}

func TestWriteJSONL_OneLinePerOperation(t *testing.T) {
	ops := []*schema.PendingOperation{
		{ID: "a", Collection: "payments", Kind: schema.KindInsert, Payload: schema.Payload{"id": "p1"}},
		{ID: "b", Collection: "payments", Kind: schema.KindDelete, Payload: schema.Payload{"id": "p2"}},
	}
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, ops); err != nil {
		t.Fatalf("WriteJSONL failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"kind":"delete"`) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestReadYAML_Empty(t *testing.T) {
	ops, err := ReadYAML(strings.NewReader(""))
	if err != nil || len(ops) != 0 {
		t.Errorf("ReadYAML(empty) = %v, %v", ops, err)
	}
}

func TestExportImport_YAML(t *testing.T) {
	ctx := context.Background()
	src := setupQueue(t)
	if _, err := src.QueueOperation(ctx, schema.CollectionWeightRecords, schema.KindInsert, schema.Payload{"id": "w1", "weight": 80.5}); err != nil {
		t.Fatal(err)
	}
	if _, err := src.QueueOperation(ctx, schema.CollectionCheckIns, schema.KindInsert, schema.Payload{"id": "c1", "gym": "north"}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "out", "queue.yaml")
	n, err := Export(ctx, src, ExportOptions{Path: path})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if n != 2 {
		t.Errorf("exported %d, want 2", n)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "collection: weight_records") {
		t.Errorf("YAML output missing collection:\n%s", data)
	}

	dst := setupQueue(t)
	result, err := Import(ctx, dst, ImportOptions{Path: path})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Read != 2 || result.Imported != 2 || result.Skipped != 0 {
		t.Errorf("result = %+v", result)
	}

	want := src.Pending()
	got := dst.Pending()
	if len(got) != len(want) {
		t.Fatalf("imported %d operations, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Collection != want[i].Collection || got[i].EnqueuedAt != want[i].EnqueuedAt {
			t.Errorf("operation %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if got[0].Payload["weight"] != 80.5 {
		t.Errorf("payload weight = %v", got[0].Payload["weight"])
	}
}

func TestImport_ReplacesAndSkips(t *testing.T) {
	ctx := context.Background()
	q := setupQueue(t)
	if _, err := q.QueueOperation(ctx, schema.CollectionProfiles, schema.KindUpdate, schema.Payload{"id": "u1", "name": "old"}); err != nil {
		t.Fatal(err)
	}

	path := writeFile(t, "in.jsonl", `{"id":"x1","collection":"profiles","kind":"update","payload":{"id":"u1","name":"new"},"enqueued_at":5,"retry_count":3,"priority":5}
{"id":"x2","collection":"profiles","kind":"bogus","payload":{"id":"u2"},"enqueued_at":6}
{"id":"x3","collection":"payments","kind":"insert","payload":{"amount":10},"enqueued_at":7}
`)

	result, err := Import(ctx, q, ImportOptions{Path: path, ResetRetries: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Read != 3 || result.Imported != 2 || result.Replaced != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "x2") {
		t.Errorf("errors = %v", result.Errors)
	}

	ops := q.Pending()
	if len(ops) != 2 {
		t.Fatalf("queue has %d operations, want 2", len(ops))
	}
	if ops[0].ID != "x1" || ops[0].Payload["name"] != "new" || ops[0].RetryCount != 0 {
		t.Errorf("replaced operation = %+v", ops[0])
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	q := setupQueue(t)
	path := writeFile(t, "in.jsonl", `{"id":"x1","collection":"payments","kind":"insert","payload":{"id":"p1"},"enqueued_at":1}`+"\n")

	result, err := Import(ctx, q, ImportOptions{Path: path, DryRun: true, Backup: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Imported != 1 || result.BackupCreated != "" {
		t.Errorf("result = %+v", result)
	}
	if q.Count() != 0 {
		t.Errorf("dry run modified the queue: %d operations", q.Count())
	}
}

func TestImport_Backup(t *testing.T) {
	ctx := context.Background()
	q := setupQueue(t)
	if _, err := q.QueueOperation(ctx, schema.CollectionPayments, schema.KindInsert, schema.Payload{"id": "p0"}); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, "in.jsonl", `{"id":"x1","collection":"payments","kind":"insert","payload":{"id":"p1"},"enqueued_at":1}`+"\n")

	now := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	result, err := Import(ctx, q, ImportOptions{Path: path, Backup: true, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if want := path + ".backup.20261014-093000"; result.BackupCreated != want {
		t.Errorf("BackupCreated = %s, want %s", result.BackupCreated, want)
	}

	f, err := os.Open(result.BackupCreated)
	if err != nil {
		t.Fatalf("backup not written: %v", err)
	}
	defer f.Close()
	backup, err := ReadJSONL(f)
	if err != nil || len(backup) != 1 || backup[0].TargetID() != "p0" {
		t.Errorf("backup = %v, %v; want the pre-import queue", backup, err)
	}
	if q.Count() != 2 {
		t.Errorf("queue has %d operations, want 2", q.Count())
	}
}

func TestImport_MissingFile(t *testing.T) {
	if _, err := Import(context.Background(), setupQueue(t), ImportOptions{Path: "/nonexistent/queue.jsonl"}); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestExport_EmptyPath(t *testing.T) {
	if _, err := Export(context.Background(), setupQueue(t), ExportOptions{}); err == nil {
		t.Error("expected error for empty path")
	}
}
