package daemon_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fitdesk/fitsync/internal/offline/daemon"
	"github.com/fitdesk/fitsync/internal/offline/remote"
	"github.com/fitdesk/fitsync/internal/offline/schema"
	"github.com/fitdesk/fitsync/internal/offline/store"
)

// ExampleSyncManager queues writes while the device is offline and
// replays them once it is back.
func ExampleSyncManager() {
	dir, err := os.MkdirTemp("", "fitsync-example-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	storage, err := store.NewFileStorage(dir)
	if err != nil {
		log.Fatal(err)
	}

	// The remote prints what it receives; a real deployment uses
	// remote.OpenSQL or remote.NewHTTPService.
	svc := remote.ServiceFunc(func(_ context.Context, kind schema.Kind, collection string, p schema.Payload) error {
		fmt.Printf("remote: %s %s/%s\n", kind, collection, p.ID())
		return nil
	})

	m, err := daemon.New(daemon.Options{
		Storage:      storage,
		Service:      svc,
		Logger:       log.New(io.Discard, "", 0),
		DisableWatch: true,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer m.Stop()

	ctx := context.Background()
	if err := m.Queue().Load(ctx); err != nil {
		log.Fatal(err)
	}

	// Writes go to the queue first
	if _, err := m.Queue().QueueOperation(ctx, "weight_records", schema.KindInsert, schema.Payload{"id": "w-1", "weight": 81.2}); err != nil {
		log.Fatal(err)
	}
	if _, err := m.Queue().QueueOperation(ctx, "payments", schema.KindInsert, schema.Payload{"id": "p-9", "amount": 40}); err != nil {
		log.Fatal(err)
	}
	fmt.Println("pending:", m.State().PendingCount)

	// Payments outrank weight entries
	res, err := m.SyncNow(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("synced %d of %d, pending: %d\n", res.Succeeded, res.Total, m.State().PendingCount)
	// Output:
	// pending: 2
	// remote: insert payments/p-9
	// remote: insert weight_records/w-1
	// synced 2 of 2, pending: 0
}
