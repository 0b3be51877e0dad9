package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/stores"
)

// ExampleOpen demonstrates opening a migrated SQLite store.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{
		Driver:          stores.DriverSQLite,
		DSN:             ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	}, nil, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLStore_UpdateNodeExecution demonstrates the versioned write every
// engine transition goes through.
func ExampleSQLStore_UpdateNodeExecution() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{DSN: ":memory:"}, nil, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	amb, _ := engine.NewAmbiance("pe-1", "plan-1", nil)
	ne := &engine.NodeExecution{
		UUID:     "ne-1",
		NodeID:   "build",
		StepType: "SHELL",
		Status:   engine.StatusQueued,
		Ambiance: amb.CloneForChild(engine.Level{SetupID: "build", RuntimeID: "ne-1", Identifier: "build"}),
	}
	if err := store.CreateNodeExecution(ctx, ne); err != nil {
		log.Fatal(err)
	}

	stale := *ne
	ne.Status = engine.StatusRunning
	if err := store.UpdateNodeExecution(ctx, ne); err != nil {
		log.Fatal(err)
	}

	stale.Status = engine.StatusAborted
	err = store.UpdateNodeExecution(ctx, &stale)
	fmt.Println("version:", ne.Version)
	fmt.Println("stale write rejected:", err != nil)
	// Output:
	// version: 2
	// stale write rejected: true
}

// ExampleSQLQueue demonstrates publishing and leasing a message.
func ExampleSQLQueue() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{DSN: ":memory:"}, nil, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	q := stores.NewSQLQueue(store)
	if err := q.Publish(ctx, "pms.node", []byte(`{"type":"START"}`)); err != nil {
		log.Fatal(err)
	}
	msgs, err := q.Receive(ctx, "pms.node", 10, time.Minute)
	if err != nil {
		log.Fatal(err)
	}
	for _, m := range msgs {
		fmt.Println(string(m.Payload))
		_ = q.Ack(ctx, m)
	}
	// Output: {"type":"START"}
}
