package dbpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DocumentConfig configures the MongoDB pool.
type DocumentConfig struct {
	URI      string
	Database string
	MinPool  uint64
	MaxPool  uint64
}

// Defaults for the document pool.
const (
	DefaultDocumentMinPool = 5
	DefaultDocumentMaxPool = 20
)

// Mongo wraps the document-store client with pool accounting. The
// driver does not expose checkout counts, so a pool monitor keeps them.
type Mongo struct {
	Client   *mongo.Client
	Database string
	maxPool  uint64

	checkedOut atomic.Int64
	waiting    atomic.Int64
}

// OpenDocument connects to MongoDB with the configured pool bounds and
// verifies connectivity.
func OpenDocument(ctx context.Context, cfg DocumentConfig) (*Mongo, error) {
	minPool := cfg.MinPool
	if minPool == 0 {
		minPool = DefaultDocumentMinPool
	}
	maxPool := cfg.MaxPool
	if maxPool == 0 {
		maxPool = DefaultDocumentMaxPool
	}

	m := &Mongo{Database: cfg.Database, maxPool: maxPool}
	monitor := &event.PoolMonitor{Event: m.observe}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMinPoolSize(minPool).
		SetMaxPoolSize(maxPool).
		SetPoolMonitor(monitor)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	m.Client = client
	return m, nil
}

// observe tracks checkout lifecycle events. Event names follow the
// connection-monitoring spec and are stable across driver versions.
func (m *Mongo) observe(evt *event.PoolEvent) {
	switch evt.Type {
	case "ConnectionCheckOutStarted":
		m.waiting.Add(1)
	case "ConnectionCheckedOut":
		m.waiting.Add(-1)
		m.checkedOut.Add(1)
	case "ConnectionCheckOutFailed":
		m.waiting.Add(-1)
	case "ConnectionCheckedIn":
		m.checkedOut.Add(-1)
	}
}

// Collection returns a handle in the configured database.
func (m *Mongo) Collection(name string) *mongo.Collection {
	return m.Client.Database(m.Database).Collection(name)
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// Health reports the document pool's utilization.
func (m *Mongo) Health() PoolHealth {
	inUse := int(m.checkedOut.Load())
	if inUse < 0 {
		inUse = 0
	}
	waiting := int(m.waiting.Load())
	if waiting < 0 {
		waiting = 0
	}
	max := int(m.maxPool)
	available := max - inUse
	if available < 0 {
		available = 0
	}
	return gradePool("document", inUse, available, waiting, max)
}
