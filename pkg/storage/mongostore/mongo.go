package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/platinummonkey/netforge/pkg/config"
	"github.com/platinummonkey/netforge/pkg/observability"
)

const (
	CollectionDesigns   = "designs"
	CollectionEquipment = "equipment"
)

// Connect opens a client, pings the primary and returns the configured database
func Connect(ctx context.Context, cfg config.MongoConfig, logger *observability.Logger) (*mongo.Client, *mongo.Database, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, nil, fmt.Errorf("mongo uri and database are required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	if logger != nil {
		logger.WithField("database", cfg.Database).Info("Connected to MongoDB")
	}
	return client, client.Database(cfg.Database), nil
}

// CollectionIndexes groups index models for one collection
type CollectionIndexes struct {
	Collection string
	Indexes    []mongo.IndexModel
}

// DefaultIndexes returns the indexes the design and equipment stores rely on
func DefaultIndexes() []CollectionIndexes {
	return []CollectionIndexes{
		{
			Collection: CollectionDesigns,
			Indexes: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "updated_at", Value: -1}},
					Options: options.Index().SetName("org_updated"),
				},
				{
					Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "status", Value: 1}},
					Options: options.Index().SetName("org_status"),
				},
				{
					Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "devices.equipment_id", Value: 1}},
					Options: options.Index().SetName("org_device_equipment"),
				},
				{
					Keys:    bson.D{{Key: "name", Value: "text"}, {Key: "description", Value: "text"}, {Key: "tags", Value: "text"}},
					Options: options.Index().SetName("design_text"),
				},
			},
		},
		{
			Collection: CollectionEquipment,
			Indexes: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "vendor", Value: 1}, {Key: "model", Value: 1}},
					Options: options.Index().SetName("org_vendor_model").SetUnique(true),
				},
				{
					Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "category", Value: 1}},
					Options: options.Index().SetName("org_category"),
				},
			},
		},
	}
}

// EnsureIndexes creates every index in specs. Creating an index that already
// exists with the same definition is a no-op on the server.
func EnsureIndexes(ctx context.Context, db *mongo.Database, specs []CollectionIndexes, logger *observability.Logger) error {
	for _, spec := range specs {
		if len(spec.Indexes) == 0 {
			continue
		}
		names, err := db.Collection(spec.Collection).Indexes().CreateMany(ctx, spec.Indexes)
		if err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", spec.Collection, err)
		}
		if logger != nil {
			logger.WithField("collection", spec.Collection).WithField("indexes", names).Debug("Indexes ensured")
		}
	}
	return nil
}
