package source

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ballee/entsync/internal/config"
	"github.com/ballee/entsync/internal/models"
)

// collectionSpec describes how one entity type is read out of the
// legacy store: the collection name plus the filter selecting
// migratable documents.
type collectionSpec struct {
	name   string
	filter bson.M
}

var collections = map[string]collectionSpec{
	models.TypeUsers: {
		name:   "users",
		filter: bson.M{"deleted": bson.M{"$ne": true}},
	},
	models.TypeMedia: {
		name: "media",
		filter: bson.M{
			"storage_key": bson.M{"$exists": true},
			"archived":    bson.M{"$ne": true},
		},
	},
	// Dependent notes: an owner but no owning organization.
	models.TypeNotes: {
		name: "notes",
		filter: bson.M{
			"owner_id":        bson.M{"$exists": true},
			"organization_id": bson.M{"$exists": false},
			"archived":        bson.M{"$ne": true},
		},
	},
}

// Client is the read-only handle on the legacy document store. The
// engine never writes to the source.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	log    *logrus.Entry
}

// Connect opens and verifies the source connection.
func Connect(ctx context.Context, cfg config.SourceConfig, log *logrus.Logger) (*Client, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(cfg.Timeout).
		SetConnectTimeout(cfg.Timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to source store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping source store: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database(cfg.Database),
		log:    log.WithField("component", "source"),
	}, nil
}

// Close releases the source connection.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Ping reports source connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Count returns the number of migratable documents for an entity type.
func (c *Client) Count(ctx context.Context, entityType string) (int64, error) {
	spec, err := specFor(entityType)
	if err != nil {
		return 0, err
	}
	n, err := c.db.Collection(spec.name).CountDocuments(ctx, spec.filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", spec.name, err)
	}
	return n, nil
}

// LegacyIDs returns the legacy ids of every migratable document of the
// type. The validators use this to name unmapped documents.
func (c *Client) LegacyIDs(ctx context.Context, entityType string) ([]string, error) {
	spec, err := specFor(entityType)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cur, err := c.db.Collection(spec.name).Find(ctx, spec.filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", spec.name, err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s id: %w", spec.name, err)
		}
		ids = append(ids, doc.ID.Hex())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s ids: %w", spec.name, err)
	}
	return ids, nil
}

// Each* streams documents in natural retrieval order. Documents that
// fail to decode go to bad with their legacy id ("" when even the _id
// was unreadable); only cursor errors abort the stream.

// EachUser streams identity documents.
func (c *Client) EachUser(ctx context.Context, fn func(models.LegacyUser) error, bad func(legacyID string, err error) error) error {
	return c.each(ctx, models.TypeUsers, func(cur *mongo.Cursor) error {
		var u models.LegacyUser
		if err := cur.Decode(&u); err != nil {
			return bad(rawLegacyID(cur.Current), fmt.Errorf("decode user document: %w", err))
		}
		return fn(u)
	})
}

// EachMedia streams content documents.
func (c *Client) EachMedia(ctx context.Context, fn func(models.LegacyMedia) error, bad func(legacyID string, err error) error) error {
	return c.each(ctx, models.TypeMedia, func(cur *mongo.Cursor) error {
		var m models.LegacyMedia
		if err := cur.Decode(&m); err != nil {
			return bad(rawLegacyID(cur.Current), fmt.Errorf("decode media document: %w", err))
		}
		return fn(m)
	})
}

// EachNote streams dependent note documents.
func (c *Client) EachNote(ctx context.Context, fn func(models.LegacyNote) error, bad func(legacyID string, err error) error) error {
	return c.each(ctx, models.TypeNotes, func(cur *mongo.Cursor) error {
		var n models.LegacyNote
		if err := cur.Decode(&n); err != nil {
			return bad(rawLegacyID(cur.Current), fmt.Errorf("decode note document: %w", err))
		}
		return fn(n)
	})
}

// rawLegacyID pulls the _id out of a raw document whose full decode
// failed, so the failure can still be attributed to a record.
func rawLegacyID(doc bson.Raw) string {
	if id, ok := doc.Lookup("_id").ObjectIDOK(); ok {
		return id.Hex()
	}
	return ""
}

func (c *Client) each(ctx context.Context, entityType string, decode func(*mongo.Cursor) error) error {
	spec, err := specFor(entityType)
	if err != nil {
		return err
	}
	cur, err := c.db.Collection(spec.name).Find(ctx, spec.filter)
	if err != nil {
		return fmt.Errorf("query %s: %w", spec.name, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		if err := decode(cur); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", spec.name, err)
	}
	return nil
}

func specFor(entityType string) (collectionSpec, error) {
	spec, ok := collections[entityType]
	if !ok {
		return collectionSpec{}, fmt.Errorf("unknown entity type %q", entityType)
	}
	return spec, nil
}
