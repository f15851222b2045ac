package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LegacyUser is an identity document from the legacy store. The
// password hash is carried through verbatim into the destination
// credential field and must never be logged.
type LegacyUser struct {
	ID           primitive.ObjectID `bson:"_id"`
	Email        string             `bson:"email"`
	PasswordHash string             `bson:"password_hash"`
	DisplayName  string             `bson:"display_name"`
	Providers    []string           `bson:"providers"`
	CreatedAt    time.Time          `bson:"created_at"`
}

// LegacyID returns the opaque source-store identifier.
func (u LegacyUser) LegacyID() string { return u.ID.Hex() }

// LegacyMedia is a content document. Size is decoded loosely because
// the legacy store holds it as int32, int64, double or string depending
// on which client wrote it.
type LegacyMedia struct {
	ID         primitive.ObjectID `bson:"_id"`
	OwnerID    primitive.ObjectID `bson:"owner_id"`
	Title      string             `bson:"title"`
	StorageKey string             `bson:"storage_key"`
	MimeType   string             `bson:"mime_type"`
	Size       interface{}        `bson:"size"`
	CreatedAt  time.Time          `bson:"created_at"`
}

// LegacyID returns the opaque source-store identifier.
func (m LegacyMedia) LegacyID() string { return m.ID.Hex() }

// LegacyNote is a dependent document that references an owner but no
// organization. Notes attached to an organization are excluded at the
// source query.
type LegacyNote struct {
	ID        primitive.ObjectID `bson:"_id"`
	OwnerID   primitive.ObjectID `bson:"owner_id"`
	Body      string             `bson:"body"`
	CreatedAt time.Time          `bson:"created_at"`
}

// LegacyID returns the opaque source-store identifier.
func (n LegacyNote) LegacyID() string { return n.ID.Hex() }
