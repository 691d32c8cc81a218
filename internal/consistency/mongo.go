package consistency

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meddexhq/deidentify/internal/encryption"
)

const stateCollection = "deid_patient_state"

// MongoStore persists state in a MongoDB collection. At-most-once
// creation rides on FindOneAndUpdate with $setOnInsert and upsert: the
// first writer inserts, everyone else reads the inserted document.
type MongoStore struct {
	coll    *mongo.Collection
	deriver Deriver
	cipher  *encryption.Cipher
}

func NewMongoStore(db *mongo.Database, deriver Deriver) *MongoStore {
	return &MongoStore{coll: db.Collection(stateCollection), deriver: deriver}
}

// EncryptSalts seals hash salts with c before they reach the database.
// Set it before first use: documents written under a different key
// cannot be read back.
func (s *MongoStore) EncryptSalts(c *encryption.Cipher) *MongoStore {
	s.cipher = c
	return s
}

type mongoState struct {
	PatientKey    string    `bson:"_id"`
	DateShiftDays int       `bson:"date_shift_days"`
	HashSalt      []byte    `bson:"hash_salt"`
	CreatedAt     time.Time `bson:"created_at"`
}

func (s *MongoStore) GetOrCreate(ctx context.Context, patientKey string) (State, error) {
	candidate, err := s.deriver.Derive(patientKey)
	if err != nil {
		return State{}, fmt.Errorf("failed to derive patient state: %w", err)
	}

	stored := candidate.HashSalt
	if s.cipher != nil {
		if stored, err = s.cipher.Encrypt(candidate.HashSalt); err != nil {
			return State{}, fmt.Errorf("failed to seal hash salt: %w", err)
		}
	}

	update := bson.M{"$setOnInsert": bson.M{
		"_id":             patientKey,
		"date_shift_days": candidate.DateShiftDays,
		"hash_salt":       stored,
		"created_at":      time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc mongoState
	err = s.coll.FindOneAndUpdate(ctx, bson.M{"_id": patientKey}, update, opts).Decode(&doc)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	salt := doc.HashSalt
	if s.cipher != nil {
		// A salt that will not unseal poisons every record for this
		// patient, so the whole run aborts rather than limping on.
		if salt, err = s.cipher.Decrypt(doc.HashSalt); err != nil {
			return State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return State{
		PatientKey:    doc.PatientKey,
		DateShiftDays: doc.DateShiftDays,
		HashSalt:      salt,
		CreatedAt:     doc.CreatedAt,
	}, nil
}

func (s *MongoStore) Purge(ctx context.Context, patientKey string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": patientKey})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if res.DeletedCount == 0 {
		return ErrStateNotFound
	}
	return nil
}
