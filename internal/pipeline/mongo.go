package pipeline

import (
	"context"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoSource streams the documents of a collection as plain records.
// BSON container and temporal types are converted so the engine sees the
// same shapes it would from JSON input.
type MongoSource struct {
	coll   *mongo.Collection
	filter any
	cursor *mongo.Cursor
}

func NewMongoSource(coll *mongo.Collection, filter any) *MongoSource {
	if filter == nil {
		filter = bson.M{}
	}
	return &MongoSource{coll: coll, filter: filter}
}

func (s *MongoSource) Next(ctx context.Context) (map[string]any, error) {
	if s.cursor == nil {
		cursor, err := s.coll.Find(ctx, s.filter)
		if err != nil {
			return nil, fmt.Errorf("failed to open cursor: %w", err)
		}
		s.cursor = cursor
	}

	if !s.cursor.Next(ctx) {
		if err := s.cursor.Err(); err != nil {
			return nil, fmt.Errorf("failed to advance cursor: %w", err)
		}
		return nil, io.EOF
	}

	var doc bson.M
	if err := s.cursor.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	rec, ok := normalizeBSON(doc).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document did not normalize to an object")
	}
	return rec, nil
}

func (s *MongoSource) Close(ctx context.Context) error {
	if s.cursor == nil {
		return nil
	}
	return s.cursor.Close(ctx)
}

func normalizeBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalizeBSON(val)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeBSON(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeBSON(val)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return t.T
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Decimal128:
		return t.String()
	default:
		return v
	}
}
