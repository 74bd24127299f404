package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionDealAudit holds one document per committed deal operation.
const CollectionDealAudit = "deal_audit"

// Record is one audited deal operation.
type Record struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	DealID    string             `bson:"deal_id" json:"deal_id"`
	ActorID   string             `bson:"actor_id" json:"actor_id"`
	ActorRole string             `bson:"actor_role" json:"actor_role"`
	Action    string             `bson:"action" json:"action"`
	FromStage string             `bson:"from_stage,omitempty" json:"from_stage,omitempty"`
	ToStage   string             `bson:"to_stage,omitempty" json:"to_stage,omitempty"`
	EntityID  string             `bson:"entity_id,omitempty" json:"entity_id,omitempty"`
	Detail    string             `bson:"detail,omitempty" json:"detail,omitempty"`
	Version   int64              `bson:"version" json:"version"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

// Sink persists audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close(ctx context.Context) error
}

// MongoSink appends records to a MongoDB collection.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoSink connects to uri and verifies the deployment is reachable.
func NewMongoSink(ctx context.Context, uri, database string) (*MongoSink, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoSink{
		client:     client,
		collection: client.Database(database).Collection(CollectionDealAudit),
	}, nil
}

func (s *MongoSink) Write(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (s *MongoSink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
