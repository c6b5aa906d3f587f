package modelstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"avatarforge/pkg/domain"
)

const modelsCollection = "avatar_models"

// MongoModelStore implements ModelStore on a MongoDB collection keyed
// by avatar ID.
type MongoModelStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoModelStore connects to MongoDB and ensures the unique
// per-avatar index.
func NewMongoModelStore(uri, database string) (*MongoModelStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(database).Collection(modelsCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "avatar_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure avatar_id index: %w", err)
	}
	return &MongoModelStore{client: client, coll: coll}, nil
}

// Close disconnects the underlying client.
func (s *MongoModelStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// UpsertModel replaces the avatar's model document, incrementing the
// version counter and recording the replaced document's ID.
func (s *MongoModelStore) UpsertModel(ctx context.Context, model domain.AvatarModel) (domain.AvatarModel, error) {
	if model.AvatarID == "" {
		return domain.AvatarModel{}, fmt.Errorf("avatarId required")
	}
	prev, found, err := s.GetModelByAvatar(ctx, model.AvatarID)
	if err != nil {
		return domain.AvatarModel{}, err
	}
	var prevRef *domain.AvatarModel
	if found {
		prevRef = &prev
	}
	model = applyVersioning(model, prevRef)
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now

	_, err = s.coll.ReplaceOne(ctx,
		bson.M{"avatar_id": model.AvatarID},
		model,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return domain.AvatarModel{}, fmt.Errorf("upsert avatar model: %w", err)
	}
	return model, nil
}

// GetModelByAvatar loads the current model document for an avatar.
func (s *MongoModelStore) GetModelByAvatar(ctx context.Context, avatarID string) (domain.AvatarModel, bool, error) {
	var model domain.AvatarModel
	err := s.coll.FindOne(ctx, bson.M{"avatar_id": avatarID}).Decode(&model)
	if err == mongo.ErrNoDocuments {
		return domain.AvatarModel{}, false, nil
	}
	if err != nil {
		return domain.AvatarModel{}, false, fmt.Errorf("find avatar model: %w", err)
	}
	return model, true, nil
}

// DeleteModel removes the avatar's model document.
func (s *MongoModelStore) DeleteModel(ctx context.Context, avatarID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"avatar_id": avatarID}); err != nil {
		return fmt.Errorf("delete avatar model: %w", err)
	}
	return nil
}
