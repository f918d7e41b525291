package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// writeTimeout bounds every durable-store write.
const writeTimeout = 5 * time.Second

type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
	log      *zap.Logger
}

func NewMongoDB(uri, database string, log *zap.Logger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(500).
		SetMinPoolSize(10).
		SetMaxConnIdleTime(5 * time.Minute)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := &MongoDB{
		Client:   client,
		Database: client.Database(database),
		log:      log,
	}

	// Create indexes in the background (non-blocking)
	go db.ensureIndexes()

	return db, nil
}

// ensureIndexes creates all required indexes. Called once on startup.
func (m *MongoDB) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	indexes := []struct {
		collection string
		models     []mongo.IndexModel
	}{
		{
			"games",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "gameId", Value: 1}}, Options: options.Index().SetUnique(true)},
				{Keys: bson.D{{Key: "status", Value: 1}, {Key: "startedAt", Value: -1}}},
				{Keys: bson.D{{Key: "players.playerId", Value: 1}, {Key: "endedAt", Value: -1}}},
			},
		},
		{
			"profiles",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "playerId", Value: 1}}, Options: options.Index().SetUnique(true)},
				{Keys: bson.D{{Key: "ratings.rapid", Value: -1}}},
				{Keys: bson.D{{Key: "ratings.blitz", Value: -1}}},
				{Keys: bson.D{{Key: "ratings.bullet", Value: -1}}},
			},
		},
		{
			"dead_letters",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "createdAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(30 * 24 * 3600)},
				{Keys: bson.D{{Key: "channel", Value: 1}, {Key: "createdAt", Value: -1}}},
			},
		},
	}

	for _, idx := range indexes {
		coll := m.Database.Collection(idx.collection)
		if _, err := coll.Indexes().CreateMany(ctx, idx.models); err != nil {
			m.log.Warn("failed to create indexes",
				zap.String("collection", idx.collection), zap.Error(err))
		}
	}

	m.log.Info("database indexes ensured")
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

func (m *MongoDB) Games() *mongo.Collection {
	return m.Database.Collection("games")
}

func (m *MongoDB) Profiles() *mongo.Collection {
	return m.Database.Collection("profiles")
}

func (m *MongoDB) DeadLetters() *mongo.Collection {
	return m.Database.Collection("dead_letters")
}
