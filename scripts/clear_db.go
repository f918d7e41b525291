// Dev utility: wipes the durable store and the live store. Never run
// against a production config.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"chess-arena/internal/config"
	"chess-arena/internal/db"
)

func main() {
	cfg, err := config.Load("dev")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := zap.NewNop()
	mongodb, err := db.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, logger)
	if err != nil {
		log.Fatalf("failed to connect to mongodb: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mongodb.Close(ctx)
	}()

	ctx := context.Background()

	games, err := mongodb.Games().DeleteMany(ctx, bson.M{})
	if err != nil {
		log.Fatalf("failed to delete games: %v", err)
	}
	fmt.Printf("deleted %d games\n", games.DeletedCount)

	profiles, err := mongodb.Profiles().DeleteMany(ctx, bson.M{})
	if err != nil {
		log.Fatalf("failed to delete profiles: %v", err)
	}
	fmt.Printf("deleted %d profiles\n", profiles.DeletedCount)

	dead, err := mongodb.DeadLetters().DeleteMany(ctx, bson.M{})
	if err != nil {
		log.Fatalf("failed to delete dead letters: %v", err)
	}
	fmt.Printf("deleted %d dead letters\n", dead.DeletedCount)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		log.Fatalf("failed to flush redis: %v", err)
	}
	fmt.Println("live store flushed")
}
