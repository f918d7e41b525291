package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chess-arena/internal/errs"
)

// DeadLetter is an event the pipeline gave up on. The collection
// carries a TTL index so entries age out after inspection windows.
type DeadLetter struct {
	Channel   string          `bson:"channel"`
	EventType string          `bson:"eventType"`
	GameID    string          `bson:"gameId,omitempty"`
	Envelope  json.RawMessage `bson:"envelope"`
	Error     string          `bson:"error"`
	Attempts  int             `bson:"attempts"`
	CreatedAt time.Time       `bson:"createdAt"`
}

// DeadLetterStore records permanently failed pipeline events.
type DeadLetterStore struct {
	db *MongoDB
}

func NewDeadLetterStore(db *MongoDB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func (s *DeadLetterStore) Insert(ctx context.Context, dl DeadLetter) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now()
	}
	if _, err := s.db.DeadLetters().InsertOne(ctx, dl); err != nil {
		return fmt.Errorf("%w: insert dead letter: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}
