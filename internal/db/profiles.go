package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chess-arena/internal/elo"
	"chess-arena/internal/errs"
	"chess-arena/internal/models"
	"chess-arena/internal/utils"
)

// DefaultRating is the rating assigned to a fresh profile in every variant.
const DefaultRating = 1200

// ProfileStore reads and writes durable player profiles.
type ProfileStore struct {
	db *MongoDB
}

func NewProfileStore(db *MongoDB) *ProfileStore {
	return &ProfileStore{db: db}
}

// Get fetches a profile by player id.
func (s *ProfileStore) Get(ctx context.Context, playerID string) (*models.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var p models.Profile
	err := s.db.Profiles().FindOne(ctx, bson.M{"playerId": playerID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: profile %s", errs.ErrNotFound, playerID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load profile %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	return &p, nil
}

// GetOrCreate fetches a profile, creating a default one on first contact.
func (s *ProfileStore) GetOrCreate(ctx context.Context, playerID, displayName string) (*models.Profile, error) {
	p, err := s.Get(ctx, playerID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	if displayName == "" {
		displayName = utils.RandomDisplayName()
	}
	now := time.Now()
	fresh := &models.Profile{
		PlayerID:    playerID,
		DisplayName: displayName,
		Ratings:     models.Ratings{Rapid: DefaultRating, Blitz: DefaultRating, Bullet: DefaultRating},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err = s.db.Profiles().UpdateOne(wctx,
		bson.M{"playerId": playerID},
		bson.M{"$setOnInsert": fresh},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create profile %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	return s.Get(ctx, playerID)
}

// ApplyResult sets the player's new rating in the given variant and
// bumps the game counters. Callers guarantee exactly-once via the
// finalization guard.
func (s *ProfileStore) ApplyResult(ctx context.Context, playerID string, variant models.Variant, newRating int, result elo.GameResult) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	ratingField := "ratings.rapid"
	switch variant {
	case models.VariantBlitz:
		ratingField = "ratings.blitz"
	case models.VariantBullet:
		ratingField = "ratings.bullet"
	}

	inc := bson.M{"gamesPlayed": 1}
	switch result {
	case elo.Win:
		inc["wins"] = 1
	case elo.Loss:
		inc["losses"] = 1
	case elo.Draw:
		inc["draws"] = 1
	}

	_, err := s.db.Profiles().UpdateOne(ctx,
		bson.M{"playerId": playerID},
		bson.M{
			"$set": bson.M{ratingField: newRating, "updatedAt": time.Now()},
			"$inc": inc,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: apply result for %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	return nil
}

// Leaderboard returns the top profiles by rating in the given variant.
func (s *ProfileStore) Leaderboard(ctx context.Context, variant models.Variant, limit int) ([]models.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	field := "ratings.rapid"
	switch variant {
	case models.VariantBlitz:
		field = "ratings.blitz"
	case models.VariantBullet:
		field = "ratings.bullet"
	}

	cursor, err := s.db.Profiles().Find(ctx, bson.M{},
		options.Find().SetSort(bson.M{field: -1}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("%w: leaderboard: %v", errs.ErrStoreUnavailable, err)
	}
	defer cursor.Close(ctx)

	var profiles []models.Profile
	if err := cursor.All(ctx, &profiles); err != nil {
		return nil, fmt.Errorf("%w: decode leaderboard: %v", errs.ErrStoreUnavailable, err)
	}
	return profiles, nil
}
