package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

// GameStore reads and writes durable game documents.
type GameStore struct {
	db *MongoDB
}

func NewGameStore(db *MongoDB) *GameStore {
	return &GameStore{db: db}
}

// UpsertSkeleton writes the initial game document if it does not exist
// yet. Replays of game_started events are harmless.
func (s *GameStore) UpsertSkeleton(ctx context.Context, g *models.DurableGame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := s.db.Games().UpdateOne(ctx,
		bson.M{"gameId": g.GameID},
		bson.M{"$setOnInsert": g},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert game %s: %v", errs.ErrStoreUnavailable, g.GameID, err)
	}
	return nil
}

// AppendMove appends a move and refreshes pgn. The $size guard makes
// redelivered events no-ops: a move only lands when it is the next one.
// Every tenth move the current FEN is also recorded for cheap position
// reconstruction.
//
// A zero-match write that is not a redelivery means a prior move never
// landed; that gap is reported as an error so the caller can surface it
// instead of silently dropping every move from here on.
func (s *GameStore) AppendMove(ctx context.Context, gameID string, mv models.DurableMove, pgn, fen string, moveNumber int) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	update := bson.M{
		"$push": bson.M{"moves": mv},
		"$set":  bson.M{"pgn": pgn},
	}
	if moveNumber%10 == 0 {
		update["$push"] = bson.M{
			"moves":      mv,
			"fenHistory": fen,
		}
	}

	res, err := s.db.Games().UpdateOne(ctx,
		bson.M{"gameId": gameID, "moves": bson.M{"$size": moveNumber - 1}},
		update)
	if err != nil {
		return fmt.Errorf("%w: append move to %s: %v", errs.ErrStoreUnavailable, gameID, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	var doc struct {
		Moves []models.DurableMove `bson:"moves"`
	}
	err = s.db.Games().FindOne(ctx,
		bson.M{"gameId": gameID},
		options.FindOne().SetProjection(bson.M{"moves": 1}),
	).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: game %s has no durable record for move %d", errs.ErrNotFound, gameID, moveNumber)
	case err != nil:
		return fmt.Errorf("%w: verify move %d of game %s: %v", errs.ErrStoreUnavailable, moveNumber, gameID, err)
	case len(doc.Moves) >= moveNumber:
		// redelivery, the move already landed
		return nil
	default:
		return fmt.Errorf("%w: game %s holds %d moves, cannot append move %d", errs.ErrConflict, gameID, len(doc.Moves), moveNumber)
	}
}

// Finalize marks the game completed with its result and final pgn.
// It reports whether this call performed the transition; a redelivered
// game_ended finds the game already completed and returns false, which
// keeps rating updates single-shot.
func (s *GameStore) Finalize(ctx context.Context, gameID string, result models.DurableResult, pgn string, endedAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	res, err := s.db.Games().UpdateOne(ctx,
		bson.M{"gameId": gameID, "status": models.GameStatusActive},
		bson.M{"$set": bson.M{
			"status":  models.GameStatusCompleted,
			"result":  result,
			"pgn":     pgn,
			"endedAt": endedAt,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("%w: finalize game %s: %v", errs.ErrStoreUnavailable, gameID, err)
	}
	return res.ModifiedCount > 0, nil
}

// SetPostRating patches one player's post-game rating inside the game
// document.
func (s *GameStore) SetPostRating(ctx context.Context, gameID, playerID string, postRating int) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := s.db.Games().UpdateOne(ctx,
		bson.M{"gameId": gameID, "players.playerId": playerID},
		bson.M{"$set": bson.M{"players.$.postRating": postRating}},
	)
	if err != nil {
		return fmt.Errorf("%w: set post rating on %s: %v", errs.ErrStoreUnavailable, gameID, err)
	}
	return nil
}

// SetRematchLink records that nextGameID is the rematch of gameID.
func (s *GameStore) SetRematchLink(ctx context.Context, gameID, nextGameID string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := s.db.Games().UpdateOne(ctx,
		bson.M{"gameId": gameID},
		bson.M{"$set": bson.M{"rematchedBy": nextGameID}},
	)
	if err != nil {
		return fmt.Errorf("%w: link rematch on %s: %v", errs.ErrStoreUnavailable, gameID, err)
	}
	return nil
}

// ByGameID fetches one game document.
func (s *GameStore) ByGameID(ctx context.Context, gameID string) (*models.DurableGame, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var g models.DurableGame
	err := s.db.Games().FindOne(ctx, bson.M{"gameId": gameID}).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: game %s", errs.ErrNotFound, gameID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load game %s: %v", errs.ErrStoreUnavailable, gameID, err)
	}
	return &g, nil
}

// RecentCompleted returns a player's most recently finished games,
// newest first. Used by matchmaking color assignment.
func (s *GameStore) RecentCompleted(ctx context.Context, playerID string, limit int) ([]models.DurableGame, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	cursor, err := s.db.Games().Find(ctx,
		bson.M{
			"players.playerId": playerID,
			"status":           models.GameStatusCompleted,
		},
		options.Find().
			SetSort(bson.M{"endedAt": -1}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: recent games for %s: %v", errs.ErrStoreUnavailable, playerID, err)
	}
	defer cursor.Close(ctx)

	var games []models.DurableGame
	if err := cursor.All(ctx, &games); err != nil {
		return nil, fmt.Errorf("%w: decode recent games: %v", errs.ErrStoreUnavailable, err)
	}
	return games, nil
}
