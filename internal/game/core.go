// Package game implements the authoritative game state machine. Every
// game-mutating operation loads the live record, validates against the
// rules engine, persists, and announces the change on the event bus.
// The durable record trails behind via the persistence pipeline.
package game

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chess-arena/internal/bus"
	"chess-arena/internal/clock"
	"chess-arena/internal/elo"
	"chess-arena/internal/engine"
	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

// LiveStore is the slice of the Redis store the core needs.
type LiveStore interface {
	SaveGame(ctx context.Context, g *models.LiveGame) error
	LoadGame(ctx context.Context, gameID string) (*models.LiveGame, error)
	FinalizeGame(ctx context.Context, gameID string, winner models.PlayerColor, result models.Score, reason models.EndReason, endedAt int64) (bool, error)
}

// ProfileStore supplies ratings at game creation.
type ProfileStore interface {
	GetOrCreate(ctx context.Context, playerID, displayName string) (*models.Profile, error)
}

// Publisher is the outbound side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

// Clocks is the time-control surface the core drives.
type Clocks interface {
	Track(gameID string, tl models.TimeLeft, turn models.PlayerColor, lastMoveAt time.Time)
	Update(gameID string, tl models.TimeLeft, turn models.PlayerColor, lastMoveAt time.Time)
	Pause(gameID string)
	Resume(gameID string)
	Remove(gameID string)
}

var _ Clocks = (*clock.Manager)(nil)

// Core owns every game baseline transition: create, move, resign,
// draw, timeout, rematch. It is safe for concurrent use; all shared
// state lives in the LiveStore, guarded by the finalization script.
type Core struct {
	nodeID   string
	live     LiveStore
	profiles ProfileStore
	eng      engine.Engine
	elo      *elo.Calculator
	clocks   Clocks
	bus      Publisher
	logger   *zap.Logger
}

func NewCore(nodeID string, live LiveStore, profiles ProfileStore, eng engine.Engine, clocks Clocks, pub Publisher, logger *zap.Logger) *Core {
	return &Core{
		nodeID:   nodeID,
		live:     live,
		profiles: profiles,
		eng:      eng,
		elo:      elo.NewCalculator(),
		clocks:   clocks,
		bus:      pub,
		logger:   logger,
	}
}

// CreateParams names the two seats of a new game. Colors are already
// assigned by the matchmaker.
type CreateParams struct {
	GameType  models.GameType
	WhiteID   string
	BlackID   string
	RematchOf string // previous gameId when this is a rematch
}

// Create builds the live record, snapshots both players' rating
// deltas, starts the clocks and announces game_started. The durable
// skeleton is written by the pipeline from that event.
func (c *Core) Create(ctx context.Context, p CreateParams) (*models.LiveGame, error) {
	variant, tc, err := models.ParseGameType(p.GameType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBadRequest, err)
	}

	white, err := c.profiles.GetOrCreate(ctx, p.WhiteID, "")
	if err != nil {
		return nil, err
	}
	black, err := c.profiles.GetOrCreate(ctx, p.BlackID, "")
	if err != nil {
		return nil, err
	}
	wr := white.Ratings.For(variant)
	br := black.Ratings.For(variant)

	now := time.Now()
	g := &models.LiveGame{
		GameID: uuid.NewString(),
		Players: []models.LivePlayer{
			{PlayerID: p.WhiteID, Color: models.White, Rating: wr},
			{PlayerID: p.BlackID, Color: models.Black, Rating: br},
		},
		TimeLeftMs: models.TimeLeft{White: tc.BaseMs(), Black: tc.BaseMs()},
		GameInfo: models.GameInfo{
			Variant:     variant,
			GameType:    p.GameType,
			TimeControl: tc,
		},
		InitialFEN: models.InitialFEN,
		FEN:        models.InitialFEN,
		Turn:       models.White,
		StartedAt:  now.UnixMilli(),
		LastMoveAt: now.UnixMilli(),
		RatingChanges: models.RatingChanges{
			p.WhiteID: c.elo.Snapshot(wr, br, white.GamesPlayed),
			p.BlackID: c.elo.Snapshot(br, wr, black.GamesPlayed),
		},
		Rematch: models.RematchState{PrevGameID: p.RematchOf},
	}

	if err := c.live.SaveGame(ctx, g); err != nil {
		return nil, err
	}
	c.clocks.Track(g.GameID, g.TimeLeftMs, g.Turn, now)

	c.publish(ctx, bus.EventGameStarted, g.GameID, bus.GameStartedPayload{Game: g})

	c.logger.Info("game created",
		zap.String("gameId", g.GameID),
		zap.String("white", p.WhiteID),
		zap.String("black", p.BlackID),
		zap.String("gameType", string(p.GameType)))
	return g, nil
}

// Game loads a live game for rejoin and spectating.
func (c *Core) Game(ctx context.Context, gameID string) (*models.LiveGame, error) {
	return c.live.LoadGame(ctx, gameID)
}

// PauseClocks freezes a game's clocks when both seats are empty.
func (c *Core) PauseClocks(gameID string)  { c.clocks.Pause(gameID) }
func (c *Core) ResumeClocks(gameID string) { c.clocks.Resume(gameID) }

// publish fires an event and logs bus failures. Game flow never blocks
// on the bus: a node cut off from NATS keeps serving its own games.
func (c *Core) publish(ctx context.Context, t bus.EventType, gameID string, payload any) {
	env, err := bus.NewEnvelope(c.nodeID, t, gameID, payload)
	if err != nil {
		c.logger.Error("encode event", zap.String("eventType", string(t)), zap.Error(err))
		return
	}
	if err := c.bus.Publish(ctx, env); err != nil {
		c.logger.Warn("event publish degraded",
			zap.String("eventType", string(t)),
			zap.String("gameId", gameID),
			zap.Error(err))
	}
}
