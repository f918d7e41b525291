// Package matchmaking pairs searching players by rating. The queue
// and sessions live in the shared LiveStore, so any node may pair any
// two players; a per-pair claim lock keeps the pairing race-free.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"chess-arena/internal/bus"
	"chess-arena/internal/errs"
	"chess-arena/internal/game"
	"chess-arena/internal/models"
	"chess-arena/internal/store"
)

const (
	// InitialRange is the rating window at search start; it widens by
	// RangeStep every RangeInterval until MaxRange.
	InitialRange  = 60
	RangeStep     = 60
	MaxRange      = 600
	RangeInterval = 3 * time.Second
)

// Store is the LiveStore surface the matchmaker drives.
type Store interface {
	QueueAdd(ctx context.Context, gt models.GameType, playerID string, rating int) error
	QueueRemove(ctx context.Context, gt models.GameType, playerID string) error
	QueueRange(ctx context.Context, gt models.GameType, min, max int) ([]store.QueueMember, error)
	InQueue(ctx context.Context, gt models.GameType, playerID string) (bool, error)
	QueueRemovePair(ctx context.Context, gt models.GameType, a, b string) (bool, error)
	QueueSize(ctx context.Context, gt models.GameType) (int64, error)

	SaveSession(ctx context.Context, sess *models.SearchSession) error
	GetSession(ctx context.Context, playerID string) (*models.SearchSession, error)
	DeleteSession(ctx context.Context, playerID string) error

	GetPresence(ctx context.Context, playerID string) (models.Presence, error)
	DeletePresence(ctx context.Context, playerID string) error

	AcquireMatchLock(ctx context.Context, a, b string) (bool, error)
	ReleaseMatchLock(ctx context.Context, a, b string)
}

// GameCreator starts games for formed pairs.
type GameCreator interface {
	Create(ctx context.Context, p game.CreateParams) (*models.LiveGame, error)
}

// ProfileSource supplies the searcher's current rating.
type ProfileSource interface {
	GetOrCreate(ctx context.Context, playerID, displayName string) (*models.Profile, error)
}

// HistorySource feeds the color-assignment corrections.
type HistorySource interface {
	RecentCompleted(ctx context.Context, playerID string, limit int) ([]models.DurableGame, error)
}

type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

type Matchmaker struct {
	nodeID   string
	store    Store
	games    GameCreator
	profiles ProfileSource
	history  HistorySource
	bus      Publisher
	logger   *zap.Logger

	// randFloat is swappable in tests
	randFloat func() float64

	mu         sync.Mutex
	knownTypes map[models.GameType]struct{}
}

func New(nodeID string, st Store, games GameCreator, profiles ProfileSource, history HistorySource, pub Publisher, logger *zap.Logger) *Matchmaker {
	return &Matchmaker{
		nodeID:     nodeID,
		store:      st,
		games:      games,
		profiles:   profiles,
		history:    history,
		bus:        pub,
		logger:     logger,
		randFloat:  rand.Float64,
		knownTypes: make(map[models.GameType]struct{}),
	}
}

// TickResult is what a search tick reports back to the client.
type TickResult struct {
	Found          bool             `json:"found"`
	GameID         string           `json:"gameId,omitempty"`
	Game           *models.LiveGame `json:"-"`
	OpponentID     string           `json:"opponent,omitempty"`
	OpponentRating int              `json:"opponentRating,omitempty"`
	CurrentRange   int              `json:"currentRange"`
	SearchDuration int64            `json:"searchDuration"` // ms
}

// StartSearch opts a player into matchmaking. Re-invocation refreshes
// the session TTL without resetting the search start, so the range
// keeps expanding across client reconnects.
func (m *Matchmaker) StartSearch(ctx context.Context, playerID, connID string, gt models.GameType) (*models.SearchSession, error) {
	variant, tc, err := models.ParseGameType(gt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBadRequest, err)
	}
	m.rememberType(gt)

	if sess, err := m.store.GetSession(ctx, playerID); err == nil {
		sess.ConnectionID = connID
		if err := m.store.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
		// Re-assert queue membership too: the session can outlive the
		// queue entry, and a searcher with no entry can never be paired.
		if err := m.store.QueueAdd(ctx, sess.GameType, playerID, sess.InitialRating); err != nil {
			return nil, err
		}
		return sess, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	profile, err := m.profiles.GetOrCreate(ctx, playerID, "")
	if err != nil {
		return nil, err
	}
	rating := profile.Ratings.For(variant)

	sess := &models.SearchSession{
		PlayerID:        playerID,
		GameType:        gt,
		GameVariant:     variant,
		TimeControl:     tc,
		InitialRating:   rating,
		CurrentRange:    InitialRange,
		SearchStartTime: time.Now().UnixMilli(),
		ConnectionID:    connID,
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.store.QueueAdd(ctx, gt, playerID, rating); err != nil {
		return nil, err
	}

	m.logger.Info("search started",
		zap.String("playerId", playerID),
		zap.String("gameType", string(gt)),
		zap.Int("rating", rating))
	return sess, nil
}

// currentRange computes the expanded window for a search that has run
// for elapsed time.
func currentRange(elapsed time.Duration) int {
	expansion := int(elapsed / RangeInterval)
	r := InitialRange + RangeStep*expansion
	if r > MaxRange {
		r = MaxRange
	}
	return r
}

// Tick expands the searcher's window and attempts one pairing pass.
func (m *Matchmaker) Tick(ctx context.Context, playerID string) (*TickResult, error) {
	sess, err := m.store.GetSession(ctx, playerID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	elapsed := time.Duration(now-sess.SearchStartTime) * time.Millisecond
	rng := currentRange(elapsed)
	if rng > sess.CurrentRange {
		sess.CurrentRange = rng
	}
	// re-save on every tick to refresh the session TTL
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	res := &TickResult{CurrentRange: sess.CurrentRange, SearchDuration: now - sess.SearchStartTime}

	candidates, err := m.store.QueueRange(ctx, sess.GameType,
		sess.InitialRating-sess.CurrentRange, sess.InitialRating+sess.CurrentRange)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if c.PlayerID == playerID {
			continue
		}
		matched, g := m.tryPair(ctx, sess, c)
		if !matched {
			continue
		}
		res.Found = true
		res.GameID = g.GameID
		res.Game = g
		res.OpponentID = c.PlayerID
		res.OpponentRating = c.Rating
		return res, nil
	}
	return res, nil
}

// tryPair runs the race-free claim sequence against one candidate:
// presence check, availability check, pair lock, double-check, atomic
// removal, game creation.
func (m *Matchmaker) tryPair(ctx context.Context, sess *models.SearchSession, c store.QueueMember) (bool, *models.LiveGame) {
	playerID := sess.PlayerID
	gt := sess.GameType

	if _, err := m.store.GetPresence(ctx, c.PlayerID); err != nil {
		// stale queue entry, clean it up
		if err := m.store.QueueRemove(ctx, gt, c.PlayerID); err != nil {
			m.logger.Warn("failed to evict stale entry", zap.String("playerId", c.PlayerID), zap.Error(err))
		}
		return false, nil
	}
	if ok, err := m.store.InQueue(ctx, gt, c.PlayerID); err != nil || !ok {
		return false, nil
	}

	acquired, err := m.store.AcquireMatchLock(ctx, playerID, c.PlayerID)
	if err != nil || !acquired {
		return false, nil
	}
	defer m.store.ReleaseMatchLock(ctx, playerID, c.PlayerID)

	// another node may have paired either player between the range
	// query and the lock
	if ok, err := m.store.InQueue(ctx, gt, playerID); err != nil || !ok {
		return false, nil
	}
	if ok, err := m.store.InQueue(ctx, gt, c.PlayerID); err != nil || !ok {
		return false, nil
	}

	removed, err := m.store.QueueRemovePair(ctx, gt, playerID, c.PlayerID)
	if err != nil || !removed {
		return false, nil
	}

	whiteID, blackID := m.assignColors(ctx, playerID, sess.InitialRating, c.PlayerID, c.Rating)

	g, err := m.games.Create(ctx, game.CreateParams{
		GameType: gt,
		WhiteID:  whiteID,
		BlackID:  blackID,
	})
	if err != nil {
		// pairing failed after queue removal; put both back
		m.logger.Error("game creation failed, restoring queue entries", zap.Error(err))
		if qerr := m.store.QueueAdd(ctx, gt, playerID, sess.InitialRating); qerr != nil {
			m.logger.Error("failed to restore searcher", zap.String("playerId", playerID), zap.Error(qerr))
		}
		if qerr := m.store.QueueAdd(ctx, gt, c.PlayerID, c.Rating); qerr != nil {
			m.logger.Error("failed to restore candidate", zap.String("playerId", c.PlayerID), zap.Error(qerr))
		}
		return false, nil
	}

	oppSess, _ := m.store.GetSession(ctx, c.PlayerID)
	for _, id := range []string{playerID, c.PlayerID} {
		if err := m.store.DeleteSession(ctx, id); err != nil {
			m.logger.Warn("failed to delete search session", zap.String("playerId", id), zap.Error(err))
		}
		if err := m.store.DeletePresence(ctx, id); err != nil {
			m.logger.Warn("failed to delete presence", zap.String("playerId", id), zap.Error(err))
		}
	}

	m.announce(ctx, g, sess, playerID, c)
	if oppSess != nil {
		m.announceOpponent(ctx, g, oppSess, playerID, sess.InitialRating)
	}

	m.logger.Info("match formed",
		zap.String("gameId", g.GameID),
		zap.String("white", whiteID),
		zap.String("black", blackID),
		zap.String("gameType", string(gt)))
	return true, g
}

// assignColors orders the pair as (whiteID, blackID).
func (m *Matchmaker) assignColors(ctx context.Context, p1 string, r1 int, p2 string, r2 int) (string, string) {
	h1, err := m.history.RecentCompleted(ctx, p1, historyWindow)
	if err != nil {
		h1 = nil
	}
	h2, err := m.history.RecentCompleted(ctx, p2, historyWindow)
	if err != nil {
		h2 = nil
	}
	p := whiteProbability(r1, r2, statsFor(p1, h1), statsFor(p2, h2))
	if m.randFloat() < p {
		return p1, p2
	}
	return p2, p1
}

func (m *Matchmaker) announce(ctx context.Context, g *models.LiveGame, sess *models.SearchSession, playerID string, c store.QueueMember) {
	m.publishFound(ctx, g, playerID, sess.ConnectionID, c.PlayerID, c.Rating,
		time.Now().UnixMilli()-sess.SearchStartTime, sess.CurrentRange)
}

func (m *Matchmaker) announceOpponent(ctx context.Context, g *models.LiveGame, oppSess *models.SearchSession, searcherID string, searcherRating int) {
	m.publishFound(ctx, g, oppSess.PlayerID, oppSess.ConnectionID, searcherID, searcherRating,
		time.Now().UnixMilli()-oppSess.SearchStartTime, oppSess.CurrentRange)
}

func (m *Matchmaker) publishFound(ctx context.Context, g *models.LiveGame, playerID, connID, oppID string, oppRating int, duration int64, finalRange int) {
	env, err := bus.NewEnvelope(m.nodeID, bus.EventMatchFound, g.GameID, bus.MatchFoundPayload{
		PlayerID:       playerID,
		ConnectionID:   connID,
		GameID:         g.GameID,
		OpponentID:     oppID,
		OpponentRating: oppRating,
		RatingChanges:  g.RatingChanges,
		SearchDuration: duration,
		FinalRange:     finalRange,
	})
	if err != nil {
		m.logger.Error("encode match_found", zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, env); err != nil {
		m.logger.Warn("match_found publish degraded", zap.String("playerId", playerID), zap.Error(err))
	}
}

// Cancel withdraws a player from matchmaking. Safe to call twice.
func (m *Matchmaker) Cancel(ctx context.Context, playerID string) error {
	sess, err := m.store.GetSession(ctx, playerID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return m.store.DeletePresence(ctx, playerID)
		}
		return err
	}
	if err := m.store.QueueRemove(ctx, sess.GameType, playerID); err != nil {
		return err
	}
	if err := m.store.DeleteSession(ctx, playerID); err != nil {
		return err
	}
	return m.store.DeletePresence(ctx, playerID)
}

// Status reports search progress without mutating the session.
func (m *Matchmaker) Status(ctx context.Context, playerID string) (*TickResult, error) {
	sess, err := m.store.GetSession(ctx, playerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	elapsed := time.Duration(now-sess.SearchStartTime) * time.Millisecond
	rng := currentRange(elapsed)
	if rng < sess.CurrentRange {
		rng = sess.CurrentRange
	}
	return &TickResult{CurrentRange: rng, SearchDuration: now - sess.SearchStartTime}, nil
}

// Stats reports queue sizes for every game type this node has seen.
func (m *Matchmaker) Stats(ctx context.Context) (map[models.GameType]int64, error) {
	m.mu.Lock()
	types := make([]models.GameType, 0, len(m.knownTypes))
	for gt := range m.knownTypes {
		types = append(types, gt)
	}
	m.mu.Unlock()

	out := make(map[models.GameType]int64, len(types))
	for _, gt := range types {
		n, err := m.store.QueueSize(ctx, gt)
		if err != nil {
			return nil, err
		}
		out[gt] = n
	}
	return out, nil
}

func (m *Matchmaker) rememberType(gt models.GameType) {
	m.mu.Lock()
	m.knownTypes[gt] = struct{}{}
	m.mu.Unlock()
}
