package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chess-arena/internal/bus"
	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

type fakeScanner struct {
	mu     sync.Mutex
	games  []string
	locked bool
}

func (f *fakeScanner) ScanGames(ctx context.Context, fn func(string) error) error {
	for _, id := range f.games {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeScanner) AcquireSweepLock(ctx context.Context, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return false, nil
	}
	f.locked = true
	return true, nil
}

func (f *fakeScanner) ReleaseSweepLock(ctx context.Context, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = false
}

type fakeFinalizer struct {
	games     map[string]*models.LiveGame
	forfeited []string
}

func (f *fakeFinalizer) Game(ctx context.Context, gameID string) (*models.LiveGame, error) {
	g, ok := f.games[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: game %s", errs.ErrNotFound, gameID)
	}
	return g, nil
}

func (f *fakeFinalizer) TimeoutForfeit(ctx context.Context, gameID string, flagged models.PlayerColor) (*models.LiveGame, error) {
	g, ok := f.games[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: game %s", errs.ErrNotFound, gameID)
	}
	if g.GameOver {
		return nil, fmt.Errorf("%w: game %s", errs.ErrFinalized, gameID)
	}
	g.GameOver = true
	g.EndReason = models.ReasonTimeout
	f.forfeited = append(f.forfeited, gameID)
	return g, nil
}

type fakeTracker struct {
	tracked map[string]bool
}

func (f *fakeTracker) Track(gameID string, tl models.TimeLeft, turn models.PlayerColor, lastMoveAt time.Time) {
	f.tracked[gameID] = true
}

func (f *fakeTracker) Remaining(gameID string) (models.TimeLeft, models.PlayerColor, error) {
	if !f.tracked[gameID] {
		return models.TimeLeft{}, "", fmt.Errorf("%w: clock %s", errs.ErrNotFound, gameID)
	}
	return models.TimeLeft{}, models.White, nil
}

type fakeDurable struct {
	docs map[string]*models.DurableGame
}

func (f *fakeDurable) ByGameID(ctx context.Context, gameID string) (*models.DurableGame, error) {
	doc, ok := f.docs[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: game %s", errs.ErrNotFound, gameID)
	}
	return doc, nil
}

type fakeSink struct {
	events []bus.Envelope
}

func (f *fakeSink) Publish(ctx context.Context, env bus.Envelope) error {
	f.events = append(f.events, env)
	return nil
}

func (f *fakeSink) byType(t bus.EventType) []bus.Envelope {
	var out []bus.Envelope
	for _, e := range f.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func liveGame(id string, turn models.PlayerColor, whiteMs, blackMs int64, lastMoveAgo time.Duration) *models.LiveGame {
	return &models.LiveGame{
		GameID:     id,
		Turn:       turn,
		TimeLeftMs: models.TimeLeft{White: whiteMs, Black: blackMs},
		LastMoveAt: time.Now().Add(-lastMoveAgo).UnixMilli(),
	}
}

func sweeperHarness(games map[string]*models.LiveGame, docs map[string]*models.DurableGame) (*Sweeper, *fakeScanner, *fakeFinalizer, *fakeTracker, *fakeSink) {
	sc := &fakeScanner{}
	for id := range games {
		sc.games = append(sc.games, id)
	}
	fin := &fakeFinalizer{games: games}
	tr := &fakeTracker{tracked: map[string]bool{}}
	dur := &fakeDurable{docs: docs}
	sink := &fakeSink{}
	sw := NewSweeper("node-1", sc, fin, tr, dur, sink, zap.NewNop())
	return sw, sc, fin, tr, sink
}

func TestSweepForfeitsExpiredGame(t *testing.T) {
	games := map[string]*models.LiveGame{
		// white to move, 5s on the clock, last move 30s ago
		"g1": liveGame("g1", models.White, 5000, 60000, 30*time.Second),
	}
	sw, _, fin, _, _ := sweeperHarness(games, nil)

	sw.runPass()

	require.Equal(t, []string{"g1"}, fin.forfeited)
	assert.True(t, games["g1"].GameOver)
}

func TestSweepLeavesHealthyGameRunning(t *testing.T) {
	games := map[string]*models.LiveGame{
		"g1": liveGame("g1", models.White, 600000, 600000, 10*time.Second),
	}
	sw, _, fin, tr, _ := sweeperHarness(games, nil)

	sw.runPass()

	assert.Empty(t, fin.forfeited)
	// no scanner owned it, so the sweep adopts the clock
	assert.True(t, tr.tracked["g1"])
}

func TestSweepSkipsGameWithinGrace(t *testing.T) {
	games := map[string]*models.LiveGame{
		// flag fell 1s ago, inside the grace window
		"g1": liveGame("g1", models.White, 5000, 60000, 6*time.Second),
	}
	sw, _, fin, _, _ := sweeperHarness(games, nil)

	sw.runPass()

	assert.Empty(t, fin.forfeited)
}

func TestSweepDoesNotAdoptTrackedClock(t *testing.T) {
	games := map[string]*models.LiveGame{
		"g1": liveGame("g1", models.White, 600000, 600000, 10*time.Second),
	}
	sw, _, _, tr, _ := sweeperHarness(games, nil)
	tr.tracked["g1"] = true

	sw.runPass()

	assert.True(t, tr.tracked["g1"])
}

func TestSweepRepublishesUnfinishedDurable(t *testing.T) {
	g := liveGame("g1", models.White, 5000, 60000, 30*time.Second)
	g.GameOver = true
	g.Winner = models.Black
	g.Result = models.ScoreBlackWins
	g.EndReason = models.ReasonTimeout
	games := map[string]*models.LiveGame{"g1": g}
	docs := map[string]*models.DurableGame{
		"g1": {GameID: "g1", Status: models.GameStatusActive},
	}
	sw, _, _, _, sink := sweeperHarness(games, docs)

	sw.runPass()

	ended := sink.byType(bus.EventGameEnded)
	require.Len(t, ended, 1)
	var p bus.GameEndedPayload
	require.NoError(t, ended[0].Decode(&p))
	assert.Equal(t, models.Black, p.Winner)
	assert.Equal(t, models.ReasonTimeout, p.Reason)
}

func TestSweepRepublishesSkeletonWhenDocMissing(t *testing.T) {
	g := liveGame("g1", models.White, 0, 60000, 30*time.Second)
	g.GameOver = true
	g.Winner = models.Black
	g.EndReason = models.ReasonTimeout
	games := map[string]*models.LiveGame{"g1": g}
	sw, _, _, _, sink := sweeperHarness(games, nil)

	sw.runPass()

	assert.Len(t, sink.byType(bus.EventGameStarted), 1)
	assert.Len(t, sink.byType(bus.EventGameEnded), 1)
}

func TestSweepSkipsCompletedDurable(t *testing.T) {
	g := liveGame("g1", models.White, 5000, 60000, 30*time.Second)
	g.GameOver = true
	games := map[string]*models.LiveGame{"g1": g}
	docs := map[string]*models.DurableGame{
		"g1": {GameID: "g1", Status: models.GameStatusCompleted},
	}
	sw, _, _, _, sink := sweeperHarness(games, docs)

	sw.runPass()

	assert.Empty(t, sink.events)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	games := map[string]*models.LiveGame{
		"g1": liveGame("g1", models.White, 5000, 60000, 30*time.Second),
	}
	sw, sc, fin, _, _ := sweeperHarness(games, nil)
	sc.locked = true

	sw.runPass()

	assert.Empty(t, fin.forfeited)
}
