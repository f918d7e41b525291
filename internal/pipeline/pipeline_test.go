package pipeline

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
	"chess-arena/internal/db"
	"chess-arena/internal/elo"
	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

type fakeGames struct {
	mu        sync.Mutex
	docs      map[string]*models.DurableGame
	appended  map[string][]models.DurableMove
	postRated map[string]int
	failAll   bool
}

func newFakeGames() *fakeGames {
	return &fakeGames{
		docs:      make(map[string]*models.DurableGame),
		appended:  make(map[string][]models.DurableMove),
		postRated: make(map[string]int),
	}
}

func (f *fakeGames) UpsertSkeleton(_ context.Context, g *models.DurableGame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errs.ErrStoreUnavailable
	}
	if _, ok := f.docs[g.GameID]; !ok {
		f.docs[g.GameID] = g
	}
	return nil
}

// AppendMove mirrors the store's sequencing contract: the move lands
// only as the next one, a redelivery is a no-op, and a gap or a
// missing document is an error.
func (f *fakeGames) AppendMove(_ context.Context, gameID string, mv models.DurableMove, pgn, _ string, moveNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errs.ErrStoreUnavailable
	}
	doc, ok := f.docs[gameID]
	if !ok {
		return fmt.Errorf("%w: game %s has no durable record", errs.ErrNotFound, gameID)
	}
	switch have := len(f.appended[gameID]); {
	case have == moveNumber-1:
		f.appended[gameID] = append(f.appended[gameID], mv)
		doc.PGN = pgn
		return nil
	case have >= moveNumber:
		return nil
	default:
		return fmt.Errorf("%w: game %s holds %d moves, cannot append move %d", errs.ErrConflict, gameID, have, moveNumber)
	}
}

func (f *fakeGames) Finalize(_ context.Context, gameID string, result models.DurableResult, pgn string, endedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return false, errs.ErrStoreUnavailable
	}
	doc, ok := f.docs[gameID]
	if !ok {
		return false, nil
	}
	if doc.Status == models.GameStatusCompleted {
		return false, nil
	}
	doc.Status = models.GameStatusCompleted
	doc.Result = &result
	doc.PGN = pgn
	doc.EndedAt = &endedAt
	return true, nil
}

func (f *fakeGames) SetPostRating(_ context.Context, gameID, playerID string, postRating int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postRated[gameID+"/"+playerID] = postRating
	return nil
}

func (f *fakeGames) SetRematchLink(_ context.Context, gameID, nextGameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[gameID]; ok {
		doc.RematchedBy = nextGameID
	}
	return nil
}

func (f *fakeGames) ByGameID(_ context.Context, gameID string) (*models.DurableGame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: game %s", errs.ErrNotFound, gameID)
	}
	cp := *doc
	return &cp, nil
}

type fakeProfileWriter struct {
	mu      sync.Mutex
	applied map[string]int // playerID -> newRating
}

func (f *fakeProfileWriter) ApplyResult(_ context.Context, playerID string, _ models.Variant, newRating int, _ elo.GameResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = make(map[string]int)
	}
	f.applied[playerID] = newRating
	return nil
}

type fakeDead struct {
	mu      sync.Mutex
	letters []db.DeadLetter
}

func (f *fakeDead) Insert(_ context.Context, dl db.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.letters = append(f.letters, dl)
	return nil
}

type fakeBus struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (f *fakeBus) Publish(_ context.Context, env bus.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

type plHarness struct {
	pl       *Pipeline
	games    *fakeGames
	profiles *fakeProfileWriter
	dead     *fakeDead
	bus      *fakeBus
}

func newPLHarness() *plHarness {
	games := newFakeGames()
	profiles := &fakeProfileWriter{}
	dead := &fakeDead{}
	fb := &fakeBus{}
	pl := New("node-test", games, profiles, dead, fb, zap.NewNop())
	return &plHarness{pl: pl, games: games, profiles: profiles, dead: dead, bus: fb}
}

func env(t *testing.T, et bus.EventType, gameID string, payload any) bus.Envelope {
	t.Helper()
	e, err := bus.NewEnvelope("node-test", et, gameID, payload)
	require.NoError(t, err)
	return e
}

func startedEnv(t *testing.T, gameID string) bus.Envelope {
	return env(t, bus.EventGameStarted, gameID, bus.GameStartedPayload{Game: &models.LiveGame{
		GameID: gameID,
		Players: []models.LivePlayer{
			{PlayerID: "alice", Color: models.White, Rating: 1500},
			{PlayerID: "bob", Color: models.Black, Rating: 1450},
		},
		GameInfo: models.GameInfo{
			Variant:     models.VariantRapid,
			GameType:    "RAPID_10_0",
			TimeControl: models.TimeControl{TimeSec: 600},
		},
		InitialFEN: models.InitialFEN,
		StartedAt:  time.Now().UnixMilli(),
		RatingChanges: models.RatingChanges{
			"alice": {OnWin: 14, OnLoss: -18, OnDraw: -2},
			"bob":   {OnWin: 18, OnLoss: -14, OnDraw: 2},
		},
	}})
}

func TestPriorityFor(t *testing.T) {
	healthy := models.TimeLeft{White: 500000, Black: 500000}

	cases := []struct {
		name string
		env  bus.Envelope
		want Priority
	}{
		{"game_ended", env(t, bus.EventGameEnded, "g", bus.GameEndedPayload{}), High},
		{"resigned", env(t, bus.EventPlayerResigned, "g", bus.DrawEventPayload{}), High},
		{"draw_accepted", env(t, bus.EventDrawAccepted, "g", bus.DrawEventPayload{}), High},
		{"rating_updated", env(t, bus.EventRatingUpdated, "g", bus.RatingUpdatedPayload{}), High},
		{"move terminal", env(t, bus.EventMoveMade, "g", bus.MoveMadePayload{Terminal: true, TimeLeftMs: healthy}), High},
		{"move low clock", env(t, bus.EventMoveMade, "g", bus.MoveMadePayload{TimeLeftMs: models.TimeLeft{White: 20000, Black: 400000}}), High},
		{"move normal", env(t, bus.EventMoveMade, "g", bus.MoveMadePayload{TimeLeftMs: healthy}), Medium},
		{"time critical", env(t, bus.EventTimeUpdate, "g", bus.TimeUpdatePayload{WhiteMs: 5000, BlackMs: 300000}), High},
		{"time warning", env(t, bus.EventTimeUpdate, "g", bus.TimeUpdatePayload{WhiteMs: 45000, BlackMs: 300000}), Medium},
		{"time relaxed", env(t, bus.EventTimeUpdate, "g", bus.TimeUpdatePayload{WhiteMs: 300000, BlackMs: 300000}), Low},
		{"draw_offered", env(t, bus.EventDrawOffered, "g", bus.DrawEventPayload{}), Low},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, PriorityFor(c.env), c.name)
	}
}

func TestGameStartedCreatesSkeleton(t *testing.T) {
	h := newPLHarness()
	require.NoError(t, h.pl.Handle(startedEnv(t, "g1")))
	h.pl.flushAll(true)

	doc, err := h.games.ByGameID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GameStatusActive, doc.Status)
	assert.Len(t, doc.Players, 2)
	assert.Equal(t, 1500, doc.Players[0].PreRating)
	assert.Equal(t, models.VariantRapid, doc.Variant)
}

func TestMoveMadeAppends(t *testing.T) {
	h := newPLHarness()
	require.NoError(t, h.pl.Handle(startedEnv(t, "g1")))
	require.NoError(t, h.pl.Handle(env(t, bus.EventMoveMade, "g1", bus.MoveMadePayload{
		GameID: "g1", SAN: "e4", From: "e2", To: "e4", PGN: "1. e4", MoveNumber: 1,
		TimeLeftMs: models.TimeLeft{White: 598000, Black: 600000},
	})))
	h.pl.flushAll(true)

	h.games.mu.Lock()
	defer h.games.mu.Unlock()
	require.Len(t, h.games.appended["g1"], 1)
	assert.Equal(t, "e4", h.games.appended["g1"][0].SAN)
	assert.Equal(t, "1. e4", h.games.docs["g1"].PGN)
}

func TestMoveSequenceGapDeadLetters(t *testing.T) {
	h := newPLHarness()
	require.NoError(t, h.pl.Handle(startedEnv(t, "g1")))

	// move 2 arrives with move 1 never persisted; the gap must surface
	// instead of silently no-opping every later append
	require.NoError(t, h.pl.Handle(env(t, bus.EventMoveMade, "g1", bus.MoveMadePayload{
		GameID: "g1", SAN: "e5", PGN: "1. e4 e5", MoveNumber: 2,
		TimeLeftMs: models.TimeLeft{White: 598000, Black: 598000},
	})))
	h.pl.flushAll(true)

	h.dead.mu.Lock()
	require.Len(t, h.dead.letters, 1)
	assert.Equal(t, string(bus.EventMoveMade), h.dead.letters[0].EventType)
	assert.Equal(t, "g1", h.dead.letters[0].GameID)
	h.dead.mu.Unlock()
}

func TestRedeliveredMoveIsNoOp(t *testing.T) {
	h := newPLHarness()
	require.NoError(t, h.pl.Handle(startedEnv(t, "g1")))

	mv := env(t, bus.EventMoveMade, "g1", bus.MoveMadePayload{
		GameID: "g1", SAN: "e4", PGN: "1. e4", MoveNumber: 1,
		TimeLeftMs: models.TimeLeft{White: 598000, Black: 600000},
	})
	require.NoError(t, h.pl.Handle(mv))
	h.pl.flushAll(true)
	require.NoError(t, h.pl.Handle(mv))
	h.pl.flushAll(true)

	h.games.mu.Lock()
	assert.Len(t, h.games.appended["g1"], 1)
	h.games.mu.Unlock()
	h.dead.mu.Lock()
	assert.Empty(t, h.dead.letters, "a redelivery is not a gap")
	h.dead.mu.Unlock()
}

func TestGameEndedAppliesRatingsOnce(t *testing.T) {
	h := newPLHarness()
	require.NoError(t, h.pl.Handle(startedEnv(t, "g1")))

	ended := env(t, bus.EventGameEnded, "g1", bus.GameEndedPayload{
		GameID: "g1",
		Winner: models.White,
		Reason: models.ReasonCheckmate,
		Score:  "1-0",
		RatingChanges: models.RatingChanges{
			"alice": {OnWin: 14, OnLoss: -18, OnDraw: -2},
			"bob":   {OnWin: 18, OnLoss: -14, OnDraw: 2},
		},
		EndedAt: time.Now().UnixMilli(),
	})
	require.NoError(t, h.pl.Handle(ended))
	h.pl.flushAll(true)

	doc, err := h.games.ByGameID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GameStatusCompleted, doc.Status)
	require.NotNil(t, doc.Result)
	assert.Equal(t, models.White, doc.Result.Winner)

	h.profiles.mu.Lock()
	assert.Equal(t, 1514, h.profiles.applied["alice"], "winner gains OnWin")
	assert.Equal(t, 1436, h.profiles.applied["bob"], "loser takes OnLoss")
	h.profiles.mu.Unlock()

	h.games.mu.Lock()
	assert.Equal(t, 1514, h.games.postRated["g1/alice"])
	assert.Equal(t, 1436, h.games.postRated["g1/bob"])
	h.games.mu.Unlock()

	// redelivery must not double-apply
	require.NoError(t, h.pl.Handle(ended))
	h.pl.flushAll(true)
	h.profiles.mu.Lock()
	assert.Equal(t, 1514, h.profiles.applied["alice"])
	h.profiles.mu.Unlock()

	// one rating_updated per player
	h.bus.mu.Lock()
	count := 0
	for _, e := range h.bus.envs {
		if e.EventType == bus.EventRatingUpdated {
			count++
		}
	}
	h.bus.mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestSyntheticEndFromResignation(t *testing.T) {
	h := newPLHarness()
	require.NoError(t, h.pl.Handle(startedEnv(t, "g1")))
	require.NoError(t, h.pl.Handle(env(t, bus.EventPlayerResigned, "g1", bus.DrawEventPayload{
		GameID: "g1", PlayerID: "bob", Color: models.Black,
	})))
	h.pl.flushAll(true)

	doc, err := h.games.ByGameID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GameStatusCompleted, doc.Status)
	require.NotNil(t, doc.Result)
	assert.Equal(t, models.White, doc.Result.Winner)
	assert.Equal(t, models.ReasonResignation, doc.Result.Reason)
	assert.Equal(t, models.Score("1-0"), doc.Result.Score)
}

func TestSyntheticEndSkipsCompletedGame(t *testing.T) {
	h := newPLHarness()
	require.NoError(t, h.pl.Handle(startedEnv(t, "g1")))
	require.NoError(t, h.pl.Handle(env(t, bus.EventGameEnded, "g1", bus.GameEndedPayload{
		GameID: "g1", Winner: models.Black, Reason: models.ReasonResignation, Score: "0-1",
		RatingChanges: models.RatingChanges{"alice": {}, "bob": {}},
	})))
	h.pl.flushAll(true)

	require.NoError(t, h.pl.Handle(env(t, bus.EventPlayerResigned, "g1", bus.DrawEventPayload{
		GameID: "g1", PlayerID: "alice", Color: models.White,
	})))
	h.pl.flushAll(true)

	doc, err := h.games.ByGameID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, models.Black, doc.Result.Winner, "synthetic end must not overwrite the real result")
}

func TestPermanentFailureDeadLetters(t *testing.T) {
	h := newPLHarness()
	h.games.failAll = true

	require.NoError(t, h.pl.Handle(startedEnv(t, "g1")))
	h.pl.flushAll(true)

	h.dead.mu.Lock()
	defer h.dead.mu.Unlock()
	require.Len(t, h.dead.letters, 1)
	assert.Equal(t, string(bus.EventGameStarted), h.dead.letters[0].EventType)
	assert.Equal(t, "g1", h.dead.letters[0].GameID)
	assert.Equal(t, maxAttempts, h.dead.letters[0].Attempts)
}

func TestLowLaneCoalesces(t *testing.T) {
	h := newPLHarness()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.pl.Handle(env(t, bus.EventTimeUpdate, "g1", bus.TimeUpdatePayload{
			GameID: "g1", WhiteMs: int64(300000 - i), BlackMs: 300000,
		})))
	}
	// a second game keeps its own slot
	require.NoError(t, h.pl.Handle(env(t, bus.EventTimeUpdate, "g2", bus.TimeUpdatePayload{
		GameID: "g2", WhiteMs: 300000, BlackMs: 300000,
	})))

	l := h.pl.lanes[Low]
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.items, 2)
}

func TestRematchLink(t *testing.T) {
	h := newPLHarness()
	require.NoError(t, h.pl.Handle(startedEnv(t, "g1")))
	h.pl.flushAll(true)

	next := startedEnv(t, "g2")
	var payload bus.GameStartedPayload
	require.NoError(t, next.Decode(&payload))
	payload.Game.Rematch.PrevGameID = "g1"
	next = env(t, bus.EventGameStarted, "g2", payload)
	require.NoError(t, h.pl.Handle(next))
	h.pl.flushAll(true)

	doc, err := h.games.ByGameID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "g2", doc.RematchedBy)

	doc2, err := h.games.ByGameID(context.Background(), "g2")
	require.NoError(t, err)
	assert.Equal(t, "g1", doc2.RematchOf)
}
