package matchmaking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chess-arena/internal/bus"
	"chess-arena/internal/errs"
	"chess-arena/internal/game"
	"chess-arena/internal/models"
	"chess-arena/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	queues   map[models.GameType]map[string]int
	sessions map[string]*models.SearchSession
	presence map[string]models.Presence
	locks    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queues:   make(map[models.GameType]map[string]int),
		sessions: make(map[string]*models.SearchSession),
		presence: make(map[string]models.Presence),
		locks:    make(map[string]bool),
	}
}

func (f *fakeStore) queue(gt models.GameType) map[string]int {
	if f.queues[gt] == nil {
		f.queues[gt] = make(map[string]int)
	}
	return f.queues[gt]
}

func (f *fakeStore) QueueAdd(_ context.Context, gt models.GameType, playerID string, rating int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue(gt)[playerID] = rating
	return nil
}

func (f *fakeStore) QueueRemove(_ context.Context, gt models.GameType, playerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queue(gt), playerID)
	return nil
}

func (f *fakeStore) QueueRange(_ context.Context, gt models.GameType, min, max int) ([]store.QueueMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.QueueMember
	for id, r := range f.queue(gt) {
		if r >= min && r <= max {
			out = append(out, store.QueueMember{PlayerID: id, Rating: r})
		}
	}
	return out, nil
}

func (f *fakeStore) InQueue(_ context.Context, gt models.GameType, playerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.queue(gt)[playerID]
	return ok, nil
}

func (f *fakeStore) QueueRemovePair(_ context.Context, gt models.GameType, a, b string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue(gt)
	if _, ok := q[a]; !ok {
		return false, nil
	}
	if _, ok := q[b]; !ok {
		return false, nil
	}
	delete(q, a)
	delete(q, b)
	return true, nil
}

func (f *fakeStore) QueueSize(_ context.Context, gt models.GameType) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.queue(gt))), nil
}

func (f *fakeStore) SaveSession(_ context.Context, sess *models.SearchSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sess
	f.sessions[sess.PlayerID] = &cp
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, playerID string) (*models.SearchSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: search session %s", errs.ErrNotFound, playerID)
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) DeleteSession(_ context.Context, playerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, playerID)
	return nil
}

func (f *fakeStore) GetPresence(_ context.Context, playerID string) (models.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.presence[playerID]
	if !ok {
		return models.Presence{}, fmt.Errorf("%w: presence %s", errs.ErrNotFound, playerID)
	}
	return p, nil
}

func (f *fakeStore) DeletePresence(_ context.Context, playerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.presence, playerID)
	return nil
}

func (f *fakeStore) AcquireMatchLock(_ context.Context, a, b string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.MatchLockKey(a, b)
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeStore) ReleaseMatchLock(_ context.Context, a, b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, store.MatchLockKey(a, b))
}

type fakeCreator struct {
	mu      sync.Mutex
	created []game.CreateParams
	fail    bool
}

func (f *fakeCreator) Create(_ context.Context, p game.CreateParams) (*models.LiveGame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errs.ErrStoreUnavailable
	}
	f.created = append(f.created, p)
	return &models.LiveGame{
		GameID: uuid.NewString(),
		Players: []models.LivePlayer{
			{PlayerID: p.WhiteID, Color: models.White},
			{PlayerID: p.BlackID, Color: models.Black},
		},
	}, nil
}

type fakeProfiles struct{ ratings map[string]int }

func (f *fakeProfiles) GetOrCreate(_ context.Context, playerID, _ string) (*models.Profile, error) {
	r := 1200
	if v, ok := f.ratings[playerID]; ok {
		r = v
	}
	return &models.Profile{
		PlayerID: playerID,
		Ratings:  models.Ratings{Rapid: r, Blitz: r, Bullet: r},
	}, nil
}

type fakeHistory struct{ games map[string][]models.DurableGame }

func (f *fakeHistory) RecentCompleted(_ context.Context, playerID string, _ int) ([]models.DurableGame, error) {
	return f.games[playerID], nil
}

type fakePub struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (f *fakePub) Publish(_ context.Context, env bus.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

type mmHarness struct {
	mm      *Matchmaker
	store   *fakeStore
	creator *fakeCreator
	pub     *fakePub
}

func newMMHarness(ratings map[string]int) *mmHarness {
	st := newFakeStore()
	creator := &fakeCreator{}
	pub := &fakePub{}
	mm := New("node-test", st, creator, &fakeProfiles{ratings: ratings},
		&fakeHistory{games: map[string][]models.DurableGame{}}, pub, zap.NewNop())
	return &mmHarness{mm: mm, store: st, creator: creator, pub: pub}
}

func (h *mmHarness) enter(t *testing.T, playerID string) *models.SearchSession {
	t.Helper()
	h.store.mu.Lock()
	h.store.presence[playerID] = models.Presence{PlayerID: playerID, ConnectionID: "ws-" + playerID, Connected: true}
	h.store.mu.Unlock()
	sess, err := h.mm.StartSearch(context.Background(), playerID, "ws-"+playerID, "RAPID_10_0")
	require.NoError(t, err)
	return sess
}

func TestCurrentRange(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 60},
		{2900 * time.Millisecond, 60},
		{3 * time.Second, 120},
		{9 * time.Second, 240},
		{26 * time.Second, 540},
		{27 * time.Second, 600},
		{5 * time.Minute, 600},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, currentRange(c.elapsed), c.elapsed.String())
	}
}

func TestStartSearchIdempotent(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1500})
	s1 := h.enter(t, "alice")
	assert.Equal(t, InitialRange, s1.CurrentRange)
	assert.Equal(t, 1500, s1.InitialRating)

	in, err := h.mm.store.InQueue(context.Background(), "RAPID_10_0", "alice")
	require.NoError(t, err)
	assert.True(t, in)

	s2, err := h.mm.StartSearch(context.Background(), "alice", "ws-2", "RAPID_10_0")
	require.NoError(t, err)
	assert.Equal(t, s1.SearchStartTime, s2.SearchStartTime)
	assert.Equal(t, "ws-2", s2.ConnectionID)
}

func TestStartSearchReassertsQueueMembership(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1500})
	h.enter(t, "alice")

	// the queue entry was evicted while the session stayed alive; a
	// re-invocation must put the player back or they can never pair
	require.NoError(t, h.store.QueueRemove(context.Background(), "RAPID_10_0", "alice"))

	_, err := h.mm.StartSearch(context.Background(), "alice", "ws-2", "RAPID_10_0")
	require.NoError(t, err)
	in, err := h.store.InQueue(context.Background(), "RAPID_10_0", "alice")
	require.NoError(t, err)
	assert.True(t, in)
}

func TestTickNoCandidates(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1500})
	h.enter(t, "alice")

	res, err := h.mm.Tick(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, InitialRange, res.CurrentRange)
}

func TestTickUnknownPlayer(t *testing.T) {
	h := newMMHarness(nil)
	_, err := h.mm.Tick(context.Background(), "ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTickExpandsRange(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1500})
	h.enter(t, "alice")

	// rewind the session start by ten seconds
	h.store.mu.Lock()
	h.store.sessions["alice"].SearchStartTime = time.Now().Add(-10 * time.Second).UnixMilli()
	h.store.mu.Unlock()

	res, err := h.mm.Tick(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 240, res.CurrentRange)
}

func TestTickPairsPlayers(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1200, "bob": 1240})
	h.enter(t, "alice")
	h.enter(t, "bob")

	res, err := h.mm.Tick(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "bob", res.OpponentID)
	assert.Equal(t, 1240, res.OpponentRating)
	assert.NotEmpty(t, res.GameID)

	require.Len(t, h.creator.created, 1)
	seats := map[string]bool{h.creator.created[0].WhiteID: true, h.creator.created[0].BlackID: true}
	assert.True(t, seats["alice"] && seats["bob"])

	// both players are gone from queue and sessions
	n, _ := h.store.QueueSize(context.Background(), "RAPID_10_0")
	assert.EqualValues(t, 0, n)
	_, err = h.store.GetSession(context.Background(), "alice")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = h.store.GetSession(context.Background(), "bob")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// matched players drop their presence too; it comes back with the
	// next handshake
	_, err = h.store.GetPresence(context.Background(), "alice")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = h.store.GetPresence(context.Background(), "bob")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// one match_found per player
	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	require.Len(t, h.pub.envs, 2)
	for _, env := range h.pub.envs {
		assert.Equal(t, bus.EventMatchFound, env.EventType)
	}
}

func TestTickRespectsRange(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1200, "bob": 1400})
	h.enter(t, "alice")
	h.enter(t, "bob")

	res, err := h.mm.Tick(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, res.Found, "200 points apart is outside the initial window")

	h.store.mu.Lock()
	h.store.sessions["alice"].SearchStartTime = time.Now().Add(-9 * time.Second).UnixMilli()
	h.store.mu.Unlock()

	res, err = h.mm.Tick(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Found, "range 240 covers a 200-point gap")
}

func TestTickEvictsAbsentCandidate(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1200, "bob": 1210})
	h.enter(t, "alice")
	h.enter(t, "bob")

	// bob's presence vanished (disconnect without cancel)
	h.store.mu.Lock()
	delete(h.store.presence, "bob")
	h.store.mu.Unlock()

	res, err := h.mm.Tick(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, res.Found)

	in, _ := h.store.InQueue(context.Background(), "RAPID_10_0", "bob")
	assert.False(t, in, "stale entry must be evicted")
}

func TestTickSkipsLockedPair(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1200, "bob": 1210})
	h.enter(t, "alice")
	h.enter(t, "bob")

	// another node holds the pair lock
	h.store.mu.Lock()
	h.store.locks[store.MatchLockKey("alice", "bob")] = true
	h.store.mu.Unlock()

	res, err := h.mm.Tick(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, h.creator.created)
}

func TestTickRestoresQueueOnCreateFailure(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1200, "bob": 1210})
	h.enter(t, "alice")
	h.enter(t, "bob")
	h.creator.fail = true

	res, err := h.mm.Tick(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, res.Found)

	n, _ := h.store.QueueSize(context.Background(), "RAPID_10_0")
	assert.EqualValues(t, 2, n)
}

func TestCancel(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1200})
	h.enter(t, "alice")

	require.NoError(t, h.mm.Cancel(context.Background(), "alice"))
	in, _ := h.store.InQueue(context.Background(), "RAPID_10_0", "alice")
	assert.False(t, in)
	_, err := h.store.GetSession(context.Background(), "alice")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = h.store.GetPresence(context.Background(), "alice")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// second cancel is a no-op
	require.NoError(t, h.mm.Cancel(context.Background(), "alice"))
}

func TestStats(t *testing.T) {
	h := newMMHarness(map[string]int{"alice": 1200, "bob": 1300})
	h.enter(t, "alice")
	h.enter(t, "bob")

	stats, err := h.mm.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats["RAPID_10_0"])
}

func TestWhiteProbability(t *testing.T) {
	even := colorStats{whiteRate: 0.5, games: 4}

	// equal ratings, balanced history
	assert.InDelta(t, 0.5, whiteProbability(1200, 1200, even, even), 1e-9)

	// a 100-point gap is not enough for a bias
	assert.InDelta(t, 0.5, whiteProbability(1200, 1300, even, even), 1e-9)

	// lower-rated p1 leans white
	assert.InDelta(t, 0.575, whiteProbability(1200, 1350, even, even), 1e-9)
	// higher-rated p1 leans black
	assert.InDelta(t, 0.425, whiteProbability(1350, 1200, even, even), 1e-9)
	// bias caps at 0.1
	assert.InDelta(t, 0.6, whiteProbability(1000, 2000, even, even), 1e-9)

	// p1 on a white streak gets pushed toward black
	streakW := colorStats{whiteStreak: 3, whiteRate: 0.6, games: 5}
	assert.InDelta(t, 0.2, whiteProbability(1200, 1200, streakW, even), 1e-9)

	// stacked corrections clamp at the floor
	heavyWhite := colorStats{whiteStreak: 4, whiteRate: 0.9, games: 10}
	opponentB := colorStats{blackStreak: 3, whiteRate: 0.2, games: 10}
	assert.InDelta(t, 0.1, whiteProbability(1200, 1200, heavyWhite, opponentB), 1e-9)

	// and at the ceiling
	heavyBlack := colorStats{blackStreak: 4, whiteRate: 0.1, games: 10}
	opponentW := colorStats{whiteStreak: 3, whiteRate: 0.8, games: 10}
	assert.InDelta(t, 0.9, whiteProbability(1200, 1200, heavyBlack, opponentW), 1e-9)
}

func TestStatsFor(t *testing.T) {
	mk := func(color models.PlayerColor) models.DurableGame {
		return models.DurableGame{Players: []models.DurablePlayer{
			{PlayerID: "alice", Color: color},
			{PlayerID: "other", Color: color.Opposite()},
		}}
	}
	history := []models.DurableGame{
		mk(models.White), mk(models.White), mk(models.Black), mk(models.White),
	}
	st := statsFor("alice", history)
	assert.Equal(t, 2, st.whiteStreak)
	assert.Equal(t, 0, st.blackStreak)
	assert.Equal(t, 4, st.games)
	assert.InDelta(t, 0.75, st.whiteRate, 1e-9)

	empty := statsFor("alice", nil)
	assert.Equal(t, 0, empty.games)
	assert.InDelta(t, 0.5, empty.whiteRate, 1e-9)
}
