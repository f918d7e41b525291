package clock

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

// How far a client's "my opponent is out of time" report may disagree
// with the server clock and still be honored.
const reportTolerance = 100 * time.Millisecond

const scanInterval = 1 * time.Second

// TimeoutFunc is invoked off the scanner goroutine when a side's
// clock reaches zero. color is the side that ran out.
type TimeoutFunc func(gameID string, color models.PlayerColor)

// TickFunc receives a snapshot of both clocks once per scan for every
// active game.
type TickFunc func(gameID string, whiteMs, blackMs int64, turn models.PlayerColor)

type gameClock struct {
	whiteMs  int64 // authoritative at lastMoveTime
	blackMs  int64
	turn     models.PlayerColor
	lastMove time.Time
	active   bool
	fired    bool
}

// remaining returns the live clocks at now. Only the side to move
// burns time.
func (g *gameClock) remaining(now time.Time) (int64, int64) {
	w, b := g.whiteMs, g.blackMs
	if !g.active {
		return w, b
	}
	elapsed := now.Sub(g.lastMove).Milliseconds()
	if g.turn == models.White {
		w -= elapsed
	} else {
		b -= elapsed
	}
	return max64(0, w), max64(0, b)
}

// Manager runs the single process-wide clock scanner. All games on
// this node share one 1 Hz ticker; per-game timers do not exist.
type Manager struct {
	mu     sync.Mutex
	games  map[string]*gameClock
	logger *zap.Logger

	onTimeout TimeoutFunc
	onTick    TickFunc

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		games:  make(map[string]*gameClock),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// OnTimeout registers the forfeit callback. Must be set before Start.
func (m *Manager) OnTimeout(fn TimeoutFunc) { m.onTimeout = fn }

// OnTick registers the broadcast callback. Must be set before Start.
func (m *Manager) OnTick(fn TickFunc) { m.onTick = fn }

// Start launches the scanner goroutine.
func (m *Manager) Start() {
	go m.loop()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) loop() {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.scan(now)
		}
	}
}

type firing struct {
	gameID string
	color  models.PlayerColor
}

func (m *Manager) scan(now time.Time) {
	var fired []firing
	type tick struct {
		gameID   string
		w, b     int64
		turn     models.PlayerColor
	}
	var ticks []tick

	m.mu.Lock()
	for id, g := range m.games {
		if !g.active || g.fired {
			continue
		}
		w, b := g.remaining(now)
		ticks = append(ticks, tick{id, w, b, g.turn})
		expired := (g.turn == models.White && w <= 0) || (g.turn == models.Black && b <= 0)
		if expired {
			g.fired = true
			fired = append(fired, firing{id, g.turn})
		}
	}
	m.mu.Unlock()

	// Callbacks run outside the lock; the flag handoff above keeps a
	// game from firing twice even if finalization is slow.
	if m.onTick != nil {
		for _, t := range ticks {
			m.onTick(t.gameID, t.w, t.b, t.turn)
		}
	}
	if m.onTimeout != nil {
		for _, f := range fired {
			m.logger.Info("clock expired",
				zap.String("gameId", f.gameID),
				zap.String("color", string(f.color)))
			go m.onTimeout(f.gameID, f.color)
		}
	}
}

// Track begins monitoring a game. The clocks are taken as
// authoritative at lastMoveAt (game start or most recent move).
func (m *Manager) Track(gameID string, tl models.TimeLeft, turn models.PlayerColor, lastMoveAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[gameID] = &gameClock{
		whiteMs:  tl.White,
		blackMs:  tl.Black,
		turn:     turn,
		lastMove: lastMoveAt,
		active:   true,
	}
}

// Update resyncs the tracked clocks after a move has been applied.
func (m *Manager) Update(gameID string, tl models.TimeLeft, turn models.PlayerColor, lastMoveAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		g = &gameClock{active: true}
		m.games[gameID] = g
	}
	g.whiteMs = tl.White
	g.blackMs = tl.Black
	g.turn = turn
	g.lastMove = lastMoveAt
	g.fired = false
}

// Pause freezes both clocks, banking the elapsed time for the side to
// move. Used when both players are disconnected.
func (m *Manager) Pause(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok || !g.active {
		return
	}
	w, b := g.remaining(time.Now())
	g.whiteMs, g.blackMs = w, b
	g.active = false
}

// Resume restarts a paused clock. The side to move starts burning
// time from now, not from the pre-pause lastMove.
func (m *Manager) Resume(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok || g.active {
		return
	}
	g.lastMove = time.Now()
	g.active = true
}

// Remove stops tracking a finished game.
func (m *Manager) Remove(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.games, gameID)
}

// Remaining reports the live clocks for a tracked game.
func (m *Manager) Remaining(gameID string) (models.TimeLeft, models.PlayerColor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return models.TimeLeft{}, "", errs.ErrNotFound
	}
	w, b := g.remaining(time.Now())
	return models.TimeLeft{White: w, Black: b}, g.turn, nil
}

// ReportTimeUp handles a client claiming color has flagged. The server
// clock wins: the claim is honored only when the server agrees to
// within the tolerance. Returns true when the flag is genuine.
func (m *Manager) ReportTimeUp(gameID string, color models.PlayerColor) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return false, errs.ErrNotFound
	}
	if g.turn != color || !g.active {
		return false, nil
	}
	w, b := g.remaining(time.Now())
	rem := w
	if color == models.Black {
		rem = b
	}
	if rem > reportTolerance.Milliseconds() {
		return false, nil
	}
	if g.fired {
		return false, nil
	}
	g.fired = true
	return true, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
