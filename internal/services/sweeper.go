package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chess-arena/internal/bus"
	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

const (
	sweepInterval = 1 * time.Minute
	sweepTimeout  = 2 * time.Minute

	// flagGrace keeps the sweep out of the live scanner's way: only
	// flags that fell at least this long ago are forfeited here.
	flagGrace = 2 * time.Second
)

// LiveScanner is the slice of the live store the sweeper reads.
type LiveScanner interface {
	ScanGames(ctx context.Context, fn func(gameID string) error) error
	AcquireSweepLock(ctx context.Context, owner string) (bool, error)
	ReleaseSweepLock(ctx context.Context, owner string)
}

// GameFinalizer is the slice of the game core the sweeper drives.
type GameFinalizer interface {
	Game(ctx context.Context, gameID string) (*models.LiveGame, error)
	TimeoutForfeit(ctx context.Context, gameID string, flagged models.PlayerColor) (*models.LiveGame, error)
}

// ClockTracker lets the sweeper adopt orphaned clocks after a restart.
type ClockTracker interface {
	Track(gameID string, tl models.TimeLeft, turn models.PlayerColor, lastMoveAt time.Time)
	Remaining(gameID string) (models.TimeLeft, models.PlayerColor, error)
}

// DurableReader checks whether a finished game reached the durable store.
type DurableReader interface {
	ByGameID(ctx context.Context, gameID string) (*models.DurableGame, error)
}

type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

// Sweeper is the backstop for games the live scanner missed: flags
// that fell during a restart, and finished games whose durable record
// never completed. One node runs each pass, elected by a store lock.
type Sweeper struct {
	nodeID  string
	live    LiveScanner
	games   GameFinalizer
	clocks  ClockTracker
	durable DurableReader
	pub     Publisher
	logger  *zap.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewSweeper(nodeID string, live LiveScanner, games GameFinalizer, clocks ClockTracker, durable DurableReader, pub Publisher, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		nodeID:  nodeID,
		live:    live,
		games:   games,
		clocks:  clocks,
		durable: durable,
		pub:     pub,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs one immediate pass, then the periodic loop. The startup
// pass catches flags that fell while no server was running.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)
		s.runPass()

		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runPass()
			}
		}
	}()
	s.logger.Info("finalization sweeper started", zap.Duration("interval", sweepInterval))
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	held, err := s.live.AcquireSweepLock(ctx, s.nodeID)
	if err != nil {
		s.logger.Warn("sweep lock unavailable", zap.Error(err))
		return
	}
	if !held {
		return
	}
	defer s.live.ReleaseSweepLock(ctx, s.nodeID)

	var scanned, forfeited, adopted, republished int
	err = s.live.ScanGames(ctx, func(gameID string) error {
		scanned++
		switch s.sweepGame(ctx, gameID) {
		case sweepForfeited:
			forfeited++
		case sweepAdopted:
			adopted++
		case sweepRepublished:
			republished++
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("game scan failed", zap.Error(err))
		return
	}
	if forfeited > 0 || adopted > 0 || republished > 0 {
		s.logger.Info("sweep pass complete",
			zap.Int("scanned", scanned),
			zap.Int("forfeited", forfeited),
			zap.Int("adoptedClocks", adopted),
			zap.Int("republished", republished))
	}
}

type sweepAction int

const (
	sweepNone sweepAction = iota
	sweepForfeited
	sweepAdopted
	sweepRepublished
)

func (s *Sweeper) sweepGame(ctx context.Context, gameID string) sweepAction {
	g, err := s.games.Game(ctx, gameID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.logger.Warn("sweep load failed", zap.String("gameId", gameID), zap.Error(err))
		}
		return sweepNone
	}

	if g.GameOver {
		return s.reconcileFinished(ctx, g)
	}

	elapsed := time.Now().UnixMilli() - g.LastMoveAt
	remaining := g.TimeLeftMs.For(g.Turn) - elapsed
	if remaining <= -flagGrace.Milliseconds() {
		if _, err := s.games.TimeoutForfeit(ctx, gameID, g.Turn); err != nil {
			if !errors.Is(err, errs.ErrFinalized) {
				s.logger.Warn("sweep forfeit failed", zap.String("gameId", gameID), zap.Error(err))
			}
			return sweepNone
		}
		s.logger.Info("forfeited expired game",
			zap.String("gameId", gameID), zap.String("flagged", string(g.Turn)))
		return sweepForfeited
	}

	// Still running but no scanner watches it: its node restarted.
	if _, _, err := s.clocks.Remaining(gameID); err != nil {
		s.clocks.Track(gameID, g.TimeLeftMs, g.Turn, time.UnixMilli(g.LastMoveAt))
		return sweepAdopted
	}
	return sweepNone
}

// reconcileFinished re-emits game_ended when the durable record never
// completed, so the pipeline gets another attempt at the write and the
// rating application.
func (s *Sweeper) reconcileFinished(ctx context.Context, g *models.LiveGame) sweepAction {
	doc, err := s.durable.ByGameID(ctx, g.GameID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// skeleton never landed either; the game_started replay
			// below is covered by re-emitting the end event after the
			// skeleton
			s.republishStart(ctx, g)
			s.republishEnd(ctx, g)
			return sweepRepublished
		}
		s.logger.Warn("durable check failed", zap.String("gameId", g.GameID), zap.Error(err))
		return sweepNone
	}
	if doc.Status == models.GameStatusCompleted {
		return sweepNone
	}
	s.republishEnd(ctx, g)
	return sweepRepublished
}

func (s *Sweeper) republishStart(ctx context.Context, g *models.LiveGame) {
	env, err := bus.NewEnvelope(s.nodeID, bus.EventGameStarted, g.GameID, bus.GameStartedPayload{Game: g})
	if err != nil {
		s.logger.Error("encode game_started", zap.String("gameId", g.GameID), zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		s.logger.Warn("republish game_started degraded", zap.String("gameId", g.GameID), zap.Error(err))
	}
}

func (s *Sweeper) republishEnd(ctx context.Context, g *models.LiveGame) {
	env, err := bus.NewEnvelope(s.nodeID, bus.EventGameEnded, g.GameID, bus.GameEndedPayload{
		GameID:        g.GameID,
		Winner:        g.Winner,
		Reason:        g.EndReason,
		Score:         g.Result,
		FinalFEN:      g.FEN,
		FinalPGN:      g.PGN,
		RatingChanges: g.RatingChanges,
		EndedAt:       g.EndedAt,
	})
	if err != nil {
		s.logger.Error("encode game_ended", zap.String("gameId", g.GameID), zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		s.logger.Warn("republish game_ended degraded", zap.String("gameId", g.GameID), zap.Error(err))
	}
	s.logger.Info("republished finalization",
		zap.String("gameId", g.GameID), zap.String("reason", string(g.EndReason)))
}
