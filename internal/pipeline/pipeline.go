// Package pipeline drains the event bus into the durable store. Events
// are batched by priority, retried with backoff, and dead-lettered
// when the store permanently refuses them.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chess-arena/internal/bus"
	"chess-arena/internal/db"
	"chess-arena/internal/elo"
	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

const (
	maxAttempts    = 3
	initialBackoff = 100 * time.Millisecond
	sweepInterval  = 200 * time.Millisecond
)

// GameWriter is the durable game surface the pipeline writes.
type GameWriter interface {
	UpsertSkeleton(ctx context.Context, g *models.DurableGame) error
	AppendMove(ctx context.Context, gameID string, mv models.DurableMove, pgn, fen string, moveNumber int) error
	Finalize(ctx context.Context, gameID string, result models.DurableResult, pgn string, endedAt time.Time) (bool, error)
	SetPostRating(ctx context.Context, gameID, playerID string, postRating int) error
	SetRematchLink(ctx context.Context, gameID, nextGameID string) error
	ByGameID(ctx context.Context, gameID string) (*models.DurableGame, error)
}

// ProfileWriter applies rating results to player profiles.
type ProfileWriter interface {
	ApplyResult(ctx context.Context, playerID string, variant models.Variant, newRating int, result elo.GameResult) error
}

// DeadLetterSink receives events the pipeline gave up on.
type DeadLetterSink interface {
	Insert(ctx context.Context, dl db.DeadLetter) error
}

// Publisher lets the pipeline announce applied rating changes.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

type lane struct {
	mu        sync.Mutex
	cfg       laneConfig
	items     []bus.Envelope
	coalesced map[string]int // key -> index into items, LOW lane only
	lastFlush time.Time
	dropped   int64
}

// Pipeline is the single in-process batch accumulator.
type Pipeline struct {
	nodeID   string
	games    GameWriter
	profiles ProfileWriter
	dead     DeadLetterSink
	bus      Publisher
	logger   *zap.Logger

	lanes [3]*lane
	kick  chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(nodeID string, games GameWriter, profiles ProfileWriter, dead DeadLetterSink, pub Publisher, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		nodeID:   nodeID,
		games:    games,
		profiles: profiles,
		dead:     dead,
		bus:      pub,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for pr := Low; pr <= High; pr++ {
		p.lanes[pr] = &lane{cfg: configFor(pr), lastFlush: time.Now()}
		if p.lanes[pr].cfg.coalesce {
			p.lanes[pr].coalesced = make(map[string]int)
		}
	}
	return p
}

// Start launches the background flusher.
func (p *Pipeline) Start() {
	go p.loop()
}

// Stop flushes every pending batch and halts the flusher.
func (p *Pipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stop) })
	select {
	case <-p.done:
	case <-ctx.Done():
	}
}

// Handle enqueues one bus envelope. It always acks: retries and the
// dead-letter sink are the pipeline's responsibility, not the bus's.
func (p *Pipeline) Handle(env bus.Envelope) error {
	pr := PriorityFor(env)
	l := p.lanes[pr]

	l.mu.Lock()
	if len(l.items) >= l.cfg.maxDepth {
		if pr == Low {
			// backpressure: LOW events are droppable
			l.dropped++
			l.mu.Unlock()
			return nil
		}
		// never drop HIGH or MEDIUM; apply inline instead
		l.mu.Unlock()
		p.applyWithRetry(context.Background(), env)
		return nil
	}
	if l.cfg.coalesce {
		key := env.GameID + "|" + string(env.EventType)
		if idx, ok := l.coalesced[key]; ok {
			l.items[idx] = env
			l.mu.Unlock()
			return nil
		}
		l.coalesced[key] = len(l.items)
	}
	l.items = append(l.items, env)
	full := len(l.items) >= l.cfg.maxBatch
	l.mu.Unlock()

	if full {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *Pipeline) loop() {
	defer close(p.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			p.flushAll(true)
			return
		case <-p.kick:
			p.flushAll(false)
		case <-ticker.C:
			p.flushAll(false)
		}
	}
}

// flushAll drains lanes in priority order. force skips the batch-age
// policy, used on shutdown.
func (p *Pipeline) flushAll(force bool) {
	for pr := High; pr >= Low; pr-- {
		l := p.lanes[pr]
		l.mu.Lock()
		due := force || len(l.items) >= l.cfg.maxBatch ||
			(len(l.items) > 0 && time.Since(l.lastFlush) >= l.cfg.maxWait)
		if !due {
			l.mu.Unlock()
			continue
		}
		batch := l.items
		l.items = nil
		if l.coalesced != nil {
			l.coalesced = make(map[string]int)
		}
		if l.dropped > 0 {
			p.logger.Warn("dropped low-priority events under backpressure",
				zap.Int64("count", l.dropped))
			l.dropped = 0
		}
		l.lastFlush = time.Now()
		l.mu.Unlock()

		for _, env := range batch {
			p.applyWithRetry(context.Background(), env)
		}
	}
}

// applyWithRetry writes one event, backing off between attempts. On
// permanent failure the envelope lands in the dead-letter sink;
// game-ending state can still be recovered by the restart sweep over
// the live store.
func (p *Pipeline) applyWithRetry(ctx context.Context, env bus.Envelope) {
	var err error
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = p.apply(ctx, env); err == nil {
			return
		}
		if !errors.Is(err, errs.ErrStoreUnavailable) {
			break
		}
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	p.logger.Error("event permanently failed",
		zap.String("eventType", string(env.EventType)),
		zap.String("gameId", env.GameID),
		zap.Error(err))

	raw, _ := json.Marshal(env)
	dl := db.DeadLetter{
		Channel:   string(env.Channel),
		EventType: string(env.EventType),
		GameID:    env.GameID,
		Envelope:  raw,
		Error:     err.Error(),
		Attempts:  maxAttempts,
	}
	if derr := p.dead.Insert(ctx, dl); derr != nil {
		p.logger.Error("dead-letter insert failed", zap.Error(derr))
	}
}

// apply performs the durable write for one event type. Events with no
// durable projection are acknowledged untouched.
func (p *Pipeline) apply(ctx context.Context, env bus.Envelope) error {
	switch env.EventType {
	case bus.EventGameStarted:
		return p.applyGameStarted(ctx, env)
	case bus.EventMoveMade:
		return p.applyMoveMade(ctx, env)
	case bus.EventGameEnded:
		return p.applyGameEnded(ctx, env)
	case bus.EventPlayerResigned, bus.EventDrawAccepted:
		// belt and braces: the real game_ended usually arrives first
		// and wins the status transition
		return p.applySyntheticEnd(ctx, env)
	case bus.EventRatingUpdated:
		return p.applyRatingUpdated(ctx, env)
	default:
		return nil
	}
}

func (p *Pipeline) applyGameStarted(ctx context.Context, env bus.Envelope) error {
	var payload bus.GameStartedPayload
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("%w: decode game_started: %v", errs.ErrInternal, err)
	}
	g := payload.Game
	if g == nil || len(g.Players) != 2 {
		return fmt.Errorf("%w: game_started without game", errs.ErrInternal)
	}

	doc := &models.DurableGame{
		GameID: g.GameID,
		Players: []models.DurablePlayer{
			{PlayerID: g.Players[0].PlayerID, Color: g.Players[0].Color, PreRating: g.Players[0].Rating},
			{PlayerID: g.Players[1].PlayerID, Color: g.Players[1].Color, PreRating: g.Players[1].Rating},
		},
		Variant:       g.GameInfo.Variant,
		GameType:      g.GameInfo.GameType,
		TimeControl:   g.GameInfo.TimeControl,
		InitialFEN:    g.InitialFEN,
		Moves:         []models.DurableMove{},
		Status:        models.GameStatusActive,
		RatingChanges: g.RatingChanges,
		RematchOf:     g.Rematch.PrevGameID,
		StartedAt:     time.UnixMilli(g.StartedAt),
	}
	if err := p.games.UpsertSkeleton(ctx, doc); err != nil {
		return err
	}
	if doc.RematchOf != "" {
		if err := p.games.SetRematchLink(ctx, doc.RematchOf, g.GameID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) applyMoveMade(ctx context.Context, env bus.Envelope) error {
	var payload bus.MoveMadePayload
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("%w: decode move_made: %v", errs.ErrInternal, err)
	}
	mv := models.DurableMove{
		SAN:       payload.SAN,
		From:      payload.From,
		To:        payload.To,
		Timestamp: env.Timestamp,
	}
	return p.games.AppendMove(ctx, payload.GameID, mv, payload.PGN, payload.FEN, payload.MoveNumber)
}

func (p *Pipeline) applyGameEnded(ctx context.Context, env bus.Envelope) error {
	var payload bus.GameEndedPayload
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("%w: decode game_ended: %v", errs.ErrInternal, err)
	}
	result := models.DurableResult{
		Winner: payload.Winner,
		Reason: payload.Reason,
		Score:  payload.Score,
	}
	return p.completeGame(ctx, payload.GameID, result, payload.FinalPGN,
		time.UnixMilli(payload.EndedAt), payload.RatingChanges)
}

// applySyntheticEnd covers resignations and draw agreements whose
// game_ended was lost. It derives the result from the event itself and
// the stored document.
func (p *Pipeline) applySyntheticEnd(ctx context.Context, env bus.Envelope) error {
	var payload bus.DrawEventPayload
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("%w: decode %s: %v", errs.ErrInternal, env.EventType, err)
	}
	doc, err := p.games.ByGameID(ctx, payload.GameID)
	if err != nil {
		return err
	}
	if doc.Status == models.GameStatusCompleted {
		return nil
	}

	var result models.DurableResult
	if env.EventType == bus.EventPlayerResigned {
		winner := payload.Color.Opposite()
		result = models.DurableResult{
			Winner: winner,
			Reason: models.ReasonResignation,
			Score:  models.ScoreForWinner(winner),
		}
	} else {
		result = models.DurableResult{
			Reason: models.ReasonAgreement,
			Score:  models.ScoreForWinner(""),
		}
	}
	return p.completeGame(ctx, payload.GameID, result, doc.PGN,
		time.UnixMilli(env.Timestamp), doc.RatingChanges)
}

// completeGame finalizes the document and, when this call performed
// the transition, applies the pre-computed rating deltas exactly once.
func (p *Pipeline) completeGame(ctx context.Context, gameID string, result models.DurableResult, pgn string, endedAt time.Time, changes models.RatingChanges) error {
	first, err := p.games.Finalize(ctx, gameID, result, pgn, endedAt)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	doc, err := p.games.ByGameID(ctx, gameID)
	if err != nil {
		return err
	}
	for _, player := range doc.Players {
		snap, ok := changes[player.PlayerID]
		if !ok {
			p.logger.Warn("no rating snapshot for player",
				zap.String("gameId", gameID), zap.String("playerId", player.PlayerID))
			continue
		}

		var delta int
		var gres elo.GameResult
		switch {
		case result.Winner == "":
			delta, gres = snap.OnDraw, elo.Draw
		case result.Winner == player.Color:
			delta, gres = snap.OnWin, elo.Win
		default:
			delta, gres = snap.OnLoss, elo.Loss
		}

		newRating := player.PreRating + delta
		if newRating < elo.MinRating {
			newRating = elo.MinRating
		}
		if err := p.profiles.ApplyResult(ctx, player.PlayerID, doc.Variant, newRating, gres); err != nil {
			return err
		}
		if err := p.games.SetPostRating(ctx, gameID, player.PlayerID, newRating); err != nil {
			return err
		}
		p.publishRating(ctx, gameID, player.PlayerID, doc.Variant, player.PreRating, newRating)
	}
	return nil
}

func (p *Pipeline) applyRatingUpdated(ctx context.Context, env bus.Envelope) error {
	var payload bus.RatingUpdatedPayload
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("%w: decode rating_updated: %v", errs.ErrInternal, err)
	}
	return p.games.SetPostRating(ctx, payload.GameID, payload.PlayerID, payload.NewRating)
}

func (p *Pipeline) publishRating(ctx context.Context, gameID, playerID string, variant models.Variant, oldRating, newRating int) {
	env, err := bus.NewEnvelope(p.nodeID, bus.EventRatingUpdated, gameID, bus.RatingUpdatedPayload{
		GameID:    gameID,
		PlayerID:  playerID,
		Variant:   variant,
		OldRating: oldRating,
		NewRating: newRating,
		Delta:     newRating - oldRating,
	})
	if err != nil {
		p.logger.Error("encode rating_updated", zap.Error(err))
		return
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		p.logger.Warn("rating_updated publish degraded", zap.Error(err))
	}
}
