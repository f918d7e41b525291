package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chess-arena/internal/bus"
	"chess-arena/internal/engine"
	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

// timeUpTolerance mirrors the clock scanner: a server-side remaining
// time within this window counts as flagged.
const timeUpTolerance = 100 * time.Millisecond

// MoveOutcome is what a successful ApplyMove hands back to the
// transport layer.
type MoveOutcome struct {
	Game     *models.LiveGame
	Move     engine.MoveDetail
	Check    bool
	GameOver bool
}

// ApplyMove validates and applies one move for playerID. The sequence
// is fixed: load, finalization check, turn check, rules check, clock
// charge, persist, announce. Any failure before persist leaves the
// game untouched.
func (c *Core) ApplyMove(ctx context.Context, gameID, playerID, san string) (*MoveOutcome, error) {
	g, err := c.live.LoadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.GameOver {
		return nil, fmt.Errorf("%w: game %s", errs.ErrFinalized, gameID)
	}
	player, ok := g.PlayerByID(playerID)
	if !ok {
		return nil, fmt.Errorf("%w: not a player of game %s", errs.ErrUnauthorized, gameID)
	}
	if player.Color != g.Turn {
		return nil, fmt.Errorf("%w: it is %s to move", errs.ErrNotYourTurn, g.Turn)
	}

	state, err := c.eng.Replay(g.InitialFEN, sans(g.Moves))
	if err != nil {
		return nil, fmt.Errorf("%w: replay game %s: %v", errs.ErrInternal, gameID, err)
	}

	now := time.Now()
	elapsed := now.UnixMilli() - g.LastMoveAt
	remaining := g.TimeLeftMs.For(player.Color) - elapsed
	if remaining <= 0 {
		// the flag fell before this move arrived
		if _, ferr := c.finalize(ctx, g, player.Color.Opposite(), models.ReasonTimeout, now.UnixMilli()); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("%w: out of time", errs.ErrFinalized)
	}

	res, err := c.eng.ApplyMove(state, san)
	if err != nil {
		return nil, err
	}

	g.TimeLeftMs.Set(player.Color, remaining+g.GameInfo.TimeControl.IncrementMs())
	g.Moves = append(g.Moves, models.LiveMove{
		SAN:       res.Move.SAN,
		From:      res.Move.From,
		To:        res.Move.To,
		Timestamp: now.UnixMilli(),
	})
	g.PGN = res.NewPGN
	g.FEN = res.NewFEN
	g.Turn = player.Color.Opposite()
	g.LastMoveAt = now.UnixMilli()

	if err := c.saveWithRetry(ctx, g); err != nil {
		return nil, err
	}

	out := &MoveOutcome{Game: g, Move: res.Move, Check: res.Check}

	// A game-ending move is still a move: it goes out before game_ended
	// so the durable move list includes the final ply.
	term := c.eng.Terminal(state)
	c.publish(ctx, bus.EventMoveMade, gameID, bus.MoveMadePayload{
		GameID:     gameID,
		PlayerID:   playerID,
		SAN:        res.Move.SAN,
		From:       res.Move.From,
		To:         res.Move.To,
		FEN:        g.FEN,
		PGN:        g.PGN,
		MoveNumber: len(g.Moves),
		TimeLeftMs: g.TimeLeftMs,
		Turn:       g.Turn,
		Check:      res.Check,
		Variant:    g.GameInfo.Variant,
		Terminal:   term.Over,
	})

	if term.Over {
		if _, err := c.finalize(ctx, g, term.Winner, term.Reason, now.UnixMilli()); err != nil {
			return nil, err
		}
		out.GameOver = true
		return out, nil
	}

	c.clocks.Update(gameID, g.TimeLeftMs, g.Turn, now)
	return out, nil
}

// Resign ends the game in the opponent's favor.
func (c *Core) Resign(ctx context.Context, gameID, playerID string) (*models.LiveGame, error) {
	g, err := c.live.LoadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.GameOver {
		return nil, fmt.Errorf("%w: game %s", errs.ErrFinalized, gameID)
	}
	player, ok := g.PlayerByID(playerID)
	if !ok {
		return nil, fmt.Errorf("%w: not a player of game %s", errs.ErrUnauthorized, gameID)
	}

	// The event fires only once the finalize flip is won; a resign
	// racing a timeout or checkmate must not leak player_resigned for
	// a game that ended another way.
	out, err := c.finalize(ctx, g, player.Color.Opposite(), models.ReasonResignation, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	c.publish(ctx, bus.EventPlayerResigned, gameID, bus.DrawEventPayload{
		GameID: gameID, PlayerID: playerID, Color: player.Color,
	})
	return out, nil
}

// TimeoutForfeit ends the game against the flagged side. The live
// record is the authority: the forfeit only proceeds if the stored
// clock agrees the flag fell, so a stale scanner or a spoofed client
// report cannot end a game that still has time on it.
func (c *Core) TimeoutForfeit(ctx context.Context, gameID string, flagged models.PlayerColor) (*models.LiveGame, error) {
	g, err := c.live.LoadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.GameOver {
		return nil, fmt.Errorf("%w: game %s", errs.ErrFinalized, gameID)
	}
	if g.Turn != flagged {
		return nil, fmt.Errorf("%w: %s is not on move", errs.ErrConflict, flagged)
	}

	now := time.Now()
	elapsed := now.UnixMilli() - g.LastMoveAt
	remaining := g.TimeLeftMs.For(flagged) - elapsed
	if remaining > timeUpTolerance.Milliseconds() {
		return nil, fmt.Errorf("%w: %s has %dms left", errs.ErrConflict, flagged, remaining)
	}

	g.TimeLeftMs.Set(flagged, 0)
	if err := c.live.SaveGame(ctx, g); err != nil {
		return nil, err
	}
	return c.finalize(ctx, g, flagged.Opposite(), models.ReasonTimeout, now.UnixMilli())
}

// finalize runs the atomic end-of-game transition. Exactly one caller
// cluster-wide wins the flip and publishes game_ended; every other
// concurrent path observes ErrFinalized.
func (c *Core) finalize(ctx context.Context, g *models.LiveGame, winner models.PlayerColor, reason models.EndReason, endedAt int64) (*models.LiveGame, error) {
	score := models.ScoreForWinner(winner)
	won, err := c.live.FinalizeGame(ctx, g.GameID, winner, score, reason, endedAt)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("%w: game %s", errs.ErrFinalized, g.GameID)
	}

	g.GameOver = true
	g.Winner = winner
	g.Result = score
	g.EndReason = reason
	g.EndedAt = endedAt

	c.clocks.Remove(g.GameID)
	c.publish(ctx, bus.EventGameEnded, g.GameID, bus.GameEndedPayload{
		GameID:        g.GameID,
		Winner:        winner,
		Reason:        reason,
		Score:         score,
		FinalFEN:      g.FEN,
		FinalPGN:      g.PGN,
		RatingChanges: g.RatingChanges,
		EndedAt:       endedAt,
	})

	c.logger.Info("game finalized",
		zap.String("gameId", g.GameID),
		zap.String("winner", string(winner)),
		zap.String("reason", string(reason)))
	return g, nil
}

// saveWithRetry retries one transient store failure before giving up.
// The client may re-submit the move; the replay check makes a
// duplicate arrival harmless.
func (c *Core) saveWithRetry(ctx context.Context, g *models.LiveGame) error {
	err := c.live.SaveGame(ctx, g)
	if err == nil || !errors.Is(err, errs.ErrStoreUnavailable) {
		return err
	}

	c.logger.Warn("store write failed, retrying",
		zap.String("gameId", g.GameID), zap.Error(err))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	if err := c.live.SaveGame(ctx, g); err != nil {
		return fmt.Errorf("%w: save game %s: %v", errs.ErrInternal, g.GameID, err)
	}
	return nil
}

func sans(moves []models.LiveMove) []string {
	out := make([]string, len(moves))
	for i, m := range moves {
		out[i] = m.SAN
	}
	return out
}
