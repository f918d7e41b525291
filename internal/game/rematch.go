package game

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chess-arena/internal/bus"
	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

// OfferRematch records a rematch offer on a finished game.
func (c *Core) OfferRematch(ctx context.Context, gameID, playerID string) (*models.LiveGame, error) {
	g, err := c.live.LoadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.GameOver {
		return nil, fmt.Errorf("%w: game %s still in progress", errs.ErrConflict, gameID)
	}
	if _, ok := g.PlayerByID(playerID); !ok {
		return nil, fmt.Errorf("%w: not a player of game %s", errs.ErrUnauthorized, gameID)
	}
	if g.Rematch.NextGameID != "" {
		return nil, fmt.Errorf("%w: rematch already started", errs.ErrConflict)
	}
	if g.Rematch.OfferedBy == playerID {
		return nil, fmt.Errorf("%w: rematch offer already pending", errs.ErrConflict)
	}
	if g.Rematch.OfferedBy != "" {
		// both sides want it; the second offer accepts
		return c.AcceptRematch(ctx, gameID, playerID)
	}

	g.Rematch.OfferedBy = playerID
	if err := c.live.SaveGame(ctx, g); err != nil {
		return nil, err
	}
	c.publish(ctx, bus.EventRematchOffered, gameID, bus.RematchEventPayload{
		GameID: gameID, PlayerID: playerID,
	})
	return g, nil
}

// AcceptRematch spins up the return game: colors swapped, clocks reset
// to the full time control, move history empty. The old game keeps a
// link to the new one.
func (c *Core) AcceptRematch(ctx context.Context, gameID, playerID string) (*models.LiveGame, error) {
	g, err := c.live.LoadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.GameOver {
		return nil, fmt.Errorf("%w: game %s still in progress", errs.ErrConflict, gameID)
	}
	if _, ok := g.PlayerByID(playerID); !ok {
		return nil, fmt.Errorf("%w: not a player of game %s", errs.ErrUnauthorized, gameID)
	}
	if g.Rematch.OfferedBy == "" || g.Rematch.OfferedBy == playerID {
		return nil, fmt.Errorf("%w: no rematch offer to accept", errs.ErrConflict)
	}
	if g.Rematch.NextGameID != "" {
		return nil, fmt.Errorf("%w: rematch already started", errs.ErrConflict)
	}

	oldWhite, _ := g.PlayerByColor(models.White)
	oldBlack, _ := g.PlayerByColor(models.Black)

	next, err := c.Create(ctx, CreateParams{
		GameType:  g.GameInfo.GameType,
		WhiteID:   oldBlack.PlayerID,
		BlackID:   oldWhite.PlayerID,
		RematchOf: gameID,
	})
	if err != nil {
		return nil, err
	}

	g.Rematch.NextGameID = next.GameID
	if err := c.live.SaveGame(ctx, g); err != nil {
		c.logger.Warn("failed to link rematch on old game", zap.String("gameId", gameID), zap.Error(err))
	}
	c.publish(ctx, bus.EventRematchAccepted, gameID, bus.RematchEventPayload{
		GameID: gameID, PlayerID: playerID, NextGameID: next.GameID,
	})
	return next, nil
}

// DeclineRematch clears a pending offer.
func (c *Core) DeclineRematch(ctx context.Context, gameID, playerID string) error {
	g, err := c.live.LoadGame(ctx, gameID)
	if err != nil {
		return err
	}
	if _, ok := g.PlayerByID(playerID); !ok {
		return fmt.Errorf("%w: not a player of game %s", errs.ErrUnauthorized, gameID)
	}
	if g.Rematch.OfferedBy == "" || g.Rematch.OfferedBy == playerID {
		return fmt.Errorf("%w: no rematch offer to decline", errs.ErrConflict)
	}

	g.Rematch.OfferedBy = ""
	if err := c.live.SaveGame(ctx, g); err != nil {
		return err
	}
	c.publish(ctx, bus.EventRematchDeclined, gameID, bus.RematchEventPayload{
		GameID: gameID, PlayerID: playerID,
	})
	return nil
}
