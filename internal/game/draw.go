package game

import (
	"context"
	"fmt"
	"time"

	"chess-arena/internal/bus"
	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

// OfferDraw registers a draw offer. Each side gets a fixed number of
// offers per game; an offer while one is already pending from the
// opponent is treated as acceptance.
func (c *Core) OfferDraw(ctx context.Context, gameID, playerID string) (*models.LiveGame, error) {
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

	if g.Draw.PendingFrom == player.Color.Opposite() {
		return c.AcceptDraw(ctx, gameID, playerID)
	}
	if g.Draw.PendingFrom == player.Color {
		return nil, fmt.Errorf("%w: draw offer already pending", errs.ErrConflict)
	}

	offers := &g.Draw.WhiteOffers
	if player.Color == models.Black {
		offers = &g.Draw.BlackOffers
	}
	if *offers >= models.MaxDrawOffers {
		return nil, fmt.Errorf("%w: draw offer limit reached", errs.ErrConflict)
	}
	*offers++
	g.Draw.PendingFrom = player.Color

	if err := c.live.SaveGame(ctx, g); err != nil {
		return nil, err
	}
	c.publish(ctx, bus.EventDrawOffered, gameID, bus.DrawEventPayload{
		GameID: gameID, PlayerID: playerID, Color: player.Color,
	})
	return g, nil
}

// AcceptDraw ends the game by agreement. Only the side the offer was
// made to may accept.
func (c *Core) AcceptDraw(ctx context.Context, gameID, playerID string) (*models.LiveGame, error) {
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
	if g.Draw.PendingFrom != player.Color.Opposite() {
		return nil, fmt.Errorf("%w: no draw offer pending", errs.ErrConflict)
	}

	// Announce the acceptance only after winning the finalize flip; if
	// the game was concurrently ended another way the event would
	// complete the durable record with a draw it never had.
	out, err := c.finalize(ctx, g, "", models.ReasonAgreement, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	c.publish(ctx, bus.EventDrawAccepted, gameID, bus.DrawEventPayload{
		GameID: gameID, PlayerID: playerID, Color: player.Color,
	})
	return out, nil
}

// DeclineDraw clears a pending offer; the spent offer stays counted.
func (c *Core) DeclineDraw(ctx context.Context, gameID, playerID string) (*models.LiveGame, error) {
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
	if g.Draw.PendingFrom != player.Color.Opposite() {
		return nil, fmt.Errorf("%w: no draw offer pending", errs.ErrConflict)
	}

	g.Draw.PendingFrom = ""
	if err := c.live.SaveGame(ctx, g); err != nil {
		return nil, err
	}
	c.publish(ctx, bus.EventDrawDeclined, gameID, bus.DrawEventPayload{
		GameID: gameID, PlayerID: playerID, Color: player.Color,
	})
	return g, nil
}
