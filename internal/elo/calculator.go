package elo

import (
	"math"

	"chess-arena/internal/models"
)

type GameResult int

const (
	Loss GameResult = 0
	Draw GameResult = 1
	Win  GameResult = 2
)

const (
	// K-factor tiers
	KFactorProvisional = 40 // fewer than 30 rated games
	KFactorMaster      = 10 // rating >= 2400
	KFactorExpert      = 16 // rating >= 2100
	KFactorStandard    = 32

	MasterThreshold = 2400
	ExpertThreshold = 2100

	// MinRating is the rating floor; no result drops a player below it.
	MinRating = 100
)

type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// RatingChange returns the signed delta for a player. The delta is
// clamped to ±K so a single game never moves a rating by more than
// one full K-factor.
func (c *Calculator) RatingChange(playerRating, opponentRating int, result GameResult, gamesPlayed int) int {
	k := c.kFactor(playerRating, gamesPlayed)
	expected := c.expectedScore(playerRating, opponentRating)

	var actual float64
	switch result {
	case Win:
		actual = 1.0
	case Draw:
		actual = 0.5
	case Loss:
		actual = 0.0
	}

	delta := int(math.Round(float64(k) * (actual - expected)))
	if delta > k {
		delta = k
	}
	if delta < -k {
		delta = -k
	}
	return delta
}

// NewRating applies RatingChange and enforces the floor.
func (c *Calculator) NewRating(playerRating, opponentRating int, result GameResult, gamesPlayed int) int {
	newRating := playerRating + c.RatingChange(playerRating, opponentRating, result, gamesPlayed)
	if newRating < MinRating {
		newRating = MinRating
	}
	return newRating
}

// Snapshot pre-computes the deltas a player would see per outcome,
// stored on the game at creation for client display.
func (c *Calculator) Snapshot(playerRating, opponentRating, gamesPlayed int) models.RatingChange {
	return models.RatingChange{
		OnWin:         c.RatingChange(playerRating, opponentRating, Win, gamesPlayed),
		OnLoss:        c.RatingChange(playerRating, opponentRating, Loss, gamesPlayed),
		OnDraw:        c.RatingChange(playerRating, opponentRating, Draw, gamesPlayed),
		IsProvisional: gamesPlayed < models.ProvisionalGames,
	}
}

// expectedScore is the classic Elo expectation:
// E = 1 / (1 + 10^((opponent - player) / 400))
func (c *Calculator) expectedScore(playerRating, opponentRating int) float64 {
	exponent := float64(opponentRating-playerRating) / 400.0
	return 1.0 / (1.0 + math.Pow(10, exponent))
}

func (c *Calculator) kFactor(rating, gamesPlayed int) int {
	switch {
	case gamesPlayed < models.ProvisionalGames:
		return KFactorProvisional
	case rating >= MasterThreshold:
		return KFactorMaster
	case rating >= ExpertThreshold:
		return KFactorExpert
	default:
		return KFactorStandard
	}
}

// ResultsForWinner converts a winner color (empty for a draw) into the
// result seen by each side. Returns (whiteResult, blackResult).
func ResultsForWinner(winner models.PlayerColor) (GameResult, GameResult) {
	switch winner {
	case models.White:
		return Win, Loss
	case models.Black:
		return Loss, Win
	default:
		return Draw, Draw
	}
}
