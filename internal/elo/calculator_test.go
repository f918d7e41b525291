package elo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chess-arena/internal/models"
)

func TestKFactorTiers(t *testing.T) {
	c := NewCalculator()
	tests := []struct {
		name        string
		rating      int
		gamesPlayed int
		want        int
	}{
		{name: "provisional", rating: 1500, gamesPlayed: 0, want: KFactorProvisional},
		{name: "provisional boundary", rating: 1500, gamesPlayed: 29, want: KFactorProvisional},
		{name: "established", rating: 1500, gamesPlayed: 30, want: KFactorStandard},
		{name: "expert boundary", rating: 2100, gamesPlayed: 100, want: KFactorExpert},
		{name: "just below expert", rating: 2099, gamesPlayed: 100, want: KFactorStandard},
		{name: "master boundary", rating: 2400, gamesPlayed: 100, want: KFactorMaster},
		{name: "just below master", rating: 2399, gamesPlayed: 100, want: KFactorExpert},
		{name: "provisional master still provisional", rating: 2500, gamesPlayed: 5, want: KFactorProvisional},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.kFactor(tt.rating, tt.gamesPlayed))
		})
	}
}

func TestRatingChangeEqualOpponents(t *testing.T) {
	c := NewCalculator()

	// Equal ratings: a win is worth K/2, a draw nothing.
	assert.Equal(t, 16, c.RatingChange(1500, 1500, Win, 100))
	assert.Equal(t, -16, c.RatingChange(1500, 1500, Loss, 100))
	assert.Equal(t, 0, c.RatingChange(1500, 1500, Draw, 100))
}

func TestRatingChangeZeroSumWithinRounding(t *testing.T) {
	c := NewCalculator()
	pairs := [][2]int{{1200, 1240}, {1500, 1900}, {2200, 2150}, {800, 2400}}
	for _, p := range pairs {
		dW := c.RatingChange(p[0], p[1], Win, 100)
		dL := c.RatingChange(p[1], p[0], Loss, 100)
		assert.InDelta(t, 0, dW+dL, 1, "ratings %d vs %d", p[0], p[1])
	}
}

func TestRatingChangeClampedToK(t *testing.T) {
	c := NewCalculator()

	// Huge upset: a 400-rated player beats a 2800-rated one.
	delta := c.RatingChange(400, 2800, Win, 100)
	assert.LessOrEqual(t, delta, KFactorStandard)
	assert.Equal(t, KFactorStandard, delta)
}

func TestNewRatingFloor(t *testing.T) {
	c := NewCalculator()

	got := c.NewRating(105, 1500, Loss, 5)
	assert.Equal(t, MinRating, got)
}

func TestSnapshot(t *testing.T) {
	c := NewCalculator()

	s := c.Snapshot(1200, 1240, 10)
	assert.True(t, s.IsProvisional)
	assert.Positive(t, s.OnWin)
	assert.Negative(t, s.OnLoss)

	s = c.Snapshot(1200, 1240, models.ProvisionalGames)
	assert.False(t, s.IsProvisional)
}

func TestResultsForWinner(t *testing.T) {
	w, b := ResultsForWinner(models.White)
	assert.Equal(t, Win, w)
	assert.Equal(t, Loss, b)

	w, b = ResultsForWinner(models.Black)
	assert.Equal(t, Loss, w)
	assert.Equal(t, Win, b)

	w, b = ResultsForWinner("")
	assert.Equal(t, Draw, w)
	assert.Equal(t, Draw, b)
}
