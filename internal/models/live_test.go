package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGame() *LiveGame {
	return &LiveGame{
		GameID: "g1",
		Players: []LivePlayer{
			{PlayerID: "alice", Color: White, Rating: 1500},
			{PlayerID: "bob", Color: Black, Rating: 1450},
		},
		TimeLeftMs: TimeLeft{White: 600000, Black: 598500},
		GameInfo: GameInfo{
			Variant:     VariantRapid,
			GameType:    GameType("RAPID_10_0"),
			TimeControl: TimeControl{TimeSec: 600},
		},
		InitialFEN: InitialFEN,
		Moves: []LiveMove{
			{SAN: "e4", From: "e2", To: "e4", Timestamp: 1000},
			{SAN: "e5", From: "e7", To: "e5", Timestamp: 2500},
		},
		PGN:        "1. e4 e5",
		FEN:        "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq - 0 2",
		Turn:       White,
		StartedAt:  500,
		LastMoveAt: 2500,
		RatingChanges: RatingChanges{
			"alice": {OnWin: 14, OnLoss: -18, OnDraw: -2},
			"bob":   {OnWin: 18, OnLoss: -14, OnDraw: 2},
		},
		Draw: DrawState{WhiteOffers: 1, PendingFrom: White},
	}
}

func TestHashCodecRoundTrip(t *testing.T) {
	g := sampleGame()

	h, err := g.EncodeHash()
	require.NoError(t, err)
	got, err := DecodeLiveGame(h)
	require.NoError(t, err)

	assert.Equal(t, g, got)
}

func TestHashCodecScalarFieldsArePlain(t *testing.T) {
	g := sampleGame()
	h, err := g.EncodeHash()
	require.NoError(t, err)

	// the finalize script reads and flips these without JSON decoding
	assert.Equal(t, "false", h["gameOver"])
	assert.Equal(t, "white", h["turn"])
	assert.Equal(t, "2500", h["lastMoveAt"])
}

func TestDecodeRejectsBadHashes(t *testing.T) {
	_, err := DecodeLiveGame(nil)
	assert.Error(t, err)

	// a partial write must not decode into a playable game
	_, err = DecodeLiveGame(map[string]string{"gameId": "g1"})
	assert.Error(t, err)
}

func TestPlayerLookups(t *testing.T) {
	g := sampleGame()

	p, ok := g.PlayerByID("alice")
	require.True(t, ok)
	assert.Equal(t, White, p.Color)

	opp, ok := g.Opponent("alice")
	require.True(t, ok)
	assert.Equal(t, "bob", opp.PlayerID)

	_, ok = g.PlayerByID("mallory")
	assert.False(t, ok)
	_, ok = g.Opponent("mallory")
	assert.False(t, ok)

	w, ok := g.PlayerByColor(White)
	require.True(t, ok)
	assert.Equal(t, "alice", w.PlayerID)
}

func TestTimeLeftAccessors(t *testing.T) {
	tl := TimeLeft{White: 1000, Black: 2000}
	assert.Equal(t, int64(1000), tl.For(White))
	assert.Equal(t, int64(2000), tl.For(Black))

	tl.Set(Black, 1500)
	assert.Equal(t, int64(1500), tl.Black)
	assert.Equal(t, int64(1000), tl.White)
}

func TestScoreBijection(t *testing.T) {
	cases := []struct {
		winner    PlayerColor
		score     Score
		hasWinner bool
	}{
		{White, ScoreWhiteWins, true},
		{Black, ScoreBlackWins, true},
		{"", ScoreDraw, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.score, ScoreForWinner(tc.winner))
		w, ok := WinnerForScore(tc.score)
		assert.Equal(t, tc.hasWinner, ok)
		assert.Equal(t, tc.winner, w)
	}

	_, ok := WinnerForScore(Score("2-0"))
	assert.False(t, ok)
}

func TestGameTypeRoundTrip(t *testing.T) {
	gt := MakeGameType(VariantBlitz, TimeControl{TimeSec: 300, IncrementSec: 2})
	assert.Equal(t, GameType("BLITZ_5_2"), gt)

	v, tc, err := ParseGameType(gt)
	require.NoError(t, err)
	assert.Equal(t, VariantBlitz, v)
	assert.Equal(t, TimeControl{TimeSec: 300, IncrementSec: 2}, tc)

	_, _, err = ParseGameType(GameType("CHESS960_5_2"))
	assert.Error(t, err)
	_, _, err = ParseGameType(GameType("RAPID_10"))
	assert.Error(t, err)
}
