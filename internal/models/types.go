package models

import (
	"fmt"
	"strings"
)

type PlayerColor string

const (
	White PlayerColor = "white"
	Black PlayerColor = "black"
)

// Opposite returns the other color.
func (c PlayerColor) Opposite() PlayerColor {
	if c == White {
		return Black
	}
	return White
}

func (c PlayerColor) Valid() bool {
	return c == White || c == Black
}

// Variant selects the rating bucket a game counts toward.
type Variant string

const (
	VariantRapid  Variant = "RAPID"
	VariantBlitz  Variant = "BLITZ"
	VariantBullet Variant = "BULLET"
)

var AllVariants = []Variant{VariantRapid, VariantBlitz, VariantBullet}

func (v Variant) Valid() bool {
	switch v {
	case VariantRapid, VariantBlitz, VariantBullet:
		return true
	}
	return false
}

// TimeControl is a base time plus a per-move increment, both in seconds.
type TimeControl struct {
	TimeSec      int `json:"time" bson:"time"`
	IncrementSec int `json:"increment" bson:"increment"`
}

func (tc TimeControl) BaseMs() int64 {
	return int64(tc.TimeSec) * 1000
}

func (tc TimeControl) IncrementMs() int64 {
	return int64(tc.IncrementSec) * 1000
}

// GameType is a specific time control within a variant, e.g. RAPID_10_0
// for 10 minutes with no increment. It keys the matchmaking queues.
type GameType string

func MakeGameType(v Variant, tc TimeControl) GameType {
	return GameType(fmt.Sprintf("%s_%d_%d", v, tc.TimeSec/60, tc.IncrementSec))
}

// ParseGameType splits a game-type key back into variant and time control.
func ParseGameType(gt GameType) (Variant, TimeControl, error) {
	parts := strings.Split(string(gt), "_")
	if len(parts) != 3 {
		return "", TimeControl{}, fmt.Errorf("malformed game type %q", gt)
	}
	v := Variant(parts[0])
	if !v.Valid() {
		return "", TimeControl{}, fmt.Errorf("unknown variant in game type %q", gt)
	}
	var mins, inc int
	if _, err := fmt.Sscanf(parts[1], "%d", &mins); err != nil {
		return "", TimeControl{}, fmt.Errorf("malformed game type %q", gt)
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &inc); err != nil {
		return "", TimeControl{}, fmt.Errorf("malformed game type %q", gt)
	}
	return v, TimeControl{TimeSec: mins * 60, IncrementSec: inc}, nil
}

// EndReason classifies how a game ended.
type EndReason string

const (
	ReasonCheckmate            EndReason = "checkmate"
	ReasonResignation          EndReason = "resignation"
	ReasonTimeout              EndReason = "timeout"
	ReasonStalemate            EndReason = "stalemate"
	ReasonAgreement            EndReason = "agreement"
	ReasonThreefold            EndReason = "threefold"
	ReasonInsufficientMaterial EndReason = "insufficient_material"
	ReasonFiftyMove            EndReason = "fifty_move"
)

// Score encodes the result from white's perspective: "1-0", "0-1" or "1/2-1/2".
type Score string

const (
	ScoreWhiteWins Score = "1-0"
	ScoreBlackWins Score = "0-1"
	ScoreDraw      Score = "1/2-1/2"
)

// ScoreForWinner maps a winner color (empty for draws) to a score string.
func ScoreForWinner(winner PlayerColor) Score {
	switch winner {
	case White:
		return ScoreWhiteWins
	case Black:
		return ScoreBlackWins
	default:
		return ScoreDraw
	}
}

// WinnerForScore is the inverse of ScoreForWinner. The second return is
// false when the score is a draw (no winner).
func WinnerForScore(s Score) (PlayerColor, bool) {
	switch s {
	case ScoreWhiteWins:
		return White, true
	case ScoreBlackWins:
		return Black, true
	default:
		return "", false
	}
}

// InitialFEN is the standard chess starting position.
const InitialFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
