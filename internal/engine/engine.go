// Package engine defines the chess-rules interface the core consumes and
// an adapter backed by github.com/notnil/chess. The engine is pure: no
// I/O, deterministic, and every operation works on an explicit State.
package engine

import (
	"strconv"
	"strings"

	"chess-arena/internal/models"
)

// State is an opaque game position owned by a specific Engine
// implementation.
type State interface {
	// FEN returns the current position encoding.
	FEN() string
}

// MoveDetail describes an accepted move.
type MoveDetail struct {
	SAN       string `json:"san"`
	From      string `json:"from"`
	To        string `json:"to"`
	Piece     string `json:"piece"`
	Captured  bool   `json:"captured,omitempty"`
	Promotion string `json:"promotion,omitempty"`
}

// MoveResult is the outcome of a legal move.
type MoveResult struct {
	Move   MoveDetail
	NewFEN string
	NewPGN string
	Check  bool // the move gives check
}

// Terminal classifies an end-of-game position.
type Terminal struct {
	Over    bool
	Reason  models.EndReason
	Winner  models.PlayerColor // empty for draws
	InCheck bool
}

// Engine is the move-legality oracle. Implementations must be safe for
// concurrent use across distinct States; a single State is not.
type Engine interface {
	// LoadFEN parses a position. Malformed input returns an error.
	LoadFEN(fen string) (State, error)
	// Replay loads initialFEN and applies the SAN moves in order.
	Replay(initialFEN string, sans []string) (State, error)
	// ApplyMove applies a SAN move, mutating the state. Illegal or
	// unparseable moves leave the state untouched and return an error.
	ApplyMove(s State, san string) (MoveResult, error)
	// Turn reports the side to move.
	Turn(s State) models.PlayerColor
	// LegalMoves lists every legal move in SAN.
	LegalMoves(s State) []string
	// Terminal classifies the position: checkmate, stalemate, threefold,
	// insufficient material or the fifty-move rule.
	Terminal(s State) Terminal
}

// FormatPGN renders a SAN move list as canonical movetext, e.g.
// "1. e4 e5 2. Nf3". Replaying a game's moves must reproduce its
// stored PGN exactly, so every writer goes through this one function.
func FormatPGN(sans []string) string {
	var sb strings.Builder
	for i, san := range sans {
		if i%2 == 0 {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.Itoa(i/2 + 1))
			sb.WriteString(". ")
		} else {
			sb.WriteByte(' ')
		}
		sb.WriteString(san)
	}
	return sb.String()
}
