package engine

import (
	"fmt"

	"github.com/notnil/chess"

	"chess-arena/internal/errs"
	"chess-arena/internal/models"
)

// NotnilEngine adapts github.com/notnil/chess to the Engine interface.
type NotnilEngine struct{}

func NewNotnilEngine() *NotnilEngine {
	return &NotnilEngine{}
}

type notnilState struct {
	game      *chess.Game
	lastCheck bool // the most recent move gave check
}

func (s *notnilState) FEN() string {
	return s.game.Position().String()
}

func (e *NotnilEngine) LoadFEN(fen string) (State, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBadRequest, err)
	}
	return &notnilState{game: chess.NewGame(opt)}, nil
}

func (e *NotnilEngine) Replay(initialFEN string, sans []string) (State, error) {
	s, err := e.LoadFEN(initialFEN)
	if err != nil {
		return nil, err
	}
	for i, san := range sans {
		if _, err := e.ApplyMove(s, san); err != nil {
			return nil, fmt.Errorf("replay move %d (%s): %w", i+1, san, err)
		}
	}
	return s, nil
}

func (e *NotnilEngine) ApplyMove(s State, san string) (MoveResult, error) {
	st := s.(*notnilState)
	pos := st.game.Position()

	move, err := chess.AlgebraicNotation{}.Decode(pos, san)
	if err != nil {
		return MoveResult{}, fmt.Errorf("%w: %s", errs.ErrIllegalMove, san)
	}
	// Canonical SAN before the move lands; the stored notation must not
	// depend on how the client spelled it.
	canonical := chess.AlgebraicNotation{}.Encode(pos, move)
	piece := pos.Board().Piece(move.S1())

	if err := st.game.Move(move); err != nil {
		return MoveResult{}, fmt.Errorf("%w: %s", errs.ErrIllegalMove, san)
	}

	detail := MoveDetail{
		SAN:      canonical,
		From:     move.S1().String(),
		To:       move.S2().String(),
		Piece:    pieceLetter(piece.Type()),
		Captured: move.HasTag(chess.Capture) || move.HasTag(chess.EnPassant),
	}
	if move.Promo() != chess.NoPieceType {
		detail.Promotion = pieceLetter(move.Promo())
	}
	st.lastCheck = move.HasTag(chess.Check)

	sans := make([]string, 0, len(st.game.Moves()))
	positions := st.game.Positions()
	for i, m := range st.game.Moves() {
		sans = append(sans, chess.AlgebraicNotation{}.Encode(positions[i], m))
	}

	return MoveResult{
		Move:   detail,
		NewFEN: st.game.Position().String(),
		NewPGN: FormatPGN(sans),
		Check:  st.lastCheck,
	}, nil
}

func (e *NotnilEngine) Turn(s State) models.PlayerColor {
	if s.(*notnilState).game.Position().Turn() == chess.White {
		return models.White
	}
	return models.Black
}

func (e *NotnilEngine) LegalMoves(s State) []string {
	st := s.(*notnilState)
	pos := st.game.Position()
	valid := st.game.ValidMoves()
	sans := make([]string, 0, len(valid))
	for _, m := range valid {
		sans = append(sans, chess.AlgebraicNotation{}.Encode(pos, m))
	}
	return sans
}

func (e *NotnilEngine) Terminal(s State) Terminal {
	st := s.(*notnilState)

	switch st.game.Method() {
	case chess.Checkmate:
		winner := models.Black
		if st.game.Outcome() == chess.WhiteWon {
			winner = models.White
		}
		return Terminal{Over: true, Reason: models.ReasonCheckmate, Winner: winner, InCheck: true}
	case chess.Stalemate:
		return Terminal{Over: true, Reason: models.ReasonStalemate}
	case chess.FivefoldRepetition:
		return Terminal{Over: true, Reason: models.ReasonThreefold, InCheck: st.lastCheck}
	case chess.SeventyFiveMoveRule:
		return Terminal{Over: true, Reason: models.ReasonFiftyMove, InCheck: st.lastCheck}
	case chess.InsufficientMaterial:
		return Terminal{Over: true, Reason: models.ReasonInsufficientMaterial}
	}

	// Threefold repetition and the fifty-move rule end the game here
	// rather than waiting for a claim; the arbiter is the server.
	for _, m := range st.game.EligibleDraws() {
		switch m {
		case chess.ThreefoldRepetition:
			return Terminal{Reason: models.ReasonThreefold, Over: true, InCheck: st.lastCheck}
		case chess.FiftyMoveRule:
			return Terminal{Reason: models.ReasonFiftyMove, Over: true, InCheck: st.lastCheck}
		}
	}

	return Terminal{InCheck: st.lastCheck}
}

func pieceLetter(t chess.PieceType) string {
	switch t {
	case chess.King:
		return "K"
	case chess.Queen:
		return "Q"
	case chess.Rook:
		return "R"
	case chess.Bishop:
		return "B"
	case chess.Knight:
		return "N"
	default:
		return "P"
	}
}
