package handlers

import (
	"encoding/json"

	"chess-arena/internal/models"
)

// Client -> server tags.
const (
	MsgSearchMatch     = "search_match"
	MsgCancelSearch    = "cancel_search"
	MsgGetSearchStatus = "get_search_status"
	MsgStartGame       = "start_game"
	MsgRejoin          = "rejoin"
	MsgMove            = "move"
	MsgResign          = "resign"
	MsgOfferDraw       = "offer_draw"
	MsgAcceptDraw      = "accept_draw"
	MsgDeclineDraw     = "decline_draw"
	MsgOfferRematch    = "offer_rematch"
	MsgAcceptRematch   = "accept_rematch"
	MsgDeclineRematch  = "decline_rematch"
	MsgTimeUp          = "time_up"
	MsgRequestTimeSync = "request_time_sync"
)

// Server -> client tags.
const (
	PushMatchFound           = "match_found"
	PushSearchStatus         = "search_status"
	PushMove                 = "move"
	PushGameOver             = "game_over"
	PushDrawOffered          = "offer_draw"
	PushDrawDeclined         = "decline_draw"
	PushRematchOffered       = "offer_rematch"
	PushRematchAccepted      = "accept_rematch"
	PushRematchDeclined      = "decline_rematch"
	PushTimeUpdate           = "time_update"
	PushOpponentReconnecting = "opponent_reconnecting"
	PushOpponentDisconnected = "opponent_disconnected"
)

// ClientMessage is the single inbound frame shape; payload fields are
// populated per tag.
type ClientMessage struct {
	Type        string              `json:"type"`
	GameType    models.GameType     `json:"gameType,omitempty"`
	Variant     models.Variant      `json:"variant,omitempty"`
	TimeControl *models.TimeControl `json:"timeControl,omitempty"`
	GameID      string              `json:"gameId,omitempty"`
	Move        string              `json:"move,omitempty"`
	From        string              `json:"from,omitempty"`
	To          string              `json:"to,omitempty"`
	PlayerColor models.PlayerColor  `json:"playerColor,omitempty"`
}

// Response is the outbound envelope; every frame the client receives
// has this shape.
type Response struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(msgType string, data any) []byte {
	return encode(Response{Type: msgType, Success: true, Data: data})
}

func fail(msgType, message string) []byte {
	return encode(Response{Type: msgType, Success: false, Message: message})
}

func encode(r Response) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Response bodies are built from our own types; this cannot
		// fail outside of a programming error.
		return []byte(`{"type":"error","success":false,"message":"internal encoding error"}`)
	}
	return data
}

// GameView is the client-facing projection of a live game.
type GameView struct {
	GameID        string               `json:"gameId"`
	Players       []models.LivePlayer  `json:"players"`
	GameInfo      models.GameInfo      `json:"gameInfo"`
	TimeLeftMs    models.TimeLeft      `json:"timeLeftMs"`
	Moves         []models.LiveMove    `json:"moves"`
	PGN           string               `json:"pgn"`
	FEN           string               `json:"fen"`
	Turn          models.PlayerColor   `json:"turn"`
	GameOver      bool                 `json:"gameOver"`
	Winner        models.PlayerColor   `json:"winner,omitempty"`
	Result        models.Score         `json:"result,omitempty"`
	EndReason     models.EndReason     `json:"endReason,omitempty"`
	RatingChanges models.RatingChanges `json:"ratingChanges,omitempty"`
	DrawPending   models.PlayerColor   `json:"drawPendingFrom,omitempty"`
	RematchOffer  string               `json:"rematchOfferedBy,omitempty"`
	NextGameID    string               `json:"nextGameId,omitempty"`
}

func viewOf(g *models.LiveGame) GameView {
	return GameView{
		GameID:        g.GameID,
		Players:       g.Players,
		GameInfo:      g.GameInfo,
		TimeLeftMs:    g.TimeLeftMs,
		Moves:         g.Moves,
		PGN:           g.PGN,
		FEN:           g.FEN,
		Turn:          g.Turn,
		GameOver:      g.GameOver,
		Winner:        g.Winner,
		Result:        g.Result,
		EndReason:     g.EndReason,
		RatingChanges: g.RatingChanges,
		DrawPending:   g.Draw.PendingFrom,
		RematchOffer:  g.Rematch.OfferedBy,
		NextGameID:    g.Rematch.NextGameID,
	}
}

// TimeSync is the authoritative clock snapshot pushed on request and
// on scanner ticks.
type TimeSync struct {
	GameID      string             `json:"gameId"`
	WhiteMs     int64              `json:"whiteMs"`
	BlackMs     int64              `json:"blackMs"`
	CurrentTurn models.PlayerColor `json:"currentTurn"`
	Now         int64              `json:"now"`
}
