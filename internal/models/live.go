package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// LivePlayer is a player's slice of a live game.
type LivePlayer struct {
	PlayerID string      `json:"playerId"`
	Color    PlayerColor `json:"color"`
	Rating   int         `json:"rating"`
}

// GameInfo groups the static parameters of a game.
type GameInfo struct {
	Variant     Variant     `json:"variant"`
	GameType    GameType    `json:"type"`
	TimeControl TimeControl `json:"timeControl"`
}

// LiveMove is one accepted move in a live game.
type LiveMove struct {
	SAN       string `json:"san"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timeStamp"` // unix ms when the move landed
}

// TimeLeft holds remaining clock time per color, in milliseconds.
type TimeLeft struct {
	White int64 `json:"white"`
	Black int64 `json:"black"`
}

func (t TimeLeft) For(c PlayerColor) int64 {
	if c == White {
		return t.White
	}
	return t.Black
}

func (t *TimeLeft) Set(c PlayerColor, ms int64) {
	if c == White {
		t.White = ms
	} else {
		t.Black = ms
	}
}

// RatingChange is the pre-computed delta one player would see per outcome.
type RatingChange struct {
	OnWin         int  `json:"onWin"`
	OnLoss        int  `json:"onLoss"`
	OnDraw        int  `json:"onDraw"`
	IsProvisional bool `json:"isProvisional"`
}

// RatingChanges maps playerId to their pre-game snapshot.
type RatingChanges map[string]RatingChange

// DrawState tracks the draw-offer protocol for a live game.
type DrawState struct {
	WhiteOffers int         `json:"whiteOffers"`
	BlackOffers int         `json:"blackOffers"`
	PendingFrom PlayerColor `json:"pendingFrom,omitempty"`
}

// MaxDrawOffers caps how often one side may offer a draw in a game.
const MaxDrawOffers = 3

// RematchState tracks a pending rematch offer on a finished game.
type RematchState struct {
	OfferedBy    string `json:"offeredBy,omitempty"` // playerId
	NextGameID   string `json:"nextGameId,omitempty"`
	PrevGameID   string `json:"prevGameId,omitempty"`
}

// LiveGame is the sole authoritative record of a game in flight. It lives
// in the LiveStore as a hash keyed game:<gameId>, nested values JSON-encoded.
type LiveGame struct {
	GameID        string        `json:"gameId"`
	Players       []LivePlayer  `json:"players"` // always length 2
	TimeLeftMs    TimeLeft      `json:"timeLeftMs"`
	GameInfo      GameInfo      `json:"gameInfo"`
	InitialFEN    string        `json:"initialFEN"`
	Moves         []LiveMove    `json:"moves"`
	PGN           string        `json:"pgn"`
	FEN           string        `json:"fen"` // position after the last move
	Turn          PlayerColor   `json:"turn"`
	StartedAt     int64         `json:"startedAt"`  // unix ms
	LastMoveAt    int64         `json:"lastMoveAt"` // unix ms
	GameOver      bool          `json:"gameOver"`
	Winner        PlayerColor   `json:"winner,omitempty"` // empty on draw or while live
	Result        Score         `json:"result,omitempty"`
	EndReason     EndReason     `json:"endReason,omitempty"`
	EndedAt       int64         `json:"endedAt,omitempty"`
	RatingChanges RatingChanges `json:"ratingChanges,omitempty"`
	Draw          DrawState     `json:"draw"`
	Rematch       RematchState  `json:"rematch"`
}

// PlayerByID returns the live player entry for the given id.
func (g *LiveGame) PlayerByID(playerID string) (LivePlayer, bool) {
	for _, p := range g.Players {
		if p.PlayerID == playerID {
			return p, true
		}
	}
	return LivePlayer{}, false
}

// PlayerByColor returns the live player entry holding the given color.
func (g *LiveGame) PlayerByColor(c PlayerColor) (LivePlayer, bool) {
	for _, p := range g.Players {
		if p.Color == c {
			return p, true
		}
	}
	return LivePlayer{}, false
}

// Opponent returns the other player's entry.
func (g *LiveGame) Opponent(playerID string) (LivePlayer, bool) {
	for _, p := range g.Players {
		if p.PlayerID != playerID {
			return p, true
		}
	}
	return LivePlayer{}, false
}

// EncodeHash flattens the game into LiveStore hash fields. Nested
// structures become JSON values; scalars stay plain strings so the
// finalization guard can flip gameOver without re-marshalling.
func (g *LiveGame) EncodeHash() (map[string]string, error) {
	h := map[string]string{
		"gameId":     g.GameID,
		"initialFEN": g.InitialFEN,
		"pgn":        g.PGN,
		"fen":        g.FEN,
		"turn":       string(g.Turn),
		"startedAt":  strconv.FormatInt(g.StartedAt, 10),
		"lastMoveAt": strconv.FormatInt(g.LastMoveAt, 10),
		"gameOver":   strconv.FormatBool(g.GameOver),
		"winner":     string(g.Winner),
		"result":     string(g.Result),
		"endReason":  string(g.EndReason),
		"endedAt":    strconv.FormatInt(g.EndedAt, 10),
	}
	for field, v := range map[string]any{
		"players":       g.Players,
		"timeLeftMs":    g.TimeLeftMs,
		"gameInfo":      g.GameInfo,
		"moves":         g.Moves,
		"ratingChanges": g.RatingChanges,
		"draw":          g.Draw,
		"rematch":       g.Rematch,
	} {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", field, err)
		}
		h[field] = string(data)
	}
	return h, nil
}

// DecodeLiveGame rebuilds a LiveGame from its hash fields.
func DecodeLiveGame(h map[string]string) (*LiveGame, error) {
	if len(h) == 0 {
		return nil, fmt.Errorf("empty game hash")
	}
	g := &LiveGame{
		GameID:     h["gameId"],
		InitialFEN: h["initialFEN"],
		PGN:        h["pgn"],
		FEN:        h["fen"],
		Turn:       PlayerColor(h["turn"]),
		Winner:     PlayerColor(h["winner"]),
		Result:     Score(h["result"]),
		EndReason:  EndReason(h["endReason"]),
	}
	g.StartedAt, _ = strconv.ParseInt(h["startedAt"], 10, 64)
	g.LastMoveAt, _ = strconv.ParseInt(h["lastMoveAt"], 10, 64)
	g.EndedAt, _ = strconv.ParseInt(h["endedAt"], 10, 64)
	g.GameOver, _ = strconv.ParseBool(h["gameOver"])

	for field, dst := range map[string]any{
		"players":       &g.Players,
		"timeLeftMs":    &g.TimeLeftMs,
		"gameInfo":      &g.GameInfo,
		"moves":         &g.Moves,
		"ratingChanges": &g.RatingChanges,
		"draw":          &g.Draw,
		"rematch":       &g.Rematch,
	} {
		raw, ok := h[field]
		if !ok || raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", field, err)
		}
	}
	if len(g.Players) != 2 {
		return nil, fmt.Errorf("game %s has %d players", g.GameID, len(g.Players))
	}
	return g, nil
}

// Presence is a player's ephemeral connection record.
type Presence struct {
	PlayerID     string `json:"playerId"`
	ConnectionID string `json:"wsId"`
	Rating       int    `json:"rating"`
	Connected    bool   `json:"isPlayerConnected"`
}

// SearchSession is a player's matchmaking state, mutated only by the Matchmaker.
type SearchSession struct {
	PlayerID        string      `json:"playerId"`
	GameType        GameType    `json:"gameType"`
	GameVariant     Variant     `json:"gameVariant"`
	TimeControl     TimeControl `json:"timeControl"`
	InitialRating   int         `json:"initialRating"`
	CurrentRange    int         `json:"currentRange"`
	SearchStartTime int64       `json:"searchStartTime"` // unix ms
	ConnectionID    string      `json:"connectionId"`
}
