package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Ratings holds a player's per-variant ratings.
type Ratings struct {
	Rapid  int `json:"rapid" bson:"rapid"`
	Blitz  int `json:"blitz" bson:"blitz"`
	Bullet int `json:"bullet" bson:"bullet"`
}

func (r Ratings) For(v Variant) int {
	switch v {
	case VariantBlitz:
		return r.Blitz
	case VariantBullet:
		return r.Bullet
	default:
		return r.Rapid
	}
}

func (r *Ratings) Set(v Variant, rating int) {
	switch v {
	case VariantBlitz:
		r.Blitz = rating
	case VariantBullet:
		r.Bullet = rating
	default:
		r.Rapid = rating
	}
}

// Profile is the durable per-player record.
type Profile struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	PlayerID    string             `json:"playerId" bson:"playerId"`
	DisplayName string             `json:"displayName" bson:"displayName"`
	Ratings     Ratings            `json:"ratings" bson:"ratings"`
	GamesPlayed int                `json:"gamesPlayed" bson:"gamesPlayed"`
	Wins        int                `json:"wins" bson:"wins"`
	Losses      int                `json:"losses" bson:"losses"`
	Draws       int                `json:"draws" bson:"draws"`
	CreatedAt   time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// ProvisionalGames is the games-played threshold below which a player's
// rating is provisional and moves with a higher K-factor.
const ProvisionalGames = 30

func (p *Profile) IsProvisional() bool {
	return p.GamesPlayed < ProvisionalGames
}

type GameStatus string

const (
	GameStatusActive    GameStatus = "active"
	GameStatusCompleted GameStatus = "completed"
)

// DurablePlayer is one side of a durable game record.
type DurablePlayer struct {
	PlayerID   string      `json:"playerId" bson:"playerId"`
	Color      PlayerColor `json:"color" bson:"color"`
	PreRating  int         `json:"preRating" bson:"preRating"`
	PostRating int         `json:"postRating,omitempty" bson:"postRating,omitempty"`
}

// DurableResult is the final classification of a completed game.
type DurableResult struct {
	Winner PlayerColor `json:"winner,omitempty" bson:"winner,omitempty"` // empty for draws
	Reason EndReason   `json:"reason" bson:"reason"`
	Score  Score       `json:"score" bson:"score"`
}

// DurableMove is a persisted move.
type DurableMove struct {
	SAN       string `json:"san" bson:"san"`
	From      string `json:"from" bson:"from"`
	To        string `json:"to" bson:"to"`
	Timestamp int64  `json:"timeStamp" bson:"timeStamp"`
}

// DurableGame is the document-store record of a game. A skeleton is
// upserted at game start; the pipeline appends moves and the finalizer
// sets the result.
type DurableGame struct {
	ID            primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	GameID        string             `json:"gameId" bson:"gameId"`
	Players       []DurablePlayer    `json:"players" bson:"players"`
	Variant       Variant            `json:"variant" bson:"variant"`
	GameType      GameType           `json:"gameType" bson:"gameType"`
	TimeControl   TimeControl        `json:"timeControl" bson:"timeControl"`
	InitialFEN    string             `json:"initialFEN" bson:"initialFEN"`
	Moves         []DurableMove      `json:"moves" bson:"moves"`
	PGN           string             `json:"pgn" bson:"pgn"`
	FENHistory    []string           `json:"fenHistory,omitempty" bson:"fenHistory,omitempty"`
	Status        GameStatus         `json:"status" bson:"status"`
	Result        *DurableResult     `json:"result,omitempty" bson:"result,omitempty"`
	RatingChanges RatingChanges      `json:"ratingChanges,omitempty" bson:"ratingChanges,omitempty"`
	RematchOf     string             `json:"rematchOf,omitempty" bson:"rematchOf,omitempty"`
	RematchedBy   string             `json:"rematchedBy,omitempty" bson:"rematchedBy,omitempty"`
	StartedAt     time.Time          `json:"startedAt" bson:"startedAt"`
	EndedAt       *time.Time         `json:"endedAt,omitempty" bson:"endedAt,omitempty"`
}

// PlayerByColor returns the durable player holding the given color.
func (g *DurableGame) PlayerByColor(c PlayerColor) (DurablePlayer, bool) {
	for _, p := range g.Players {
		if p.Color == c {
			return p, true
		}
	}
	return DurablePlayer{}, false
}

// ColorOf returns the color the given player held in this game.
func (g *DurableGame) ColorOf(playerID string) (PlayerColor, bool) {
	for _, p := range g.Players {
		if p.PlayerID == playerID {
			return p.Color, true
		}
	}
	return "", false
}
