package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"chess-arena/internal/models"
)

// Channel is the event class a message travels on. Each channel maps
// to its own subject space on the wire.
type Channel string

const (
	ChannelMoves        Channel = "moves"
	ChannelStateUpdates Channel = "state_updates"
	ChannelEvents       Channel = "events"
	ChannelTime         Channel = "time"
	ChannelMatchmaking  Channel = "matchmaking"
	ChannelPlayers      Channel = "players"
)

var AllChannels = []Channel{
	ChannelMoves, ChannelStateUpdates, ChannelEvents,
	ChannelTime, ChannelMatchmaking, ChannelPlayers,
}

type EventType string

const (
	EventGameStarted         EventType = "game_started"
	EventMoveMade            EventType = "move_made"
	EventGameEnded           EventType = "game_ended"
	EventPlayerResigned      EventType = "player_resigned"
	EventDrawOffered         EventType = "draw_offered"
	EventDrawAccepted        EventType = "draw_accepted"
	EventDrawDeclined        EventType = "draw_declined"
	EventRematchOffered      EventType = "rematch_offered"
	EventRematchAccepted     EventType = "rematch_accepted"
	EventRematchDeclined     EventType = "rematch_declined"
	EventTimeUpdate          EventType = "time_update"
	EventTimeUp              EventType = "time_up"
	EventPlayerConnected     EventType = "player_connected"
	EventPlayerDisconnected  EventType = "player_disconnected"
	EventPlayerReconnected   EventType = "player_reconnected"
	EventMatchFound          EventType = "match_found"
	EventRatingUpdated       EventType = "rating_updated"
)

// ChannelFor routes an event type to its channel.
func ChannelFor(t EventType) Channel {
	switch t {
	case EventMoveMade:
		return ChannelMoves
	case EventGameStarted, EventGameEnded:
		return ChannelStateUpdates
	case EventTimeUpdate, EventTimeUp:
		return ChannelTime
	case EventMatchFound:
		return ChannelMatchmaking
	case EventPlayerConnected, EventPlayerDisconnected, EventPlayerReconnected, EventRatingUpdated:
		return ChannelPlayers
	default:
		return ChannelEvents
	}
}

// Envelope is the wire format of every bus message.
type Envelope struct {
	OriginNodeID string          `json:"originNodeId"`
	Timestamp    int64           `json:"timestamp"` // unix ms at publish
	EventType    EventType       `json:"eventType"`
	Channel      Channel         `json:"channel"`
	GameID       string          `json:"gameId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope, marshalling the payload.
func NewEnvelope(nodeID string, t EventType, gameID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		OriginNodeID: nodeID,
		Timestamp:    time.Now().UnixMilli(),
		EventType:    t,
		Channel:      ChannelFor(t),
		GameID:       gameID,
		Payload:      data,
	}, nil
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// --- payload shapes ---

type GameStartedPayload struct {
	Game *models.LiveGame `json:"game"`
}

type MoveMadePayload struct {
	GameID     string             `json:"gameId"`
	PlayerID   string             `json:"player"`
	SAN        string             `json:"san"`
	From       string             `json:"from"`
	To         string             `json:"to"`
	FEN        string             `json:"fen"`
	PGN        string             `json:"pgn"`
	MoveNumber int                `json:"moveNumber"`
	TimeLeftMs models.TimeLeft    `json:"timeLeftMs"`
	Turn       models.PlayerColor `json:"turn"`
	Check      bool               `json:"check,omitempty"`
	// Variant rides along so the pipeline can derive priority without
	// a store read.
	Variant  models.Variant `json:"variant"`
	Terminal bool           `json:"terminal,omitempty"`
}

type GameEndedPayload struct {
	GameID        string                `json:"gameId"`
	Winner        models.PlayerColor    `json:"winner,omitempty"`
	Reason        models.EndReason      `json:"reason"`
	Score         models.Score          `json:"score"`
	FinalFEN      string                `json:"finalFEN"`
	FinalPGN      string                `json:"finalPGN"`
	RatingChanges models.RatingChanges  `json:"ratingChanges,omitempty"`
	EndedAt       int64                 `json:"endedAt"`
}

type DrawEventPayload struct {
	GameID   string             `json:"gameId"`
	PlayerID string             `json:"playerId"`
	Color    models.PlayerColor `json:"color"`
}

type RematchEventPayload struct {
	GameID     string `json:"gameId"`
	PlayerID   string `json:"playerId"`
	NextGameID string `json:"nextGameId,omitempty"`
}

type TimeUpdatePayload struct {
	GameID  string             `json:"gameId"`
	WhiteMs int64              `json:"whiteMs"`
	BlackMs int64              `json:"blackMs"`
	Turn    models.PlayerColor `json:"currentTurn"`
	Now     int64              `json:"now"`
}

type MatchFoundPayload struct {
	PlayerID       string               `json:"playerId"`
	ConnectionID   string               `json:"connectionId"`
	GameID         string               `json:"gameId"`
	OpponentID     string               `json:"opponent"`
	OpponentRating int                  `json:"opponentRating"`
	RatingChanges  models.RatingChanges `json:"ratingChanges,omitempty"`
	SearchDuration int64                `json:"searchDuration"` // ms
	FinalRange     int                  `json:"finalRange"`
}

type PlayerPresencePayload struct {
	PlayerID     string `json:"playerId"`
	ConnectionID string `json:"connectionId"`
	GameID       string `json:"gameId,omitempty"`
}

type RatingUpdatedPayload struct {
	GameID    string         `json:"gameId"`
	PlayerID  string         `json:"playerId"`
	Variant   models.Variant `json:"variant"`
	OldRating int            `json:"oldRating"`
	NewRating int            `json:"newRating"`
	Delta     int            `json:"delta"`
}
