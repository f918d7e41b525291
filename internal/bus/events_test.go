package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chess-arena/internal/models"
)

func TestChannelFor(t *testing.T) {
	cases := map[EventType]Channel{
		EventMoveMade:           ChannelMoves,
		EventGameStarted:        ChannelStateUpdates,
		EventGameEnded:          ChannelStateUpdates,
		EventTimeUpdate:         ChannelTime,
		EventTimeUp:             ChannelTime,
		EventMatchFound:         ChannelMatchmaking,
		EventPlayerConnected:    ChannelPlayers,
		EventPlayerDisconnected: ChannelPlayers,
		EventRatingUpdated:      ChannelPlayers,
		EventDrawOffered:        ChannelEvents,
		EventPlayerResigned:     ChannelEvents,
		EventRematchAccepted:    ChannelEvents,
	}
	for et, want := range cases {
		assert.Equal(t, want, ChannelFor(et), string(et))
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("node-1", EventMoveMade, "g1", MoveMadePayload{
		GameID:     "g1",
		PlayerID:   "p1",
		SAN:        "e4",
		From:       "e2",
		To:         "e4",
		MoveNumber: 1,
		Turn:       models.Black,
		Variant:    models.VariantRapid,
	})
	require.NoError(t, err)
	assert.Equal(t, "node-1", env.OriginNodeID)
	assert.Equal(t, ChannelMoves, env.Channel)
	assert.Equal(t, "g1", env.GameID)
	assert.NotZero(t, env.Timestamp)

	var got MoveMadePayload
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, "e4", got.SAN)
	assert.Equal(t, models.Black, got.Turn)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "arena.moves.g42", subjectFor(ChannelMoves, "g42"))
	assert.Equal(t, "arena.matchmaking", subjectFor(ChannelMatchmaking, ""))
}
