package utils

import (
	"fmt"
	"math/rand"
)

var adjectives = []string{
	"Swift", "Brave", "Clever", "Noble", "Mighty", "Silent", "Golden", "Silver",
	"Crystal", "Shadow", "Crimson", "Azure", "Cosmic", "Ancient", "Mystic", "Royal",
	"Fierce", "Gentle", "Wild", "Calm", "Bold", "Wise", "Quick", "Keen",
	"Storm", "Frost", "Iron", "Steel", "Thunder", "Lunar", "Solar", "Stellar",
}

var nouns = []string{
	"Knight", "Bishop", "Rook", "Pawn", "King", "Queen", "Gambit", "Tempo",
	"Falcon", "Wolf", "Tiger", "Dragon", "Phoenix", "Raven", "Lion", "Bear",
	"Fork", "Pin", "Skewer", "Castle", "Check", "Zugzwang", "Endgame", "Opening",
}

// RandomDisplayName produces a readable placeholder name for players
// who connect without one. Collisions are acceptable; playerId is the
// identity key.
func RandomDisplayName() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s%s%d", adj, noun, rand.Intn(1000))
}
