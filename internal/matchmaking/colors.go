package matchmaking

import (
	"chess-arena/internal/models"
)

// historyWindow is how many recent games feed the color corrections.
const historyWindow = 10

// colorStats summarizes one player's recent color distribution.
type colorStats struct {
	whiteStreak int     // consecutive whites at the head of history
	blackStreak int     // consecutive blacks at the head of history
	whiteRate   float64 // white fraction over the window
	games       int
}

func statsFor(playerID string, history []models.DurableGame) colorStats {
	var st colorStats
	if len(history) > historyWindow {
		history = history[:historyWindow]
	}
	streakDone := false
	whites := 0
	for _, g := range history {
		color, ok := g.ColorOf(playerID)
		if !ok {
			continue
		}
		st.games++
		if color == models.White {
			whites++
		}
		if !streakDone {
			switch {
			case color == models.White && st.blackStreak == 0:
				st.whiteStreak++
			case color == models.Black && st.whiteStreak == 0:
				st.blackStreak++
			default:
				streakDone = true
			}
		}
	}
	if st.games > 0 {
		st.whiteRate = float64(whites) / float64(st.games)
	} else {
		st.whiteRate = 0.5
	}
	return st
}

// whiteProbability returns P(p1 gets white). Lower-rated players lean
// white, long same-color streaks get broken, and a lopsided recent
// color split is pulled back toward even.
func whiteProbability(r1, r2 int, s1, s2 colorStats) float64 {
	p := 0.5

	diff := r1 - r2
	if diff < 0 {
		diff = -diff
	}
	if diff > 100 {
		bias := float64(diff) / 2000
		if bias > 0.1 {
			bias = 0.1
		}
		if r1 < r2 {
			p += bias
		} else {
			p -= bias
		}
	}

	if s1.whiteStreak >= 2 {
		p -= 0.3
	}
	if s1.blackStreak >= 2 {
		p += 0.3
	}
	if s2.whiteStreak >= 2 {
		p += 0.2
	}
	if s2.blackStreak >= 2 {
		p -= 0.2
	}

	if s1.games > 0 {
		if s1.whiteRate > 0.7 {
			p -= 0.2
		} else if s1.whiteRate < 0.3 {
			p += 0.2
		}
	}

	if p < 0.1 {
		p = 0.1
	}
	if p > 0.9 {
		p = 0.9
	}
	return p
}
