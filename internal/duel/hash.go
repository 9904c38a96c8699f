package duel

import (
	"hash/fnv"
	"time"
)

// Values that feed a transaction write must be pure functions of the read
// state: a retried transaction body re-executes from scratch, and a true
// random draw would let the retry change an already-observed outcome. FNV-1a
// over the identifying ids gives every retry the same answer.

func stableHash(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// TrophyAward returns the 0..TrophyMax trophies credited for winning one
// question. Stable for a given (match, question, winner).
func TrophyAward(matchID, questionID, winnerUID string) int {
	return int(stableHash("trophy", matchID, questionID, winnerUID) % (TrophyMax + 1))
}

// BotAnswerDelay is how long a bot waits before answering. Higher
// difficulty answers sooner; jitter comes from the hash so retried trigger
// executions agree on the planned time.
func BotAnswerDelay(matchID, questionID, botUID string, difficulty int) time.Duration {
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > 10 {
		difficulty = 10
	}
	window := time.Duration(11-difficulty) * 700 * time.Millisecond
	jitter := time.Duration(stableHash("delay", matchID, questionID, botUID) % uint64(window))
	return 1500*time.Millisecond + jitter
}

// BotAnswersCorrectly maps difficulty linearly to accuracy (0.40 at 1 up
// to 0.85 at 10) and draws deterministically from the hash.
func BotAnswersCorrectly(matchID, questionID, botUID string, difficulty int) bool {
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > 10 {
		difficulty = 10
	}
	accPermille := 350 + 50*difficulty
	return int(stableHash("acc", matchID, questionID, botUID)%1000) < accPermille
}

// BotWrongChoice picks a deterministic incorrect option.
func BotWrongChoice(matchID, questionID, botUID string, numChoices, correct int) int {
	if numChoices <= 1 {
		return correct
	}
	pick := int(stableHash("choice", matchID, questionID, botUID) % uint64(numChoices-1))
	if pick >= correct {
		pick++
	}
	return pick
}
