package session

import "strings"

// Role is the speaker of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one speaker turn. Consecutive fragments from the same speaker are
// coalesced into a single Turn.
type Turn struct {
	Role Role
	Text string
}

// Transcript is the ordered log of turns for one session. It is not safe for
// concurrent use; the [Client] guards it.
type Transcript struct {
	turns []Turn
}

// Append adds a text fragment for role and returns the index of the affected
// turn and whether the log changed.
//
// A fragment from a new speaker opens a new turn. A fragment from the current
// speaker is merged into the last turn: if the turn already ends with the
// fragment it is dropped as a duplicate, otherwise the longest suffix of the
// turn (at least minOverlap bytes) that is also a prefix of the fragment is
// treated as overlap and only the remainder is appended.
func (t *Transcript) Append(role Role, fragment string) (int, bool) {
	if fragment == "" {
		return len(t.turns) - 1, false
	}
	n := len(t.turns)
	if n == 0 || t.turns[n-1].Role != role {
		t.turns = append(t.turns, Turn{Role: role, Text: fragment})
		return n, true
	}
	last := &t.turns[n-1]
	merged, changed := mergeFragment(last.Text, fragment)
	last.Text = merged
	return n - 1, changed
}

// Turns returns a copy of the log.
func (t *Transcript) Turns() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Turn returns the turn at index i.
func (t *Transcript) Turn(i int) Turn {
	return t.turns[i]
}

// Len returns the number of turns.
func (t *Transcript) Len() int { return len(t.turns) }

// minOverlap is the shortest suffix/prefix overlap treated as a resend.
// Shorter matches are too likely to be coincidental ("see" + "eels").
const minOverlap = 4

func mergeFragment(text, fragment string) (string, bool) {
	if strings.HasSuffix(text, fragment) {
		return text, false
	}
	for k := min(len(text), len(fragment)-1); k >= minOverlap; k-- {
		if strings.HasSuffix(text, fragment[:k]) {
			return text + fragment[k:], true
		}
	}
	return text + fragment, true
}
