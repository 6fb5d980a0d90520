package room

import (
	"sort"
	"sync/atomic"
	"time"
)

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

type ReactionAction string

// ReactionEvent is the ephemeral wire form of a reaction toggle. Seq is a
// monotonic per-origin sequence so convergence does not depend on wall
// clocks agreeing across peers: for a given (message, emoji, user) the
// event with the highest Seq wins on every peer, regardless of arrival
// order.
type ReactionEvent struct {
	MessageID string         `json:"messageId"`
	Emoji     string         `json:"emoji"`
	UserID    string         `json:"userId"`
	Username  string         `json:"username"`
	Action    ReactionAction `json:"action"`
	Seq       int64          `json:"seq"`
}

// Reaction is the persisted per-user mark under one emoji. Removed marks
// are retained (Present=false) so a stale re-delivered add cannot
// resurrect a reaction the user has since removed.
type Reaction struct {
	Username string `json:"username"`
	Present  bool   `json:"present"`
	Seq      int64  `json:"seq"`
}

// Reactions maps emoji -> userID -> mark.
type Reactions map[string]map[string]Reaction

var reactionSeq atomic.Int64

// NextReactionSeq returns a sequence number that is strictly increasing
// within this process and loosely anchored to wall time so sequences from
// long-lived peers stay comparable.
func NextReactionSeq() int64 {
	now := time.Now().UnixMilli()
	for {
		prev := reactionSeq.Load()
		next := now
		if next <= prev {
			next = prev + 1
		}
		if reactionSeq.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Apply merges a single reaction event. It returns true if the stored
// state changed. Applying the same event twice is a no-op the second time.
func (r *Reactions) Apply(ev ReactionEvent) bool {
	if *r == nil {
		*r = make(Reactions)
	}
	marks, ok := (*r)[ev.Emoji]
	if !ok {
		marks = make(map[string]Reaction)
		(*r)[ev.Emoji] = marks
	}
	cur, exists := marks[ev.UserID]
	if exists && cur.Seq >= ev.Seq {
		return false
	}
	marks[ev.UserID] = Reaction{
		Username: ev.Username,
		Present:  ev.Action == ReactionAdd,
		Seq:      ev.Seq,
	}
	return true
}

// Merge folds another reaction set into this one, keeping the most recent
// mark per (emoji, user). Merging is commutative, associative and
// idempotent, so replicas converge regardless of delivery order.
func (r *Reactions) Merge(other Reactions) bool {
	if len(other) == 0 {
		return false
	}
	if *r == nil {
		*r = make(Reactions)
	}
	changed := false
	for emoji, marks := range other {
		mine, ok := (*r)[emoji]
		if !ok {
			mine = make(map[string]Reaction)
			(*r)[emoji] = mine
		}
		for userID, mark := range marks {
			cur, exists := mine[userID]
			if !exists || mark.Seq > cur.Seq {
				mine[userID] = mark
				changed = true
			}
		}
	}
	return changed
}

// Users returns the usernames currently reacting with emoji, sorted for
// stable display.
func (r Reactions) Users(emoji string) []string {
	marks := r[emoji]
	if len(marks) == 0 {
		return nil
	}
	users := make([]string, 0, len(marks))
	for _, mark := range marks {
		if mark.Present {
			users = append(users, mark.Username)
		}
	}
	sort.Strings(users)
	return users
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, marks := range r {
		cp := make(map[string]Reaction, len(marks))
		for userID, mark := range marks {
			cp[userID] = mark
		}
		out[emoji] = cp
	}
	return out
}
