// Package history reconstructs one linear message log per user by merging
// archived segments with the live session. Pure read path: it never
// mutates any pool.
package history

import (
	"sort"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

// Merger builds merged conversation views from registry snapshots.
type Merger struct {
	reg *session.Registry
}

// NewMerger creates a merger over the given registry.
func NewMerger(reg *session.Registry) *Merger {
	return &Merger{reg: reg}
}

// FullLog returns a session snapshot whose MessageLog is the user's entire
// history: every archived segment's log followed by the live log, sorted
// by timestamp ascending. Non-log fields come from the live session when
// one exists, otherwise from the most recent archived segment with the
// attendant cleared. Returns false when the user is entirely unknown.
func (m *Merger) FullLog(userID string) (*session.Session, bool) {
	segments := m.reg.ArchivedSegments(userID)
	live, _ := m.reg.LiveSession(userID)

	if live == nil && len(segments) == 0 {
		return nil, false
	}

	var merged []session.Message
	for _, seg := range segments {
		merged = append(merged, seg.MessageLog...)
	}

	var view *session.Session
	if live != nil {
		view = live
		merged = append(merged, live.MessageLog...)
	} else {
		view = segments[len(segments)-1]
		view.AttendantID = ""
		view.ResolvedBy = ""
		view.ResolvedAt = time.Time{}
	}

	// Stable keeps segment order for entries whose timestamps collide
	// across segments (they are already unique within one).
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	view.MessageLog = merged
	return view, true
}

// MessageCount is the total number of messages FullLog would return.
func (m *Merger) MessageCount(userID string) int {
	total := 0
	for _, seg := range m.reg.ArchivedSegments(userID) {
		total += len(seg.MessageLog)
	}
	if live, _ := m.reg.LiveSession(userID); live != nil {
		total += len(live.MessageLog)
	}
	return total
}
