// Package msglog holds the append-only chat transcript of an intake session.
package msglog

import (
	"iter"
	"time"

	"jubee/internal/domain"
)

// Log is an append-only ordered sequence of turns. It is not safe for
// concurrent use; the owning session serializes access.
type Log struct {
	turns  []domain.Turn
	nextID int64
	Now    func() time.Time
}

func New(now func() time.Time) *Log {
	return &Log{nextID: 1, Now: now}
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append assigns the next id and timestamp to t and stores it.
func (l *Log) Append(t domain.Turn) domain.Turn {
	if l.nextID == 0 {
		l.nextID = 1
	}
	t.ID = l.nextID
	l.nextID++
	t.CreatedAt = l.now().UTC().Format(time.RFC3339Nano)
	l.turns = append(l.turns, t.Clone())
	return t
}

// Latest returns the most recent turn.
func (l *Log) Latest() (domain.Turn, bool) {
	if len(l.turns) == 0 {
		return domain.Turn{}, false
	}
	return l.turns[len(l.turns)-1].Clone(), true
}

// LatestAssistant returns the most recent assistant turn.
func (l *Log) LatestAssistant() (domain.Turn, bool) {
	for i := len(l.turns) - 1; i >= 0; i-- {
		if l.turns[i].Speaker == domain.SpeakerAssistant {
			return l.turns[i].Clone(), true
		}
	}
	return domain.Turn{}, false
}

// All yields turns in insertion order. The sequence can be ranged over
// repeatedly; each pass reflects the log at the time it starts.
func (l *Log) All() iter.Seq[domain.Turn] {
	return func(yield func(domain.Turn) bool) {
		turns := l.turns
		for _, t := range turns {
			if !yield(t.Clone()) {
				return
			}
		}
	}
}

func (l *Log) Len() int { return len(l.turns) }

// Reset drops every turn and restarts ids.
func (l *Log) Reset() {
	l.turns = nil
	l.nextID = 1
}

// Load replaces the log content with persisted turns, continuing ids after the highest one.
func (l *Log) Load(turns []domain.Turn) {
	l.turns = make([]domain.Turn, 0, len(turns))
	l.nextID = 1
	for _, t := range turns {
		l.turns = append(l.turns, t.Clone())
		if t.ID >= l.nextID {
			l.nextID = t.ID + 1
		}
	}
}
