// Package messages is the append-only status log shown to the user. Every
// entry removes itself after a delay that depends on its level.
package messages

import (
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelLink    Level = "link"
)

// Entry is one line of the log.
type Entry struct {
	ID    uint64    `json:"id"`
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// TTLs sets how long each level stays visible. Zero keeps entries until
// Clear.
type TTLs map[Level]time.Duration

// DefaultTTLs keeps links around long enough to be clicked.
func DefaultTTLs() TTLs {
	return TTLs{
		LevelInfo:    3 * time.Second,
		LevelWarning: 5 * time.Second,
		LevelError:   5 * time.Second,
		LevelLink:    10 * time.Second,
	}
}

// Log is safe for concurrent use. Subscribers are called with a fresh
// snapshot after every change, one notification at a time, so they never
// see an older snapshot after a newer one. They must not write to the log.
type Log struct {
	// notifying serializes snapshot and delivery; taken before mu.
	notifying sync.Mutex

	mu          sync.Mutex
	entries     []Entry
	timers      map[uint64]*time.Timer
	next        uint64
	ttls        TTLs
	subscribers []func([]Entry)
}

func NewLog(ttls TTLs) *Log {
	if ttls == nil {
		ttls = DefaultTTLs()
	}
	return &Log{
		timers: make(map[uint64]*time.Timer),
		ttls:   ttls,
	}
}

// Subscribe registers fn for change notifications.
func (l *Log) Subscribe(fn func([]Entry)) {
	l.mu.Lock()
	l.subscribers = append(l.subscribers, fn)
	l.mu.Unlock()
}

func (l *Log) Info(text string) uint64  { return l.Add(LevelInfo, text) }
func (l *Log) Warn(text string) uint64  { return l.Add(LevelWarning, text) }
func (l *Log) Error(text string) uint64 { return l.Add(LevelError, text) }
func (l *Log) Link(text string) uint64  { return l.Add(LevelLink, text) }

// Add appends an entry and schedules its removal.
func (l *Log) Add(level Level, text string) uint64 {
	l.mu.Lock()
	l.next++
	id := l.next
	l.entries = append(l.entries, Entry{ID: id, Level: level, Text: text, At: time.Now()})
	if ttl := l.ttls[level]; ttl > 0 {
		l.timers[id] = time.AfterFunc(ttl, func() { l.remove(id) })
	}
	l.mu.Unlock()

	l.notify()
	return id
}

func (l *Log) remove(id uint64) {
	l.mu.Lock()
	delete(l.timers, id)
	found := false
	for i, e := range l.entries {
		if e.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			found = true
			break
		}
	}
	l.mu.Unlock()

	if found {
		l.notify()
	}
}

// Snapshot returns a copy of the visible entries, oldest first.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear drops every entry and pending timer.
func (l *Log) Clear() {
	l.mu.Lock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	l.entries = nil
	l.mu.Unlock()

	l.notify()
}

func (l *Log) notify() {
	l.notifying.Lock()
	defer l.notifying.Unlock()

	l.mu.Lock()
	subs := make([]func([]Entry), len(l.subscribers))
	copy(subs, l.subscribers)
	snapshot := make([]Entry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
