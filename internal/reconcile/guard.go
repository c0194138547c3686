// Package reconcile arbitrates between a live query stream and reloads of
// the persisted conversation.
package reconcile

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Token identifies one stream's hold on the guard.
type Token uint64

// Guard combines a streaming flag with the fingerprint of the last
// persisted state that was processed. While a stream holds the guard every
// reload is ignored; otherwise a reload is ignored when its fingerprint is
// unchanged.
type Guard struct {
	mu        sync.Mutex
	active    bool
	current   Token
	last      string
	remembers bool
}

// NewGuard returns an idle guard with no fingerprint.
func NewGuard() *Guard {
	return &Guard{}
}

// BeginStream raises the streaming flag and returns the token that may lower it.
// Any previous holder's token becomes stale.
func (g *Guard) BeginStream() Token {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current++
	g.active = true
	return g.current
}

// EndStream lowers the flag if tok is still the latest holder.
func (g *Guard) EndStream(tok Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tok != g.current || !g.active {
		return false
	}
	g.active = false
	return true
}

// Active reports whether a stream holds the guard.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// ShouldIgnoreReload reports whether a reload with fingerprint fp must be skipped.
func (g *Guard) ShouldIgnoreReload(fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active || (g.remembers && fp == g.last)
}

// Accept atomically checks a reload and, when it is allowed, records fp as
// processed. It returns false when the reload must be skipped.
func (g *Guard) Accept(fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active || (g.remembers && fp == g.last) {
		return false
	}
	g.last = fp
	g.remembers = true
	return true
}

// Remember records fp as processed without a reload, e.g. after this
// process wrote that state itself.
func (g *Guard) Remember(fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = fp
	g.remembers = true
}

// Forget clears the fingerprint so the next reload is always processed.
func (g *Guard) Forget() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = ""
	g.remembers = false
}

// Fingerprint returns a stable digest of a persisted string array. Entries
// are length-prefixed so boundaries between them are part of the digest.
func Fingerprint(entries []string) string {
	d := xxhash.New()
	var size [8]byte

	binary.BigEndian.PutUint64(size[:], uint64(len(entries)))
	_, _ = d.Write(size[:])
	for _, e := range entries {
		binary.BigEndian.PutUint64(size[:], uint64(len(e)))
		_, _ = d.Write(size[:])
		_, _ = d.WriteString(e)
	}

	return strconv.FormatUint(d.Sum64(), 16)
}
