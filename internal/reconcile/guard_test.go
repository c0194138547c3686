package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_IgnoresReloadWhileStreaming(t *testing.T) {
	g := NewGuard()
	tok := g.BeginStream()

	assert.True(t, g.Active())
	assert.True(t, g.ShouldIgnoreReload("anything"))
	assert.False(t, g.Accept("anything"))

	assert.True(t, g.EndStream(tok))
	assert.False(t, g.Active())
	assert.True(t, g.Accept("anything"))
}

func TestGuard_FingerprintIdempotence(t *testing.T) {
	g := NewGuard()
	fp := Fingerprint([]string{"CHAT_USER: a"})

	assert.True(t, g.Accept(fp))
	assert.False(t, g.Accept(fp))
	assert.True(t, g.ShouldIgnoreReload(fp))

	other := Fingerprint([]string{"CHAT_USER: a", "CHAT_ASSISTANT: b"})
	assert.True(t, g.Accept(other))
}

func TestGuard_RememberedWriteEcho(t *testing.T) {
	g := NewGuard()
	tok := g.BeginStream()

	written := Fingerprint([]string{"CHAT_USER: q", "CHAT_ASSISTANT: a"})
	g.Remember(written)
	g.EndStream(tok)

	assert.False(t, g.Accept(written))
}

func TestGuard_StaleTokenCannotLower(t *testing.T) {
	g := NewGuard()
	first := g.BeginStream()
	second := g.BeginStream()

	assert.False(t, g.EndStream(first))
	assert.True(t, g.Active())
	assert.True(t, g.EndStream(second))
	assert.False(t, g.EndStream(second))
}

func TestGuard_Forget(t *testing.T) {
	g := NewGuard()
	fp := Fingerprint(nil)
	assert.True(t, g.Accept(fp))

	g.Forget()
	assert.True(t, g.Accept(fp))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint([]string{"a", "b"}), Fingerprint([]string{"a", "b"}))
	assert.NotEqual(t, Fingerprint([]string{"ab"}), Fingerprint([]string{"a", "b"}))
	assert.NotEqual(t, Fingerprint([]string{"a", "b"}), Fingerprint([]string{"b", "a"}))
	assert.NotEqual(t, Fingerprint(nil), Fingerprint([]string{""}))
}

func TestGuard_ConcurrentAccept(t *testing.T) {
	g := NewGuard()
	fp := Fingerprint([]string{"x"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Accept(fp) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
}
