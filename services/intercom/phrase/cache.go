// Package phrase caches synthesized audio for frequently repeated
// system phrases (greetings, prompts) so the synthesis provider is not
// re-invoked for the same voice/text pair on every call. Entries are
// content-addressed by hash(voice, text) and written atomically via a
// temp-file-then-rename so a crash mid-write never leaves a corrupt
// cache entry for a reader to pick up.
package phrase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sebas/intercom/services/intercom/capability"
)

// Cache wraps a capability.Synthesizer with a content-addressed
// on-disk cache. It implements capability.Synthesizer itself, so it
// can be substituted transparently anywhere a Synthesizer is expected.
type Cache struct {
	dir    string
	synth  capability.Synthesizer
	mu     sync.Mutex
	memory map[string][]byte
}

// NewCache constructs a Cache backed by dir (created if absent) and
// synth for cache misses.
func NewCache(dir string, synth capability.Synthesizer) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("phrase: create cache dir: %w", err)
	}
	return &Cache{dir: dir, synth: synth, memory: make(map[string][]byte)}, nil
}

// key returns the content address for a (voice, text) pair.
func key(voice, text string) string {
	h := sha256.New()
	h.Write([]byte(voice))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(k string) string {
	return filepath.Join(c.dir, k+".pcm")
}

// Synthesize returns cached audio for req.Voice/req.Text if present,
// otherwise synthesizes it, stores it, and returns the result.
func (c *Cache) Synthesize(ctx context.Context, req capability.SynthesisRequest) ([]byte, error) {
	k := key(req.Voice, req.Text)

	c.mu.Lock()
	if audio, ok := c.memory[k]; ok {
		c.mu.Unlock()
		return audio, nil
	}
	c.mu.Unlock()

	if audio, err := os.ReadFile(c.path(k)); err == nil {
		c.mu.Lock()
		c.memory[k] = audio
		c.mu.Unlock()
		return audio, nil
	}

	audio, err := c.synth.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := c.writeAtomic(k, audio); err != nil {
		// A failed cache write must not fail the call: the audio was
		// synthesized successfully, only the cache entry is missing.
		return audio, nil
	}

	c.mu.Lock()
	c.memory[k] = audio
	c.mu.Unlock()

	return audio, nil
}

func (c *Cache) writeAtomic(k string, audio []byte) error {
	final := c.path(k)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, audio, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

var _ capability.Synthesizer = (*Cache)(nil)
