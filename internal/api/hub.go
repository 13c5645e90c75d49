package api

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/banshee-data/platescan/internal/sequencer"
)

// progressHub fans sequencer progress events out to any number of
// subscribers (SSE clients, tests). Slow subscribers are skipped rather than
// allowed to block the run goroutine.
type progressHub struct {
	mu          sync.Mutex
	subscribers map[string]chan sequencer.Progress
}

func newProgressHub() *progressHub {
	return &progressHub{subscribers: make(map[string]chan sequencer.Progress)}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (h *progressHub) Subscribe() (string, chan sequencer.Progress) {
	id := randomID()
	ch := make(chan sequencer.Progress, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = ch
	return id, ch
}

func (h *progressHub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *progressHub) Publish(p sequencer.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- p:
		default:
			// subscriber is not keeping up; drop the event for it
		}
	}
}
