package memory

import (
	"sync"

	"github.com/becomeliminal/nim-recall/memory/text"
)

// ContextWindow is a bounded FIFO of a user's recent turns. It is cleared
// only by Reset.
type ContextWindow struct {
	mu    sync.RWMutex
	size  int
	turns []turnTokens
}

type turnTokens struct {
	text   string
	tokens map[string]struct{}
}

// NewContextWindow returns a window that keeps the last size turns.
func NewContextWindow(size int) *ContextWindow {
	if size < 1 {
		size = 1
	}
	return &ContextWindow{size: size}
}

// Push appends a turn, evicting the oldest past capacity. Blank turns are
// ignored.
func (w *ContextWindow) Push(turn string) {
	if text.Normalize(turn) == "" {
		return
	}
	tokens := text.ContentTokens(turn)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = append(w.turns, turnTokens{text: turn, tokens: tokens})
	if over := len(w.turns) - w.size; over > 0 {
		// Copy so the dropped prefix can be collected.
		w.turns = append([]turnTokens(nil), w.turns[over:]...)
	}
}

// Reset clears the window.
func (w *ContextWindow) Reset() {
	w.mu.Lock()
	w.turns = nil
	w.mu.Unlock()
}

// Turns returns the window oldest first.
func (w *ContextWindow) Turns() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.turns))
	for i, t := range w.turns {
		out[i] = t.text
	}
	return out
}

// Len returns the number of turns held.
func (w *ContextWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.turns)
}

// Vocabulary returns the union of content tokens across the window.
func (w *ContextWindow) Vocabulary() map[string]struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	vocab := make(map[string]struct{})
	for _, t := range w.turns {
		for tok := range t.tokens {
			vocab[tok] = struct{}{}
		}
	}
	return vocab
}

// Overlap counts the content tokens of candidate that appear in vocab.
func Overlap(vocab map[string]struct{}, candidate string) int {
	if len(vocab) == 0 {
		return 0
	}
	n := 0
	for tok := range text.ContentTokens(candidate) {
		if _, ok := vocab[tok]; ok {
			n++
		}
	}
	return n
}
