// Package scratchpad provides the append-only shared run memory: typed
// notes authored by agents, read-only views for collaborators, and a
// deterministic summarization pass that compacts the pad when it grows
// past its token bound.
package scratchpad

import (
	"fmt"
	"strings"
	"sync"

	"github.com/codeready-toolchain/quorum/pkg/guard"
)

// NoteKind classifies a scratchpad entry.
type NoteKind string

const (
	KindFact       NoteKind = "fact"
	KindAssumption NoteKind = "assumption"
	KindDecision   NoteKind = "decision"
	KindQuestion   NoteKind = "question"
	KindTodo       NoteKind = "todo"
	// KindSummary marks the compressed entry produced by a compaction pass.
	KindSummary NoteKind = "summary"
)

// compactOrder ranks kinds for the extractive summary: decisions carry
// the most downstream weight, assumptions the least. A prior summary
// ranks right after decisions so repeated compactions don't drop it.
var compactOrder = []NoteKind{KindDecision, KindSummary, KindFact, KindQuestion, KindTodo, KindAssumption}

// Note is one scratchpad entry. Notes are immutable once appended.
type Note struct {
	Turn  int      `json:"turn"`
	Agent string   `json:"agent"`
	Kind  NoteKind `json:"kind"`
	Text  string   `json:"text"`
	Refs  []string `json:"refs,omitempty"`
}

// Pad is the per-run scratchpad. Only the orchestrator writes; agents
// and the finalizer read through Notes() and Rendered(). Appends are
// serialized by the orchestrator but guarded anyway.
type Pad struct {
	mu        sync.RWMutex
	notes     []Note
	archived  []Note
	est       *guard.Estimator
	maxTokens int
}

// New creates a pad that compacts when its rendered size exceeds
// maxTokens (0 disables compaction).
func New(est *guard.Estimator, maxTokens int) *Pad {
	return &Pad{est: est, maxTokens: maxTokens}
}

// Append adds a note and compacts if the pad outgrew its bound.
// Returns true when a compaction pass ran.
func (p *Pad) Append(n Note) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
	if p.maxTokens > 0 && p.est.Tokens(p.renderedLocked()) > p.maxTokens {
		p.compactLocked()
		return true
	}
	return false
}

// Notes returns a copy of the live notes in append order.
func (p *Pad) Notes() []Note {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Note, len(p.notes))
	copy(out, p.notes)
	return out
}

// Archived returns notes replaced by compaction passes. Archived content
// stays available to the event history and the finalizer.
func (p *Pad) Archived() []Note {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Note, len(p.archived))
	copy(out, p.archived)
	return out
}

// ByKind returns live notes of one kind, in append order.
func (p *Pad) ByKind(kind NoteKind) []Note {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Note
	for _, n := range p.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of live notes.
func (p *Pad) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.notes)
}

// TokenSize returns the token count of the rendered pad.
func (p *Pad) TokenSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.est.Tokens(p.renderedLocked())
}

// Rendered returns the pad as prompt text, one line per note.
func (p *Pad) Rendered() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.renderedLocked()
}

func (p *Pad) renderedLocked() string {
	if len(p.notes) == 0 {
		return ""
	}
	var b strings.Builder
	for _, n := range p.notes {
		fmt.Fprintf(&b, "[%s] %s (%s, turn %d)\n", n.Kind, n.Text, n.Agent, n.Turn)
	}
	return b.String()
}

// compactLocked replaces the live notes with a single summary entry and
// archives the originals. The reduction is deterministic and extractive:
// notes are grouped by kind in priority order, newest first within each
// kind, until half the token bound is used.
func (p *Pad) compactLocked() {
	budget := p.maxTokens / 2
	var lines []string
	used := 0
	lastTurn := 0

	for _, kind := range compactOrder {
		for i := len(p.notes) - 1; i >= 0; i-- {
			n := p.notes[i]
			if n.Kind != kind {
				continue
			}
			line := fmt.Sprintf("[%s] %s", n.Kind, n.Text)
			cost := p.est.Tokens(line)
			if used+cost > budget {
				continue
			}
			lines = append(lines, line)
			used += cost
			if n.Turn > lastTurn {
				lastTurn = n.Turn
			}
		}
	}

	p.archived = append(p.archived, p.notes...)
	p.notes = []Note{{
		Turn:  lastTurn,
		Agent: "orchestrator",
		Kind:  KindSummary,
		Text:  "Compacted notes:\n" + strings.Join(lines, "\n"),
	}}
}
