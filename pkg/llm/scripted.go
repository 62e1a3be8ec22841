package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptEntry defines a single scripted model response.
type ScriptEntry struct {
	// Response content (set exactly one of Chunks, Text, Error).
	Chunks []Chunk // pre-built chunks to stream
	Text   string  // shorthand: wrapped as TextChunk + UsageChunk
	Error  error   // returned from Generate directly

	// Usage overrides the shorthand's default token usage.
	Usage *UsageChunk

	// Test control.
	BlockUntilCancelled bool            // block the stream until ctx is cancelled
	WaitCh              <-chan struct{} // block Generate until closed, then respond
	OnBlock             chan<- struct{} // notified when Generate enters a blocking path
}

// ScriptedClient implements Client with a dual-dispatch script: sequential
// entries for order-deterministic calls plus per-agent routing where call
// order is not deterministic.
type ScriptedClient struct {
	mu         sync.Mutex
	sequential []ScriptEntry
	seqIndex   int
	routes     map[string][]ScriptEntry
	routeIndex map[string]int
	captured   []*GenerateInput
}

// NewScriptedClient creates an empty scripted client.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		routes:     make(map[string][]ScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// Add appends an entry consumed in order for calls with no agent route.
func (c *ScriptedClient) Add(entry ScriptEntry) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
	return c
}

// AddText appends a sequential plain-text response.
func (c *ScriptedClient) AddText(text string) *ScriptedClient {
	return c.Add(ScriptEntry{Text: text})
}

// Route appends an entry for a specific agent name.
func (c *ScriptedClient) Route(agent string, entry ScriptEntry) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[agent] = append(c.routes[agent], entry)
	return c
}

// Generate implements Client.
func (c *ScriptedClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	c.mu.Lock()
	c.captured = append(c.captured, input)
	entry, err := c.nextEntry(input)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if entry.BlockUntilCancelled {
		ch := make(chan Chunk)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		return ch, nil
	}

	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			ch := make(chan Chunk)
			close(ch)
			return ch, nil
		}
	}

	if entry.Error != nil {
		return nil, entry.Error
	}

	chunks := entry.Chunks
	if len(chunks) == 0 && entry.Text != "" {
		usage := entry.Usage
		if usage == nil {
			usage = &UsageChunk{InputTokens: 10, OutputTokens: 5}
		}
		chunks = []Chunk{&TextChunk{Content: entry.Text}, usage}
	}

	ch := make(chan Chunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

// Close implements Client.
func (c *ScriptedClient) Close() error { return nil }

// CallCount returns the total number of Generate calls made.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// Captured returns a copy of all inputs seen so far.
func (c *ScriptedClient) Captured() []*GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*GenerateInput, len(c.captured))
	copy(out, c.captured)
	return out
}

// nextEntry selects the next script entry: routed dispatch first, then the
// sequential fallback. Must be called with c.mu held.
func (c *ScriptedClient) nextEntry(input *GenerateInput) (*ScriptEntry, error) {
	if entries, ok := c.routes[input.Agent]; ok {
		idx := c.routeIndex[input.Agent]
		if idx < len(entries) {
			c.routeIndex[input.Agent] = idx + 1
			return &entries[idx], nil
		}
		return nil, fmt.Errorf("scripted client: route %q exhausted after %d calls", input.Agent, idx)
	}
	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}
	return nil, fmt.Errorf("scripted client: script exhausted after %d calls", c.seqIndex)
}
