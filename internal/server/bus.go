// Package server exposes the command and query surfaces: NATS request-reply
// for command intake, HTTP/JSON for queries and operations, and an outbound
// JetStream feed of committed events.
package server

import (
	"sync"

	"perpcore/internal/core"
)

// CommandBus serialises access to the engine. The core is single-writer, so
// every intake surface funnels through here.
type CommandBus struct {
	mu     sync.Mutex
	engine *core.Engine
}

func NewCommandBus(engine *core.Engine) *CommandBus {
	return &CommandBus{engine: engine}
}

func (b *CommandBus) Submit(cmd *core.Command) (*core.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine.Execute(cmd)
}

// Sequence returns the last committed sequence number.
func (b *CommandBus) Sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine.Sequence()
}

// Snapshot captures engine state while holding the execution lock, so no
// command commits mid-capture.
func (b *CommandBus) Snapshot() *core.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engine.Snapshot()
}
