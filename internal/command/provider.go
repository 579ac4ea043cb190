package command

import (
	"context"
	"fmt"
	"sync"
)

// Invocable is a resolved, callable handler.
type Invocable func(ctx context.Context, params map[string]any) (any, error)

// HandlerProvider turns a handlerRef into something callable. The
// registry depends only on this interface; implementations can be a
// compiled function registry, a plugin loader, or an interpreter.
type HandlerProvider interface {
	Resolve(ref string) (Invocable, error)
}

// FuncProvider is the built-in HandlerProvider: a mutable registry of
// compiled functions keyed by ref.
type FuncProvider struct {
	mu    sync.RWMutex
	funcs map[string]Invocable
}

func NewFuncProvider() *FuncProvider {
	return &FuncProvider{funcs: map[string]Invocable{}}
}

func (p *FuncProvider) Register(ref string, fn Invocable) {
	p.mu.Lock()
	p.funcs[ref] = fn
	p.mu.Unlock()
}

func (p *FuncProvider) Resolve(ref string) (Invocable, error) {
	p.mu.RLock()
	fn, ok := p.funcs[ref]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for ref %q", ref)
	}
	return fn, nil
}
