package stub

import (
	"sync"
)

// Func is a host function servicing calls dispatched to the library. It
// returns the inline return value; errors travel back as error frames.
type Func func(c *CallCtx) (uint64, error)

// Registry maps function names to implementations and hands out stable
// pseudo symbol addresses.
type Registry struct {
	mu    sync.Mutex
	funcs map[string]Func
	addrs map[string]uint64
	next  uint64
}

const symbolBase = 0x400000

func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
		addrs: make(map[string]uint64),
		next:  symbolBase,
	}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.addrs[name]; !exists {
		r.addrs[name] = r.next
		r.next += heapAlign
	}
	r.funcs[name] = fn
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// SymbolAddr returns the pseudo address of a registered function, zero
// when unknown.
func (r *Registry) SymbolAddr(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addrs[name]
}
