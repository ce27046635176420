package session

import "sync"

// Result is the value captured by the most recent successful Eval. Raw is
// the JSON text the device printed. Value and Err come from the decode
// hook. Valid is false when no value is held.
type Result struct {
	Raw    string
	Value  any
	Err    error
	Valid  bool
	Output string
}

// Decoded reports whether Value holds a successfully decoded value.
func (r Result) Decoded() bool {
	return r.Valid && r.Err == nil
}

// resultStore is the ResultStore. Every command start clears it so a
// reader never sees a value from an earlier command.
type resultStore struct {
	mu      sync.RWMutex
	current Result
}

func (r *resultStore) clear() {
	r.mu.Lock()
	r.current = Result{}
	r.mu.Unlock()
}

func (r *resultStore) set(res Result) {
	r.mu.Lock()
	r.current = res
	r.mu.Unlock()
}

func (r *resultStore) get() Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}
