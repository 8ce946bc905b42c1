package dialogue

// Session is the mutable per-conversation state tracking which required
// parameters of a chosen script are still unfilled. It is always passed
// into and returned from HandleTurn as an explicit value — never held in
// package state — so sessions can be persisted, replayed, and tested
// independently of any runtime singleton.
//
// Invariant: every name in Missing is a required parameter of ScriptID not
// yet present in Collected; the queue is empty exactly when the script is
// ready to execute.
type Session struct {
	// ScriptID identifies the script being collected for.
	ScriptID string
	// Collected maps parameter name to its typed value.
	Collected map[string]any
	// Missing is the FIFO queue of required parameter names still to
	// collect, in declared order. No reordering or speculative collection.
	Missing []string
}

// clone returns a deep-enough copy so a turn never mutates its input
// session; callers observe state changes only through the returned value.
func (s *Session) clone() *Session {
	cp := &Session{
		ScriptID:  s.ScriptID,
		Collected: make(map[string]any, len(s.Collected)+1),
		Missing:   make([]string, len(s.Missing)),
	}
	for k, v := range s.Collected {
		cp.Collected[k] = v
	}
	copy(cp.Missing, s.Missing)
	return cp
}
