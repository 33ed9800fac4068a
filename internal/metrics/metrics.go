// Package metrics defines the counters proxybot exports and their
// Prometheus and no-op implementations.
package metrics

// Recorder receives domain measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// StoreRetry counts one retry of a transient store failure for op.
	StoreRetry(op string)
	// EngineOutcome counts a terminal engine outcome ("ok", "not_found", ...).
	EngineOutcome(op, outcome string)
	// Grant counts an admission attempt; fresh reports whether a new grant relation was written.
	Grant(fresh bool)
	// Delivery counts one broadcast send by result class.
	Delivery(result string)
	// BroadcastFinished records a completed broadcast run.
	BroadcastFinished(attempted, delivered int)
	// Interaction counts a front-end interaction, noting whether it was rate limited.
	Interaction(kind string, limited bool)
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) StoreRetry(string)            {}
func (Nop) EngineOutcome(string, string) {}
func (Nop) Grant(bool)                   {}
func (Nop) Delivery(string)              {}
func (Nop) BroadcastFinished(int, int)   {}
func (Nop) Interaction(string, bool)     {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
