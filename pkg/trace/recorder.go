// Package trace records every agent-to-agent message exchanged during a run.
// The log is append-only: entries are immutable copies of the messages that
// produced them, stamped with a monotonic sequence number, and are never
// mutated or deleted while the process lives. Aggregated summaries are
// observability data only and never influence orchestration outcomes.
package trace

import (
	"sync"
	"time"

	"github.com/agentlink/servicedesk/pkg/a2a"
)

// Entry is one recorded message plus its position in the log.
type Entry struct {
	Seq      uint64       `json:"seq"`
	LoggedAt time.Time    `json:"logged_at"`
	Message  *a2a.Message `json:"message"`
}

// Summary aggregates the log for observability.
type Summary struct {
	Total          int            `json:"total_communications"`
	Requests       int            `json:"messages_sent"`
	Responses      int            `json:"responses_received"`
	Errors         int            `json:"errors"`
	PerMethod      map[string]int `json:"per_method"`
	PerRoute       map[string]int `json:"per_route"`
	AvgRoundTripMs float64        `json:"avg_round_trip_ms"`
	UnresolvedIDs  []string       `json:"unresolved_ids,omitempty"`
}

// Recorder is the single ingestion point for trace entries. It is safe for
// concurrent writers; all appends pass through one mutex so entries are
// never interleaved or partially written.
type Recorder struct {
	mu      sync.Mutex
	seq     uint64
	entries []Entry
	subs    []chan Entry
}

// NewRecorder creates an empty trace recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends an immutable copy of the message to the log. It never
// blocks the caller beyond the append itself; subscriber channels are
// written non-blocking and slow subscribers miss entries rather than stall
// the orchestration.
func (r *Recorder) Record(msg *a2a.Message) {
	if msg == nil {
		return
	}
	clone := msg.Clone()

	r.mu.Lock()
	r.seq++
	entry := Entry{
		Seq:      r.seq,
		LoggedAt: time.Now().UTC(),
		Message:  clone,
	}
	r.entries = append(r.entries, entry)
	subs := r.subs
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a snapshot of the log. The returned slice is a copy; the
// messages inside remain shared but are never mutated after recording.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Subscribe returns a channel receiving every entry recorded after the
// call, plus a cancel function that closes the subscription.
func (r *Recorder) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		for i, sub := range r.subs {
			if sub == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Summary aggregates the current log: message counts per method and per
// requester->responder route, error count, and the average round-trip
// latency computed by pairing each response with the request sharing its id.
func (r *Recorder) Summary() Summary {
	entries := r.Entries()

	s := Summary{
		PerMethod: make(map[string]int),
		PerRoute:  make(map[string]int),
	}
	requestAt := make(map[string]time.Time)
	var totalRT time.Duration
	var pairs int

	for _, e := range entries {
		s.Total++
		msg := e.Message
		// Routes are keyed by conversation: a response counts toward the
		// requester -> responder pair it answers, not its own addressing.
		route := msg.FromAgent + " -> " + msg.ToAgent
		if !msg.IsRequest() {
			route = msg.ToAgent + " -> " + msg.FromAgent
		}
		s.PerRoute[route]++

		if msg.IsRequest() {
			s.Requests++
			s.PerMethod[msg.Method]++
			requestAt[msg.ID] = e.LoggedAt
			continue
		}

		s.Responses++
		if msg.Error != nil {
			s.Errors++
		}
		if sent, ok := requestAt[msg.ID]; ok {
			totalRT += e.LoggedAt.Sub(sent)
			pairs++
			delete(requestAt, msg.ID)
		}
	}

	if pairs > 0 {
		s.AvgRoundTripMs = float64(totalRT.Milliseconds()) / float64(pairs)
	}
	for id := range requestAt {
		s.UnresolvedIDs = append(s.UnresolvedIDs, id)
	}
	return s
}
