// Package registry holds outstanding authorization requests and their
// terminal outcomes.
package registry

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/observability"
)

// Risk is the estimated risk level of a requested action.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// Decision is the outcome of a request.
type Decision string

const (
	Approved  Decision = "APPROVED"
	Denied    Decision = "DENIED"
	Cancelled Decision = "CANCELLED"
)

// State is where a request sits in its lifecycle.
type State string

const (
	StatePending State = "pending"
	StateDecided State = "decided"
	StateExpired State = "expired"
	StateReset   State = "reset"
	StateStale   State = "stale"
)

// Request is a pending authorization request.
type Request struct {
	ID             string    `json:"request_id"`
	EntityID       string    `json:"entity_id"`
	ActionType     string    `json:"action_type"`
	TargetID       string    `json:"target_id,omitempty"`
	Confidence     float64   `json:"confidence"`
	RiskEstimate   Risk      `json:"risk_estimate"`
	CollateralRisk Risk      `json:"collateral_risk"`
	Rationale      string    `json:"rationale"`
	TimeoutSec     uint32    `json:"timeout_sec"`
	ReceivedAt     time.Time `json:"received_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Response is a recorded outcome.
type Response struct {
	RequestID   string    `json:"request_id"`
	Decision    Decision  `json:"decision"`
	Rationale   string    `json:"rationale,omitempty"`
	RespondedAt time.Time `json:"responded_at"`
}

// Processing is a decision that was sent but not yet acknowledged by the peer.
type Processing struct {
	Response  Response  `json:"response"`
	Since     time.Time `json:"since"`
	Delivered bool      `json:"delivered"`
}

// Config configures a Registry.
type Config struct {
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *zerolog.Logger
}

// Registry is safe for concurrent use.
type Registry struct {
	mu  sync.Mutex
	now func() time.Time
	log zerolog.Logger

	pending    map[string]*item
	order      requestHeap
	outcomes   map[string]State
	responded  map[string]bool
	processing map[string]*Processing
	history    []Response
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := observability.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	return &Registry{
		now:        now,
		log:        logger.With().Str("component", "registry").Logger(),
		pending:    make(map[string]*item),
		outcomes:   make(map[string]State),
		responded:  make(map[string]bool),
		processing: make(map[string]*Processing),
	}
}

// Now reads the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

// AddRequest stores req as pending. ExpiresAt is derived from ReceivedAt
// (defaulting to the clock) and TimeoutSec. A request id that is already
// pending or already reached an outcome is ignored and false is returned.
func (r *Registry) AddRequest(req Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[req.ID]; ok {
		r.log.Warn().Str("request_id", req.ID).Msg("duplicate request ignored: already pending")
		return false
	}
	if state, ok := r.outcomes[req.ID]; ok {
		r.log.Warn().Str("request_id", req.ID).Str("state", string(state)).Msg("duplicate request ignored: already resolved")
		return false
	}

	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = r.now()
	}
	req.ExpiresAt = req.ReceivedAt.Add(time.Duration(req.TimeoutSec) * time.Second)

	it := &item{req: req}
	r.pending[req.ID] = it
	heap.Push(&r.order, it)
	observability.SetPendingRequests(len(r.pending))
	return true
}

// OldestPending returns the request with the smallest ReceivedAt, ties broken
// by ascending request id.
func (r *Registry) OldestPending() (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return Request{}, false
	}
	return r.order[0].req, true
}

// Pending returns all pending requests in OldestPending order.
func (r *Registry) Pending() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, 0, len(r.order))
	for _, it := range r.order {
		out = append(out, it.req)
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// Get returns a pending request.
func (r *Registry) Get(id string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.pending[id]
	if !ok {
		return Request{}, false
	}
	return it.req, true
}

// State reports the lifecycle state of a known request id.
func (r *Registry) State(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; ok {
		return StatePending, true
	}
	state, ok := r.outcomes[id]
	return state, ok
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// RecordResponse applies resp to its request. Pending requests accept
// APPROVED or DENIED; requests cleared by ClearExpired accept only CANCELLED.
// Every other case, including a second response for the same id, is a no-op
// returning false.
func (r *Registry) RecordResponse(resp Response) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.responded[resp.RequestID] {
		return false
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = r.now()
	}

	if it, ok := r.pending[resp.RequestID]; ok {
		if resp.Decision != Approved && resp.Decision != Denied {
			return false
		}
		r.removeLocked(it)
		r.outcomes[resp.RequestID] = StateDecided
	} else if r.outcomes[resp.RequestID] == StateExpired {
		if resp.Decision != Cancelled {
			return false
		}
	} else {
		return false
	}

	r.responded[resp.RequestID] = true
	r.history = append(r.history, resp)
	return true
}

// ClearExpired removes every pending request with ExpiresAt <= now and
// returns their ids ordered by expiry. The caller records the CANCELLED
// outcomes.
func (r *Registry) ClearExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*item
	for _, it := range r.pending {
		if !it.req.ExpiresAt.After(now) {
			expired = append(expired, it)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	sort.Slice(expired, func(i, j int) bool {
		a, b := expired[i].req, expired[j].req
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		return a.ID < b.ID
	})

	ids := make([]string, 0, len(expired))
	for _, it := range expired {
		r.removeLocked(it)
		r.outcomes[it.req.ID] = StateExpired
		ids = append(ids, it.req.ID)
	}
	return ids
}

// MarkProcessing records that resp is about to be sent to the peer.
func (r *Registry) MarkProcessing(resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processing[resp.RequestID] = &Processing{Response: resp, Since: r.now()}
}

// MarkDelivered records that the transport accepted the processing response.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.processing[id]; ok {
		p.Delivered = true
	}
}

// Acknowledge clears processing state once the peer confirms receipt.
func (r *Registry) Acknowledge(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processing[id]; !ok {
		return false
	}
	delete(r.processing, id)
	return true
}

// InFlight returns unacknowledged responses, oldest first.
func (r *Registry) InFlight() []Processing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Processing, 0, len(r.processing))
	for _, p := range r.processing {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].Response.RequestID < out[j].Response.RequestID
	})
	return out
}

// CleanupStaleProcessing drops processing entries older than maxAge, along
// with any pending request of the same id, and returns the dropped ids.
func (r *Registry) CleanupStaleProcessing(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var ids []string
	for id, p := range r.processing {
		if now.Sub(p.Since) > maxAge {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		delete(r.processing, id)
		if it, ok := r.pending[id]; ok {
			r.removeLocked(it)
			r.outcomes[id] = StateStale
		}
	}
	return ids
}

// Reset drops all pending and processing state and returns the dropped
// requests in OldestPending order. History is kept.
func (r *Registry) Reset() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := make([]Request, 0, len(r.order))
	for len(r.order) > 0 {
		it := heap.Pop(&r.order).(*item)
		delete(r.pending, it.req.ID)
		r.outcomes[it.req.ID] = StateReset
		dropped = append(dropped, it.req)
	}
	r.processing = make(map[string]*Processing)
	observability.SetPendingRequests(0)
	return dropped
}

// History returns recorded responses in the order they were recorded.
func (r *Registry) History() []Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Response, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Registry) removeLocked(it *item) {
	heap.Remove(&r.order, it.index)
	delete(r.pending, it.req.ID)
	observability.SetPendingRequests(len(r.pending))
}
