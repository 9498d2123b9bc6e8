// Package console wires operator actions and inbound simulation traffic to
// the registry, the ledger, and the transport session.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/alert"
	"github.com/ppiankov/hitlwatch/internal/ledger"
	"github.com/ppiankov/hitlwatch/internal/observability"
	"github.com/ppiankov/hitlwatch/internal/registry"
	"github.com/ppiankov/hitlwatch/internal/transport"
	"github.com/ppiankov/hitlwatch/internal/wire"
)

var (
	ErrNotPending      = errors.New("console: request is not pending")
	ErrInvalidDecision = errors.New("console: decision must be APPROVED or DENIED")
	ErrNotConnected    = errors.New("console: not connected")
	ErrEmptyCommand    = errors.New("console: instructor command required")
)

// Sender delivers payloads to the peer. *transport.Session implements it.
type Sender interface {
	Send(wire.Payload) bool
}

type stateReporter interface {
	State() transport.State
}

// Config configures a Console.
type Config struct {
	SessionID            string
	PollInterval         time.Duration
	StaleProcessingAfter time.Duration
	// VerifyInterval enables periodic chain verification in Run.
	VerifyInterval time.Duration
	// Clock defaults to time.Now. It should match the registry clock.
	Clock  func() time.Time
	Logger *zerolog.Logger
	Alerts *alert.Dispatcher
}

// SafeMode is the simulation's safe-mode state as last reported.
type SafeMode struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	CanResume bool      `json:"can_resume"`
	Since     time.Time `json:"since,omitzero"`
}

// Decision is the result of an operator decision.
type Decision struct {
	Response  registry.Response `json:"response"`
	Sequence  uint64            `json:"ledger_sequence"`
	Delivered bool              `json:"delivered"`
}

// Status is a point-in-time view of the console.
type Status struct {
	SessionID     string          `json:"session_id"`
	Transport     transport.State `json:"transport"`
	Pending       int             `json:"pending"`
	InFlight      int             `json:"in_flight"`
	SafeMode      SafeMode        `json:"safe_mode"`
	LedgerIntact  bool            `json:"ledger_intact"`
	Ledger        ledger.Summary  `json:"ledger"`
	LedgerDigest  string          `json:"ledger_digest"`
	AlertWebhooks int             `json:"alert_webhooks"`
	StaleAfter    string          `json:"stale_processing_after"`
	Subscribers   int             `json:"subscribers"`
}

// Console is the orchestrator. It implements transport.Handler.
type Console struct {
	id     string
	ledger *ledger.Ledger[Event]
	reg    *registry.Registry
	poller *registry.Poller
	now    func() time.Time
	log    zerolog.Logger

	verifyInterval time.Duration
	verify         func() ledger.VerifyResult

	sender atomic.Pointer[senderBox]
	alerts atomic.Pointer[alert.Dispatcher]

	mu            sync.Mutex
	transport     transport.Status
	safeMode      SafeMode
	retiredAlerts []*alert.Dispatcher

	integrityBroken atomic.Bool

	observersMu sync.Mutex
	observers   []func(Status)

	subsMu sync.Mutex
	subs   map[int]chan wire.Envelope
	nextID int
}

type senderBox struct{ s Sender }

// New creates a console over an existing ledger and registry.
func New(l *ledger.Ledger[Event], reg *registry.Registry, cfg Config) *Console {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := observability.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	c := &Console{
		id:             cfg.SessionID,
		ledger:         l,
		reg:            reg,
		now:            now,
		log:            logger.With().Str("component", "console").Str("session_id", cfg.SessionID).Logger(),
		verifyInterval: cfg.VerifyInterval,
		verify:         l.Verify,
		transport:      transport.StatusDisconnected,
		subs:           make(map[int]chan wire.Envelope),
	}
	c.alerts.Store(cfg.Alerts)
	c.poller = registry.NewPoller(reg, cfg.PollInterval, cfg.StaleProcessingAfter)
	c.poller.OnExpired = c.onExpired
	c.poller.OnStale = c.onStale
	return c
}

// Bind sets the transport used for outbound payloads.
func (c *Console) Bind(s Sender) {
	c.sender.Store(&senderBox{s: s})
}

// SetAlerts swaps the alert dispatcher. A nil dispatcher disables alerts.
func (c *Console) SetAlerts(d *alert.Dispatcher) {
	if prev := c.alerts.Swap(d); prev != nil {
		c.mu.Lock()
		c.retiredAlerts = append(c.retiredAlerts, prev)
		c.mu.Unlock()
	}
}

// FlushAlerts waits for in-flight alert deliveries, including those started
// by dispatchers replaced through SetAlerts, until ctx ends.
func (c *Console) FlushAlerts(ctx context.Context) error {
	c.mu.Lock()
	pending := append([]*alert.Dispatcher{c.alerts.Load()}, c.retiredAlerts...)
	c.retiredAlerts = nil
	c.mu.Unlock()

	for _, d := range pending {
		if err := d.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SetStaleAfter changes how long a sent decision may wait for its ack.
func (c *Console) SetStaleAfter(d time.Duration) {
	c.poller.SetStaleAfter(d)
}

// OnStatus registers fn to be called after transport or integrity changes.
func (c *Console) OnStatus(fn func(Status)) {
	c.observersMu.Lock()
	c.observers = append(c.observers, fn)
	c.observersMu.Unlock()
}

// SessionID returns the console session id.
func (c *Console) SessionID() string { return c.id }

// Ledger returns the session ledger.
func (c *Console) Ledger() *ledger.Ledger[Event] { return c.ledger }

// Registry returns the authorization registry.
func (c *Console) Registry() *registry.Registry { return c.reg }

// Run drives request expiry and periodic verification until ctx is done. It
// returns only after the expiry poller has stopped.
func (c *Console) Run(ctx context.Context) error {
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		c.poller.Run(ctx)
	}()
	defer func() { <-pollerDone }()

	if c.verifyInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.verifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.VerifyLedger()
		}
	}
}

// Poll runs one expiry and stale-processing sweep immediately.
func (c *Console) Poll() {
	c.poller.Poll()
}

// HandleEnvelope dispatches one validated inbound envelope.
func (c *Console) HandleEnvelope(env wire.Envelope) {
	switch p := env.Payload.(type) {
	case wire.Heartbeat:
		// acknowledged by the transport
	case wire.AuthRequest:
		c.onAuthRequest(p)
	case wire.AuthResponseAck:
		c.onAck(p)
	case wire.SafeModeActive:
		c.onSafeModeActive(p)
	case wire.SafeModeCleared:
		c.onSafeModeCleared(p)
	case wire.HeartbeatAck, wire.AuthResponse, wire.InstructorControl:
		c.log.Debug().Str("kind", string(p.Kind())).Msg("outbound-only payload received from peer")
	case wire.Unknown:
		c.log.Debug().Str("kind", string(p.Type)).Msg("forwarding unknown payload")
	}
	c.broadcast(env)
}

// StatusChanged records connection transitions and re-sends unacknowledged
// decisions after a reconnect.
func (c *Console) StatusChanged(prev, next transport.Status) {
	c.mu.Lock()
	c.transport = next
	c.mu.Unlock()

	switch next {
	case transport.StatusConnected:
		c.record(Event{Kind: KindConnection, Status: string(next)})
		c.resendInFlight()
	case transport.StatusError:
		reason := c.lastTransportError()
		c.record(Event{Kind: KindConnection, Status: string(next), Reason: reason})
		if prev == transport.StatusConnected {
			c.alert(alert.Event{Type: alert.TypeConnectionLost, Reason: reason, Severity: alert.SeverityWarning})
		}
	case transport.StatusDisconnected:
		c.record(Event{Kind: KindConnection, Status: string(next), Reason: "operator disconnect"})
	}
	c.notify()
}

func (c *Console) lastTransportError() string {
	if box := c.sender.Load(); box != nil {
		if sr, ok := box.s.(stateReporter); ok {
			return sr.State().LastError
		}
	}
	return ""
}

func (c *Console) onAuthRequest(p wire.AuthRequest) {
	req := registry.Request{
		ID:             p.RequestID,
		EntityID:       p.EntityID,
		ActionType:     p.ActionType,
		TargetID:       p.TargetID,
		Confidence:     p.Confidence,
		RiskEstimate:   registry.Risk(p.RiskEstimate),
		CollateralRisk: registry.Risk(p.CollateralRisk),
		Rationale:      p.Rationale,
		TimeoutSec:     p.TimeoutSec,
		ReceivedAt:     c.now(),
	}
	if !c.reg.AddRequest(req) {
		return
	}
	c.log.Info().Str("request_id", p.RequestID).Str("action_type", p.ActionType).Uint32("timeout_sec", p.TimeoutSec).Msg("authorization requested")
	c.record(Event{
		Kind:           KindAuthRequest,
		RequestID:      p.RequestID,
		EntityID:       p.EntityID,
		ActionType:     p.ActionType,
		TargetID:       p.TargetID,
		Confidence:     p.Confidence,
		RiskEstimate:   p.RiskEstimate,
		CollateralRisk: p.CollateralRisk,
		Rationale:      p.Rationale,
		TimeoutSec:     p.TimeoutSec,
	})
}

// Decide records an operator decision for a pending request, appends it to
// the ledger, and sends it to the peer. An undelivered decision stays in
// flight and is re-sent on the next reconnect.
func (c *Console) Decide(ctx context.Context, id string, decision registry.Decision, rationale string, conditions []string) (Decision, error) {
	if decision != registry.Approved && decision != registry.Denied {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	resp := registry.Response{
		RequestID:   id,
		Decision:    decision,
		Rationale:   strings.TrimSpace(rationale),
		RespondedAt: c.now(),
	}
	if !c.reg.RecordResponse(resp) {
		return Decision{}, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	c.reg.MarkProcessing(resp)
	observability.RecordDecision(string(decision))

	// The registry already holds the decision, so the entry must be written
	// even when the caller gives up.
	entry, err := c.ledger.Append(context.WithoutCancel(ctx), Event{
		Timestamp:  stamp(resp.RespondedAt),
		Kind:       KindAuthDecision,
		SessionID:  c.id,
		RequestID:  id,
		Decision:   string(decision),
		Rationale:  resp.Rationale,
		Conditions: conditions,
	})
	if err != nil {
		c.log.Error().Err(err).Str("request_id", id).Msg("ledger append failed for decision")
	}

	delivered := c.sendResponse(resp, conditions)
	c.log.Info().Str("request_id", id).Str("decision", string(decision)).Bool("delivered", delivered).Msg("operator decision")
	return Decision{Response: resp, Sequence: entry.Sequence, Delivered: delivered}, err
}

func (c *Console) sendResponse(resp registry.Response, conditions []string) bool {
	if conditions == nil {
		conditions = []string{}
	}
	ok := c.send(wire.AuthResponse{
		RequestID:  resp.RequestID,
		Decision:   string(resp.Decision),
		Rationale:  resp.Rationale,
		Conditions: conditions,
	})
	if ok {
		c.reg.MarkDelivered(resp.RequestID)
	}
	return ok
}

func (c *Console) onExpired(ids []string, now time.Time) {
	for _, id := range ids {
		resp := registry.Response{
			RequestID:   id,
			Decision:    registry.Cancelled,
			Rationale:   "operator did not respond before timeout",
			RespondedAt: now,
		}
		if !c.reg.RecordResponse(resp) {
			continue
		}
		c.reg.MarkProcessing(resp)
		observability.RecordDecision(string(registry.Cancelled))
		c.record(Event{
			Timestamp: stamp(now),
			Kind:      KindAuthDecision,
			RequestID: id,
			Decision:  string(registry.Cancelled),
			Rationale: resp.Rationale,
			Reason:    "timeout",
		})
		delivered := c.sendResponse(resp, nil)
		c.log.Warn().Str("request_id", id).Bool("delivered", delivered).Msg("authorization request timed out")
		c.alert(alert.Event{Type: alert.TypeAuthTimeout, RequestID: id, Reason: resp.Rationale, Severity: alert.SeverityWarning})
	}
}

func (c *Console) onStale(ids []string) {
	c.log.Warn().Strs("request_ids", ids).Msg("dropping unacknowledged decisions")
	c.record(Event{
		Kind:       KindAuthStaleDropped,
		RequestIDs: ids,
		Reason:     "no acknowledgement from peer",
	})
}

func (c *Console) onAck(p wire.AuthResponseAck) {
	if !c.reg.Acknowledge(p.RequestID) {
		c.log.Debug().Str("request_id", p.RequestID).Msg("ack for unknown or already acknowledged decision")
		return
	}
	if !p.Accepted {
		c.log.Warn().Str("request_id", p.RequestID).Str("reason", p.Reason).Msg("peer rejected decision")
	}
	accepted := p.Accepted
	c.record(Event{
		Kind:      KindAuthAck,
		RequestID: p.RequestID,
		Accepted:  &accepted,
		Reason:    p.Reason,
	})
}

func (c *Console) resendInFlight() {
	for _, p := range c.reg.InFlight() {
		if c.sendResponse(p.Response, nil) {
			c.log.Info().Str("request_id", p.Response.RequestID).Msg("re-sent unacknowledged decision")
		}
	}
}

func (c *Console) onSafeModeActive(p wire.SafeModeActive) {
	c.mu.Lock()
	c.safeMode = SafeMode{Active: true, Reason: p.Reason, CanResume: p.CanResume, Since: c.now().UTC()}
	c.mu.Unlock()

	c.log.Warn().Str("reason", p.Reason).Bool("can_resume", p.CanResume).Msg("simulation entered safe mode")
	c.record(Event{Kind: KindSafeModeActive, Reason: p.Reason, Status: canResume(p.CanResume)})
	severity := alert.SeverityError
	if !p.CanResume {
		severity = alert.SeverityCritical
	}
	c.alert(alert.Event{Type: alert.TypeSafeMode, Reason: p.Reason, Severity: severity})
}

func canResume(ok bool) string {
	if ok {
		return "resumable"
	}
	return "halted"
}

func (c *Console) onSafeModeCleared(p wire.SafeModeCleared) {
	c.mu.Lock()
	c.safeMode = SafeMode{}
	c.mu.Unlock()

	c.log.Info().Str("reason", p.Reason).Msg("simulation left safe mode")
	c.record(Event{Kind: KindSafeModeCleared, Reason: p.Reason})
}

// Instructor forwards an instructor command to the peer and records it. The
// reset command also clears all pending requests locally.
func (c *Console) Instructor(ctx context.Context, command string, params map[string]any) (bool, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return false, ErrEmptyCommand
	}
	if command == "reset" {
		c.Reset(ctx, "instructor reset")
	}
	if _, err := c.ledger.Append(context.WithoutCancel(ctx), Event{
		Timestamp: stamp(c.now()),
		Kind:      KindInstructorControl,
		SessionID: c.id,
		Command:   command,
	}); err != nil {
		return false, fmt.Errorf("console: record instructor command: %w", err)
	}
	if !c.send(wire.InstructorControl{Command: command, Params: params}) {
		return false, ErrNotConnected
	}
	return true, nil
}

// Reset drops every pending request and records the dropped ids in one
// session_reset entry.
func (c *Console) Reset(ctx context.Context, reason string) []string {
	dropped := c.reg.Reset()
	ids := make([]string, 0, len(dropped))
	for _, r := range dropped {
		ids = append(ids, r.ID)
	}
	c.log.Info().Int("dropped", len(ids)).Str("reason", reason).Msg("session reset")
	if _, err := c.ledger.Append(context.WithoutCancel(ctx), Event{
		Timestamp:  stamp(c.now()),
		Kind:       KindSessionReset,
		SessionID:  c.id,
		RequestIDs: ids,
		Reason:     reason,
	}); err != nil {
		c.log.Error().Err(err).Msg("ledger append failed for reset")
	}
	return ids
}

// VerifyLedger verifies the chain. The first failure latches the console into
// the integrity-violation state; appends continue afterwards.
func (c *Console) VerifyLedger() ledger.VerifyResult {
	result := c.verify()
	if result.Valid || !c.integrityBroken.CompareAndSwap(false, true) {
		return result
	}

	var index uint64
	if result.FirstBadIndex != nil {
		index = *result.FirstBadIndex
	}
	c.log.Error().Uint64("first_bad_index", index).Str("reason", result.Error).Msg("ledger integrity violation")
	c.record(Event{
		Kind:   KindIntegrityViolation,
		Reason: fmt.Sprintf("entry %d: %s", index, result.Error),
	})
	c.alert(alert.Event{
		Type:     alert.TypeIntegrityViolation,
		Reason:   fmt.Sprintf("chain broken at entry %d: %s", index, result.Error),
		Severity: alert.SeverityCritical,
	})
	c.notify()
	return result
}

// LedgerIntact reports whether every verification so far has passed.
func (c *Console) LedgerIntact() bool {
	return !c.integrityBroken.Load()
}

// Status returns a snapshot of the console.
func (c *Console) Status() Status {
	c.mu.Lock()
	ts := transport.State{Status: c.transport}
	safe := c.safeMode
	c.mu.Unlock()
	if box := c.sender.Load(); box != nil {
		if sr, ok := box.s.(stateReporter); ok {
			ts = sr.State()
		}
	}

	c.subsMu.Lock()
	subs := len(c.subs)
	c.subsMu.Unlock()

	return Status{
		SessionID:     c.id,
		Transport:     ts,
		Pending:       c.reg.Len(),
		InFlight:      len(c.reg.InFlight()),
		SafeMode:      safe,
		LedgerIntact:  c.LedgerIntact(),
		Ledger:        c.ledger.Summary(),
		LedgerDigest:  c.ledger.Digest(),
		AlertWebhooks: c.alerts.Load().Len(),
		StaleAfter:    c.poller.StaleAfter().String(),
		Subscribers:   subs,
	}
}

// Subscribe returns a channel of inbound envelopes for UI collaborators and a
// cancel func. Slow subscribers miss envelopes rather than blocking dispatch.
func (c *Console) Subscribe() (<-chan wire.Envelope, func()) {
	ch := make(chan wire.Envelope, 64)
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

func (c *Console) broadcast(env wire.Envelope) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- env:
		default:
			observability.RecordDroppedMessage("subscriber_full")
		}
	}
}

func (c *Console) send(p wire.Payload) bool {
	box := c.sender.Load()
	if box == nil {
		return false
	}
	return box.s.Send(p)
}

// record appends ev with the session id and current time filled in.
func (c *Console) record(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = stamp(c.now())
	}
	ev.SessionID = c.id
	if _, err := c.ledger.Append(context.Background(), ev); err != nil {
		c.log.Error().Err(err).Str("kind", ev.Kind).Msg("ledger append failed")
	}
}

func (c *Console) alert(ev alert.Event) {
	d := c.alerts.Load()
	if d == nil {
		return
	}
	ev.Timestamp = stamp(c.now())
	ev.SessionID = c.id
	d.Dispatch(ev)
}

func (c *Console) notify() {
	c.observersMu.Lock()
	observers := append([]func(Status){}, c.observers...)
	c.observersMu.Unlock()
	if len(observers) == 0 {
		return
	}
	st := c.Status()
	for _, fn := range observers {
		fn(st)
	}
}
