package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/hitlwatch/internal/observability"
	"github.com/ppiankov/hitlwatch/internal/wire"
)

type frame struct {
	data []byte
	err  error
}

// simClock tracks the simulation clock of the last valid inbound envelope so
// outbound envelopes carry the peer's notion of time.
type simClock struct {
	time      time.Time
	tick      uint64
	timeScale float64
}

// Session is a reconnecting, heartbeat-monitored connection to the peer.
type Session struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	log     zerolog.Logger
	now     func() time.Time

	// lifecycle serializes Connect and Disconnect so a Disconnect's final
	// status can never land on top of a newer session loop.
	lifecycle sync.Mutex

	// sleep waits out a reconnect delay; false means stop.
	sleep func(ctx context.Context, d time.Duration) bool

	mu     sync.Mutex
	state  State
	conn   Conn
	sim    simClock
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
	seq     atomic.Uint64
}

// NewSession creates a disconnected session. Call Connect to start it.
func NewSession(cfg Config, dialer Dialer, handler Handler, logger *zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = WebSocketDialer{ReadLimit: int64(cfg.MaxMessageSize) * 8}
	}
	if logger == nil {
		logger = observability.Nop()
	}
	s := &Session{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		log:     logger.With().Str("component", "transport").Str("peer", cfg.URL).Logger(),
		now:     time.Now,
		state:   State{Status: StatusDisconnected},
	}
	s.sleep = s.wait
	observability.SetTransportStatus(string(StatusDisconnected), allStatuses)
	return s
}

// Connect starts the session loop. It is a no-op while the loop is running.
func (s *Session) Connect() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Disconnect closes the connection without scheduling a reconnect and waits
// for the session loop and all of its timers to stop. Handlers must not call
// Connect or Disconnect.
func (s *Session) Disconnect() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.setStatus(StatusDisconnected, nil)

	s.mu.Lock()
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
}

// Close is Disconnect.
func (s *Session) Close() error {
	s.Disconnect()
	return nil
}

// State returns a snapshot of the connection session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send encodes payload in an envelope and writes it. It returns false when
// not connected, when the payload is invalid, when the envelope exceeds the
// size cap, or when the write fails. Nothing is retried.
func (s *Session) Send(payload wire.Payload) bool {
	s.mu.Lock()
	conn := s.conn
	connected := s.state.Status == StatusConnected
	s.mu.Unlock()
	if conn == nil || !connected {
		observability.RecordRejectedSend("not_connected")
		s.log.Debug().Str("kind", string(payload.Kind())).Msg("send rejected: not connected")
		return false
	}
	return s.write(conn, payload)
}

func (s *Session) write(conn Conn, payload wire.Payload) bool {
	data, err := wire.Encode(s.envelope(payload), s.cfg.MaxMessageSize)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, wire.ErrMessageTooLarge) {
			reason = "oversized"
		}
		observability.RecordRejectedSend(reason)
		s.log.Warn().Err(err).Str("kind", string(payload.Kind())).Str("reason", reason).Msg("send rejected")
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		observability.RecordRejectedSend("write_error")
		s.log.Warn().Err(err).Str("kind", string(payload.Kind())).Msg("send failed")
		return false
	}
	return true
}

func (s *Session) envelope(payload wire.Payload) wire.Envelope {
	now := s.now().UTC()
	s.mu.Lock()
	sim := s.sim
	s.mu.Unlock()
	if sim.time.IsZero() {
		sim = simClock{time: now, timeScale: 1}
	}
	return wire.Envelope{
		SchemaVersion: s.cfg.SchemaVersion,
		TimestampUTC:  now,
		SimTimeUTC:    sim.time,
		SimTick:       sim.tick,
		Seq:           s.seq.Add(1),
		SourceSystem:  s.cfg.SourceSystem,
		TimeScale:     sim.timeScale,
		Payload:       payload,
	}
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		s.setStatus(StatusConnecting, nil)

		conn, err := s.dial(ctx)
		if err == nil {
			attempt = 0
			s.mu.Lock()
			s.conn = conn
			s.state.ReconnectAttempt = 0
			s.state.MissedHeartbeats = 0
			s.mu.Unlock()
			s.log.Info().Msg("connected")
			s.setStatus(StatusConnected, nil)

			err = s.serve(ctx, conn)

			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
		}
		if ctx.Err() != nil {
			return
		}
		s.setStatus(StatusError, err)

		delay := s.cfg.Backoff.Delay(attempt)
		attempt++
		s.mu.Lock()
		s.state.ReconnectAttempt = attempt
		s.mu.Unlock()
		observability.RecordReconnectScheduled()
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

		if !s.sleep(ctx, delay) {
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	if s.cfg.URL == "" {
		return nil, ErrNoURL
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	return s.dialer.Dial(dialCtx, s.cfg.URL)
}

func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve runs one connection until it fails, the heartbeat is lost, or ctx is
// cancelled. The reader goroutine has exited and conn is closed on return.
func (s *Session) serve(ctx context.Context, conn Conn) error {
	readCtx, cancelRead := context.WithCancel(ctx)
	frames := make(chan frame)
	readerDone := make(chan struct{})
	go s.readLoop(readCtx, conn, frames, readerDone)

	closeReason := "session closed"
	defer func() {
		cancelRead()
		conn.Close(closeReason)
		<-readerDone
	}()

	watchdog := time.NewTimer(s.cfg.HeartbeatTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f := <-frames:
			if f.err != nil {
				closeReason = "read error"
				return f.err
			}
			s.receive(conn, f.data, watchdog)

		case <-watchdog.C:
			s.mu.Lock()
			s.state.MissedHeartbeats++
			missed := s.state.MissedHeartbeats
			s.mu.Unlock()
			observability.RecordMissedHeartbeat()
			s.log.Warn().Int("missed", missed).Int("max", s.cfg.MaxMissedHeartbeats).Msg("heartbeat missed")

			if missed >= s.cfg.MaxMissedHeartbeats {
				closeReason = "heartbeat timeout"
				return ErrHeartbeatLost
			}
			watchdog.Reset(s.cfg.HeartbeatTimeout)
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn, frames chan<- frame, done chan<- struct{}) {
	defer close(done)
	for {
		data, err := conn.Read(ctx)
		select {
		case frames <- frame{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) receive(conn Conn, data []byte, watchdog *time.Timer) {
	if len(data) > s.cfg.MaxMessageSize {
		s.drop("oversized", wire.ErrMessageTooLarge, len(data))
		return
	}
	env, err := wire.Decode(data, s.cfg.MaxMessageSize)
	if err != nil {
		s.drop(dropReason(err), err, len(data))
		return
	}

	s.mu.Lock()
	s.sim = simClock{time: env.SimTimeUTC, tick: env.SimTick, timeScale: env.TimeScale}
	s.mu.Unlock()

	if hb, ok := env.Payload.(wire.Heartbeat); ok {
		s.mu.Lock()
		s.state.MissedHeartbeats = 0
		s.state.LastHeartbeatAt = s.now().UTC()
		s.mu.Unlock()
		watchdog.Reset(s.cfg.HeartbeatTimeout)
		s.write(conn, wire.HeartbeatAck{Seq: hb.Seq})
	}

	if s.handler != nil {
		s.handler.HandleEnvelope(env)
	}
}

func (s *Session) drop(reason string, err error, size int) {
	observability.RecordDroppedMessage(reason)
	s.log.Warn().Err(err).Str("reason", reason).Int("bytes", size).Msg("inbound message dropped")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrMessageTooLarge):
		return "oversized"
	case errors.Is(err, wire.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, wire.ErrInvalidPayload), errors.Is(err, wire.ErrMissingPayload), errors.Is(err, wire.ErrMissingPayloadID):
		return "invalid_payload"
	default:
		return "invalid_envelope"
	}
}

func (s *Session) setStatus(next Status, cause error) {
	s.mu.Lock()
	prev := s.state.Status
	s.state.Status = next
	if cause != nil {
		s.state.LastError = cause.Error()
	} else if next == StatusConnected {
		s.state.LastError = ""
	}
	s.mu.Unlock()

	if prev == next {
		return
	}
	observability.SetTransportStatus(string(next), allStatuses)
	s.log.Debug().Str("from", string(prev)).Str("status", string(next)).Msg("status changed")
	if s.handler != nil {
		s.handler.StatusChanged(prev, next)
	}
}
