package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "attendance_notifier/internal/domain/channel"
	"attendance_notifier/internal/domain/dispatch"
	"attendance_notifier/internal/infra/database"

	"github.com/sirupsen/logrus"
)

// Emitter is the webhook relay's side of the gateway: fire-and-forget,
// never blocking, never failing the caller.
type Emitter interface {
	Emit(event string, payload any)
}

// StatusSnapshot is the queryable pairing/connection resource.
type StatusSnapshot struct {
	State           domain.State        `json:"state"`
	Connected       bool                `json:"connected"`
	User            *domain.SessionInfo `json:"user"`
	PairingArtifact *PairingArtifact    `json:"pairing_artifact"`
	Reason          string              `json:"reason,omitempty"`
}

// Config carries the gateway's timing knobs. Tests shrink them.
type Config struct {
	PingInterval   time.Duration
	PairingTimeout time.Duration
	PairRetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = 60 * time.Second
	}
	if c.PairRetryDelay <= 0 {
		c.PairRetryDelay = 2 * time.Second
	}
}

type commandKind int

const (
	cmdLogout commandKind = iota
	cmdStartPairing
)

// Gateway owns the channel session state machine. No other component
// mutates the session; the rest of the system reads IsConnected and
// subscribes to state events.
type Gateway struct {
	transport Transport
	store     SessionStore
	relay     Emitter // may be nil
	policy    dispatch.RetryPolicy
	cfg       Config
	log       *logrus.Entry

	mu       sync.RWMutex
	state    domain.State
	info     *domain.SessionInfo
	artifact *PairingArtifact
	reason   string
	subs     map[int]chan domain.StateEvent
	nextSub  int

	commands chan commandKind
}

var _ domain.Client = (*Gateway)(nil)

func NewGateway(transport Transport, store SessionStore, relay Emitter, policy dispatch.RetryPolicy, cfg Config, log *logrus.Entry) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		transport: transport,
		store:     store,
		relay:     relay,
		policy:    policy,
		cfg:       cfg,
		log:       log,
		state:     domain.StateUnauthenticated,
		subs:      make(map[int]chan domain.StateEvent),
		commands:  make(chan commandKind, 4),
	}
}

// Run drives the state machine until ctx is cancelled. It is the single
// event-consumption loop for the connection.
func (g *Gateway) Run(ctx context.Context) {
	for ctx.Err() == nil {
		switch g.State() {
		case domain.StateUnauthenticated:
			g.restoreOrPair(ctx)
		case domain.StatePairing:
			g.runPairing(ctx)
		case domain.StateConnected:
			g.runConnected(ctx)
		case domain.StateDisconnected:
			g.transition(domain.StateReconnecting, g.Reason())
		case domain.StateReconnecting:
			g.runReconnect(ctx)
		case domain.StateTerminated:
			g.waitTerminated(ctx)
		}
	}
}

func (g *Gateway) restoreOrPair(ctx context.Context) {
	creds, _, err := g.store.Load(ctx)
	if err != nil {
		if errors.Is(err, database.ErrNoSession) {
			g.transition(domain.StatePairing, "no stored session")
			return
		}
		g.log.WithError(err).Error("Failed to load stored channel session")
		g.transition(domain.StateDisconnected, "session store unavailable")
		return
	}

	info, err := g.transport.Restore(ctx, creds)
	switch {
	case err == nil:
		g.setInfo(info)
		g.transition(domain.StateConnected, "session restored")
	case errors.Is(err, ErrUnauthorized):
		g.log.Warn("Stored channel session rejected, clearing and re-pairing")
		if cerr := g.store.Clear(ctx); cerr != nil {
			g.log.WithError(cerr).Error("Failed to clear rejected session")
		}
		g.transition(domain.StatePairing, "stored session rejected")
	default:
		g.log.WithError(err).Error("Channel restore failed")
		g.transition(domain.StateDisconnected, err.Error())
	}
}

func (g *Gateway) runPairing(ctx context.Context) {
	for ctx.Err() == nil && g.State() == domain.StatePairing {
		select {
		case cmd := <-g.commands:
			if cmd == cmdLogout {
				g.terminate(ctx, "logout during pairing")
				return
			}
		default:
		}

		artifact, err := g.transport.Pair(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.WithError(err).Error("Failed to obtain pairing artifact")
			g.sleep(ctx, g.cfg.PairRetryDelay)
			continue
		}
		g.setArtifact(artifact)
		g.log.Info("Pairing artifact issued, waiting for out-of-band scan")

		deadline := time.Now().Add(g.cfg.PairingTimeout)
		if !artifact.ExpiresAt.IsZero() && artifact.ExpiresAt.Before(deadline) {
			deadline = artifact.ExpiresAt
		}
		hctx, cancel := context.WithDeadline(ctx, deadline)
		creds, info, err := g.transport.Handshake(hctx, artifact.Code)
		cancel()

		switch {
		case err == nil:
			if serr := g.store.Save(ctx, creds, info.User); serr != nil {
				g.log.WithError(serr).Error("Failed to persist channel session")
			}
			g.setArtifact(nil)
			g.setInfo(info)
			g.transition(domain.StateConnected, "pairing complete")
			return
		case errors.Is(err, ErrPairingExpired), errors.Is(err, context.DeadlineExceeded):
			// Artifact was not consumed in time; regenerate and keep waiting.
			g.log.Info("Pairing artifact expired, regenerating")
		case ctx.Err() != nil:
			return
		default:
			g.log.WithError(err).Error("Pairing handshake failed")
			g.sleep(ctx, g.cfg.PairRetryDelay)
		}
	}
}

func (g *Gateway) runConnected(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-g.commands:
			if cmd == cmdLogout {
				if err := g.transport.Logout(ctx); err != nil {
					g.log.WithError(err).Warn("Channel logout call failed")
				}
				g.terminate(ctx, "operator logout")
				return
			}
		case <-ticker.C:
			if err := g.transport.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				g.log.WithError(err).Warn("Channel ping failed, connection lost")
				g.transition(domain.StateDisconnected, err.Error())
				return
			}
			events, err := g.transport.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				g.log.WithError(err).Warn("Channel event poll failed, connection lost")
				g.transition(domain.StateDisconnected, err.Error())
				return
			}
			for _, ev := range events {
				if g.relay != nil {
					g.relay.Emit("channel."+ev.Type, ev)
				}
			}
		}
	}
}

func (g *Gateway) runReconnect(ctx context.Context) {
	for attempt := 0; ctx.Err() == nil; attempt++ {
		g.sleep(ctx, g.policy.Backoff(attempt))
		if ctx.Err() != nil {
			return
		}

		creds, _, err := g.store.Load(ctx)
		if err != nil {
			if errors.Is(err, database.ErrNoSession) {
				g.transition(domain.StatePairing, "no stored session")
				return
			}
			g.log.WithError(err).Error("Failed to load session during reconnect")
			continue
		}

		info, err := g.transport.Restore(ctx, creds)
		switch {
		case err == nil:
			g.setInfo(info)
			g.transition(domain.StateConnected, "reconnected")
			return
		case errors.Is(err, ErrUnauthorized):
			// The network invalidated the session remotely; a fresh
			// pairing is the only way back.
			if cerr := g.store.Clear(ctx); cerr != nil {
				g.log.WithError(cerr).Error("Failed to clear invalidated session")
			}
			g.transition(domain.StatePairing, "session invalidated by network")
			return
		default:
			g.log.WithError(err).WithField("attempt", attempt+1).Warn("Reconnect attempt failed")
		}
	}
}

func (g *Gateway) waitTerminated(ctx context.Context) {
	select {
	case <-ctx.Done():
	case cmd := <-g.commands:
		if cmd == cmdStartPairing {
			g.transition(domain.StatePairing, "operator requested pairing")
		}
	}
}

func (g *Gateway) terminate(ctx context.Context, reason string) {
	if err := g.store.Clear(ctx); err != nil {
		g.log.WithError(err).Error("Failed to clear session on terminate")
	}
	g.setInfo(nil)
	g.setArtifact(nil)
	g.transition(domain.StateTerminated, reason)
}

// SendMessage implements the domain Client. Sends while not connected are
// refused with ErrNotConnected so queued attempts simply accumulate.
func (g *Gateway) SendMessage(ctx context.Context, contact, text string) (string, error) {
	if !g.IsConnected() {
		return "", domain.ErrNotConnected
	}
	return g.transport.Send(ctx, contact, text)
}

func (g *Gateway) IsConnected() bool {
	return g.State() == domain.StateConnected
}

func (g *Gateway) State() domain.State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *Gateway) Reason() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reason
}

func (g *Gateway) Status() StatusSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return StatusSnapshot{
		State:           g.state,
		Connected:       g.state == domain.StateConnected,
		User:            g.info,
		PairingArtifact: g.artifact,
		Reason:          g.reason,
	}
}

// Logout requests a terminal logout; the session stays terminated until
// StartPairing is called.
func (g *Gateway) Logout() {
	select {
	case g.commands <- cmdLogout:
	default:
	}
}

// StartPairing re-arms a terminated gateway.
func (g *Gateway) StartPairing() {
	select {
	case g.commands <- cmdStartPairing:
	default:
	}
}

// Subscribe returns a buffered state-event stream and a cancel function.
func (g *Gateway) Subscribe() (<-chan domain.StateEvent, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextSub
	g.nextSub++
	ch := make(chan domain.StateEvent, 16)
	g.subs[id] = ch
	return ch, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if sub, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(sub)
		}
	}
}

func (g *Gateway) transition(next domain.State, reason string) {
	g.mu.Lock()
	prev := g.state
	g.state = next
	g.reason = reason
	subs := make([]chan domain.StateEvent, 0, len(g.subs))
	for _, ch := range g.subs {
		subs = append(subs, ch)
	}
	g.mu.Unlock()

	if prev == next {
		return
	}
	ev := domain.StateEvent{State: next, Reason: reason, At: time.Now()}
	g.log.WithFields(logrus.Fields{"from": prev, "to": next, "reason": reason}).Info("Channel state changed")
	for _, ch := range subs {
		select {
		case ch <- ev:
		default: // slow subscriber, drop rather than block the gateway
		}
	}
	if g.relay != nil {
		g.relay.Emit("channel.status", ev)
	}
}

func (g *Gateway) setInfo(info *domain.SessionInfo) {
	g.mu.Lock()
	g.info = info
	g.mu.Unlock()
}

func (g *Gateway) setArtifact(a *PairingArtifact) {
	g.mu.Lock()
	g.artifact = a
	g.mu.Unlock()
}

func (g *Gateway) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
