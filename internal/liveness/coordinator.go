package liveness

import (
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/rs/zerolog/log"
)

// Reason names the host event that caused a trigger.
type Reason string

const (
	ReasonResume          Reason = "resume"
	ReasonBackNavigation  Reason = "back_navigation"
	ReasonPointerDown     Reason = "pointer_down"
	ReasonPresenceSettled Reason = "presence_settled"
)

// TriggerContext is supplied by the host on every trigger.
// ActiveCall is set only by the real-time call screen.
type TriggerContext struct {
	Reason     Reason
	ActiveCall bool
}

// Outcome summarizes what one trigger did.
type Outcome string

const (
	// OutcomeRetried: endpoints retried, no presence session in play.
	OutcomeRetried Outcome = "retried"
	// OutcomeDeferred: presence config pending or absent, signal deferred.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSettled: config settled, no signal needed or call screen exempt.
	OutcomeSettled Outcome = "settled"
	OutcomeSignaled Outcome = "signaled"
	OutcomeFailed   Outcome = "failed"
)

// Coordinator retries pending connections and decides whether presence
// activity is announced now or deferred until negotiation settles.
type Coordinator struct {
	host          string
	refs          *References
	pendingSignal bool
}

func NewCoordinator(host string, refs *References) *Coordinator {
	return &Coordinator{host: host, refs: refs}
}

// PendingSignal reports whether a presence signal is deferred.
func (c *Coordinator) PendingSignal() bool {
	return c.pendingSignal
}

// Trigger runs one retry/signal pass. It never returns a failure to the
// caller; a failed collaborator call ends the pass and is logged.
func (c *Coordinator) Trigger(tc TriggerContext) Outcome {
	outcome, err := c.retryAndSignal(tc)
	if err != nil {
		log.Warn().
			Err(err).
			Str("host", c.host).
			Str("reason", string(tc.Reason)).
			Bool("pending_signal", c.pendingSignal).
			Msg("liveness.trigger failed")
		outcome = OutcomeFailed
	} else {
		log.Debug().
			Str("host", c.host).
			Str("reason", string(tc.Reason)).
			Str("outcome", string(outcome)).
			Bool("pending_signal", c.pendingSignal).
			Msg("liveness.trigger")
	}
	observability.RecordTrigger(c.host, string(tc.Reason), string(outcome))
	observability.SetPresenceDeferred(c.host, c.pendingSignal)
	return outcome
}

// OnPresenceConfigSettled re-runs Trigger while a signal is deferred.
// The flag itself is only cleared by Trigger observing a settled config.
func (c *Coordinator) OnPresenceConfigSettled(tc TriggerContext) {
	if !c.pendingSignal {
		return
	}
	tc.Reason = ReasonPresenceSettled
	c.Trigger(tc)
}

// Refresh resolves any unresolved collaborator handle without running a
// retry pass. A failed lookup is logged and returned.
func (c *Coordinator) Refresh() error {
	err := call("resolve", c.refs.Resolve)
	if err != nil {
		log.Warn().Err(err).Str("host", c.host).Msg("liveness.refresh failed")
	}
	return err
}

// Release forgets cached collaborator handles at scope end.
func (c *Coordinator) Release() {
	c.refs.Release()
}

func (c *Coordinator) retryAndSignal(tc TriggerContext) (Outcome, error) {
	if err := call("resolve", c.refs.Resolve); err != nil {
		return OutcomeFailed, err
	}

	if primary := c.refs.Primary(); primary != nil {
		if err := call("primary.retry_pending_connections", primary.RetryPendingConnections); err != nil {
			return OutcomeFailed, err
		}
	}

	var session PresenceSession
	if err := call("presence.resolve", func() { session = c.refs.Presence() }); err != nil {
		return OutcomeFailed, err
	}
	if session == nil {
		return OutcomeRetried, nil
	}

	if err := attempt("presence.retry_pending_connections", func() error {
		return session.RetryPendingConnections(false)
	}); err != nil {
		return OutcomeFailed, err
	}

	var cfg *PresenceConfig
	if err := call("presence.config", func() { cfg = session.PresenceConfig() }); err != nil {
		return OutcomeFailed, err
	}
	if cfg == nil || cfg.Pending {
		c.pendingSignal = true
		return OutcomeDeferred, nil
	}
	c.pendingSignal = false

	if tc.ActiveCall {
		return OutcomeSettled, nil
	}
	var required bool
	if err := call("presence.is_signal_required", func() { required = session.IsSignalRequired() }); err != nil {
		return OutcomeFailed, err
	}
	if !required {
		return OutcomeSettled, nil
	}
	if err := attempt("presence.signal_activity", session.SignalActivity); err != nil {
		return OutcomeFailed, err
	}
	log.Debug().Str("host", c.host).Msg("liveness.presence activity signaled")
	return OutcomeSignaled, nil
}
