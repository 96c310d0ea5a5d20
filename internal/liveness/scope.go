package liveness

import (
	"github.com/danmuck/presencectl/internal/events"
	"github.com/rs/zerolog/log"
)

// ScopeConfig binds a scope to its host.
type ScopeConfig struct {
	Host string
	Bus  *events.Bus
	// Post schedules fn on the host's serial loop. It reports false once the
	// loop is gone.
	Post       func(fn func()) bool
	ActiveCall bool
}

// Scope holds the notification subscriptions of one hosting lifecycle
// instance. Subscriptions are taken in OpenScope and dropped in Close.
type Scope struct {
	cfg         ScopeConfig
	coordinator *Coordinator
	recovery    *RecoveryController
	subs        []*events.Subscription
	closed      bool
}

func OpenScope(cfg ScopeConfig, coordinator *Coordinator, recovery *RecoveryController) *Scope {
	s := &Scope{cfg: cfg, coordinator: coordinator, recovery: recovery}
	if cfg.Bus == nil {
		return s
	}
	s.subs = append(s.subs,
		cfg.Bus.Subscribe(events.KindVerificationFailed, s.onVerificationFailed),
		cfg.Bus.Subscribe(events.KindPresenceConfigSettled, s.onPresenceConfigSettled),
	)
	return s
}

func (s *Scope) onVerificationFailed(ev events.Event) {
	s.post("verification_failed", func() {
		log.Debug().Err(ev.Err).Str("host", s.cfg.Host).Str("source", ev.Source).Msg("liveness.scope verification failure received")
		s.recovery.OnVerificationFailed(ev.Source)
	})
}

func (s *Scope) onPresenceConfigSettled(ev events.Event) {
	s.post("presence_config_settled", func() {
		s.coordinator.OnPresenceConfigSettled(TriggerContext{
			Reason:     ReasonPresenceSettled,
			ActiveCall: s.cfg.ActiveCall,
		})
	})
}

func (s *Scope) post(kind string, fn func()) {
	if s.cfg.Post == nil {
		return
	}
	ok := s.cfg.Post(func() {
		if s.closed {
			return
		}
		fn()
	})
	if !ok {
		log.Debug().Str("host", s.cfg.Host).Str("event", kind).Msg("liveness.scope event dropped after host loop stopped")
	}
}

// Close drops subscriptions and releases cached handles. Must run on the
// host loop. Safe to call more than once.
func (s *Scope) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, sub := range s.subs {
		sub.Close()
	}
	s.subs = nil
	s.coordinator.Release()
}

func (s *Scope) Closed() bool {
	return s.closed
}
