package host

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/presencectl/internal/events"
	"github.com/danmuck/presencectl/internal/liveness"
	"github.com/rs/zerolog/log"
)

var ErrNotCreated = errors.New("host: activity not created")

// AccountRefresher requests fresh account details, rate limited by the
// implementation.
type AccountRefresher interface {
	RefreshAccountInfo(ctx context.Context) (bool, error)
}

type Config struct {
	Name string
	// ActiveCall marks the real-time call screen. It never signals presence.
	ActiveCall bool
}

// Deps are the process-wide collaborators a hosting instance resolves.
type Deps struct {
	Resolver  liveness.Resolver
	Bus       *events.Bus
	Presenter liveness.PromptPresenter
	Navigator liveness.Navigator
	Notifier  Notifier
	Accounts  AccountRefresher
}

// Snapshot is the observable state of one activity.
type Snapshot struct {
	Name          string                 `json:"name"`
	Created       bool                   `json:"created"`
	ActiveCall    bool                   `json:"active_call"`
	PendingSignal bool                   `json:"pending_signal"`
	Recovery      liveness.RecoveryState `json:"recovery_state"`
	Prompt        *liveness.Prompt       `json:"prompt,omitempty"`
}

// Activity is one hosting lifecycle instance. Lifecycle hooks are called
// from any goroutine and run serially on the activity's Loop.
type Activity struct {
	cfg  Config
	deps Deps
	loop *Loop

	coordinator *liveness.Coordinator
	recovery    *liveness.RecoveryController
	scope       *liveness.Scope
}

func NewActivity(cfg Config, deps Deps) *Activity {
	if cfg.Name == "" {
		cfg.Name = "main"
	}
	refs := liveness.NewReferences(deps.Resolver)
	return &Activity{
		cfg:         cfg,
		deps:        deps,
		loop:        NewLoop(cfg.Name),
		coordinator: liveness.NewCoordinator(cfg.Name, refs),
		recovery:    liveness.NewRecoveryController(cfg.Name, refs, deps.Presenter, deps.Navigator),
	}
}

func (a *Activity) Name() string {
	return a.cfg.Name
}

// Create resolves collaborators and subscribes to notifications.
func (a *Activity) Create() error {
	return a.loop.Do(func() {
		if a.scope != nil && !a.scope.Closed() {
			return
		}
		_ = a.coordinator.Refresh()
		a.scope = liveness.OpenScope(liveness.ScopeConfig{
			Host:       a.cfg.Name,
			Bus:        a.deps.Bus,
			Post:       a.loop.Post,
			ActiveCall: a.cfg.ActiveCall,
		}, a.coordinator, a.recovery)
		log.Debug().Str("host", a.cfg.Name).Bool("active_call", a.cfg.ActiveCall).Msg("host.created")
	})
}

// Resume refreshes references and runs a retry/signal pass.
func (a *Activity) Resume() error {
	return a.trigger(liveness.ReasonResume)
}

// Pause only refreshes references.
func (a *Activity) Pause() error {
	return a.onLoop(func() {
		_ = a.coordinator.Refresh()
	})
}

// BackPressed runs a retry/signal pass. An outstanding recovery prompt is
// not dismissed by back navigation.
func (a *Activity) BackPressed() error {
	return a.onLoop(func() {
		if err := a.recovery.Dismiss(); err != nil {
			log.Debug().Err(err).Str("host", a.cfg.Name).Msg("host.back navigation kept recovery prompt")
		}
		a.coordinator.Trigger(a.triggerContext(liveness.ReasonBackNavigation))
	})
}

// PointerDown runs a retry/signal pass for the initial touch of a gesture.
func (a *Activity) PointerDown() error {
	return a.trigger(liveness.ReasonPointerDown)
}

// ResolvePrompt applies the user's choice to the outstanding prompt.
func (a *Activity) ResolvePrompt(choice liveness.Resolution) error {
	var err error
	if loopErr := a.onLoop(func() { err = a.recovery.Resolve(choice) }); loopErr != nil {
		return loopErr
	}
	return err
}

// CancelPrompt is the implicit dismissal path. It always leaves an
// outstanding prompt in place.
func (a *Activity) CancelPrompt() error {
	var err error
	if loopErr := a.onLoop(func() { err = a.recovery.Dismiss() }); loopErr != nil {
		return loopErr
	}
	return err
}

// RefreshAccountInfo asks for account details if none were requested
// recently.
func (a *Activity) RefreshAccountInfo(ctx context.Context) (bool, error) {
	if a.deps.Accounts == nil {
		return false, nil
	}
	return a.deps.Accounts.RefreshAccountInfo(ctx)
}

// ShowNotice raises one notice through the notifier.
func (a *Activity) ShowNotice(kind NoticeKind, text string, chatID int64) (Notice, error) {
	n, err := buildNotice(kind, text, chatID)
	if err != nil {
		return Notice{}, err
	}
	n.Host = a.cfg.Name
	n.At = time.Now()
	log.Debug().Str("host", a.cfg.Name).Str("kind", string(n.Kind)).Msg("host.notice")
	if a.deps.Notifier != nil {
		a.deps.Notifier.ShowNotice(n)
	}
	return n, nil
}

func (a *Activity) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := a.loop.Do(func() {
		snap = Snapshot{
			Name:          a.cfg.Name,
			Created:       a.scope != nil && !a.scope.Closed(),
			ActiveCall:    a.cfg.ActiveCall,
			PendingSignal: a.coordinator.PendingSignal(),
			Recovery:      a.recovery.State(),
		}
		if p, ok := a.recovery.Outstanding(); ok {
			snap.Prompt = &p
		}
	})
	return snap, err
}

// Destroy closes the scope and stops the loop. Later hooks return
// ErrLoopStopped.
func (a *Activity) Destroy() {
	_ = a.loop.Do(func() {
		if a.scope != nil {
			a.scope.Close()
		}
		log.Debug().Str("host", a.cfg.Name).Msg("host.destroyed")
	})
	a.loop.Stop()
}

func (a *Activity) trigger(reason liveness.Reason) error {
	return a.onLoop(func() {
		a.coordinator.Trigger(a.triggerContext(reason))
	})
}

func (a *Activity) triggerContext(reason liveness.Reason) liveness.TriggerContext {
	return liveness.TriggerContext{Reason: reason, ActiveCall: a.cfg.ActiveCall}
}

// onLoop runs fn on the loop once the activity has been created.
func (a *Activity) onLoop(fn func()) error {
	var created bool
	err := a.loop.Do(func() {
		created = a.scope != nil && !a.scope.Closed()
		if created {
			fn()
		}
	})
	if err != nil {
		return err
	}
	if !created {
		return ErrNotCreated
	}
	return nil
}
