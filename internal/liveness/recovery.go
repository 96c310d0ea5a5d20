package liveness

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/presencectl/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ExternalDestination is where the escape resolution sends the user.
const ExternalDestination = "https://mega.nz/"

var (
	ErrNoOutstandingPrompt = errors.New("liveness: no outstanding recovery prompt")
	ErrUnknownResolution   = errors.New("liveness: unknown resolution")
	ErrPromptNotCancelable = errors.New("liveness: recovery prompt requires an explicit resolution")
)

// Resolution is one of the three fixed answers to a recovery prompt.
type Resolution string

const (
	ResolutionRetry           Resolution = "retry"
	ResolutionEscape          Resolution = "escape"
	ResolutionDisableAndRetry Resolution = "disable_and_retry"
)

// Resolutions returns the prompt options in presentation order.
func Resolutions() []Resolution {
	return []Resolution{ResolutionRetry, ResolutionEscape, ResolutionDisableAndRetry}
}

func ParseResolution(raw string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case ResolutionRetry, ResolutionEscape, ResolutionDisableAndRetry:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownResolution, raw)
}

type RecoveryState string

const (
	StateIdle        RecoveryState = "idle"
	StatePromptShown RecoveryState = "prompt_shown"
)

// RecoveryController surfaces at most one verification recovery prompt and
// applies the chosen resolution to both endpoints.
type RecoveryController struct {
	host      string
	refs      *References
	presenter PromptPresenter
	navigator Navigator
	prompt    *Prompt
	now       func() time.Time
}

func NewRecoveryController(host string, refs *References, presenter PromptPresenter, navigator Navigator) *RecoveryController {
	return &RecoveryController{
		host:      host,
		refs:      refs,
		presenter: presenter,
		navigator: navigator,
		now:       time.Now,
	}
}

func (c *RecoveryController) State() RecoveryState {
	if c.prompt != nil {
		return StatePromptShown
	}
	return StateIdle
}

// Outstanding returns a copy of the current prompt, if any.
func (c *RecoveryController) Outstanding() (Prompt, bool) {
	if c.prompt == nil {
		return Prompt{}, false
	}
	p := *c.prompt
	p.Options = append([]Resolution(nil), c.prompt.Options...)
	return p, true
}

// OnVerificationFailed shows a prompt unless one is already outstanding.
// Returns true when a new prompt was materialized.
func (c *RecoveryController) OnVerificationFailed(source string) bool {
	if c.prompt != nil {
		log.Debug().
			Str("host", c.host).
			Str("source", source).
			Str("prompt_id", c.prompt.ID).
			Msg("recovery.verification failure suppressed")
		observability.RecordRecoveryPrompt(c.host, false)
		return false
	}

	p := Prompt{
		ID:      uuid.NewString(),
		Source:  source,
		Options: Resolutions(),
		ShownAt: c.now(),
	}
	c.prompt = &p
	if c.presenter != nil {
		if err := call("presenter.show", func() { c.presenter.ShowRecoveryPrompt(p) }); err != nil {
			log.Error().Err(err).Str("host", c.host).Str("prompt_id", p.ID).Msg("recovery.prompt show failed")
		}
	}
	log.Warn().
		Str("host", c.host).
		Str("source", source).
		Str("prompt_id", p.ID).
		Msg("recovery.verification failed, prompt shown")
	observability.RecordRecoveryPrompt(c.host, true)
	return true
}

// Dismiss is the implicit-dismissal path (back navigation, outside tap).
// It never clears an outstanding prompt.
func (c *RecoveryController) Dismiss() error {
	if c.prompt == nil {
		return nil
	}
	return ErrPromptNotCancelable
}

// Resolve applies choice to the outstanding prompt. The controller is back
// to idle before any side effect runs, so a failure caused by the side
// effect can surface a fresh prompt.
func (c *RecoveryController) Resolve(choice Resolution) error {
	if c.prompt == nil {
		return ErrNoOutstandingPrompt
	}
	choice, err := ParseResolution(string(choice))
	if err != nil {
		return err
	}

	p := c.prompt
	c.prompt = nil
	if c.presenter != nil {
		if err := call("presenter.dismiss", func() { c.presenter.DismissRecoveryPrompt(p.ID) }); err != nil {
			log.Error().Err(err).Str("host", c.host).Str("prompt_id", p.ID).Msg("recovery.prompt dismiss failed")
		}
	}
	observability.RecordRecoveryResolution(c.host, string(choice))
	log.Info().
		Str("host", c.host).
		Str("prompt_id", p.ID).
		Str("resolution", string(choice)).
		Msg("recovery.prompt resolved")

	if err := call("resolve", c.refs.Resolve); err != nil {
		log.Warn().Err(err).Str("host", c.host).Msg("recovery.resolve references failed")
	}
	switch choice {
	case ResolutionRetry:
		return c.reconnectAll(false)
	case ResolutionEscape:
		if c.navigator == nil {
			return nil
		}
		return attempt("navigator.open_external", func() error {
			return c.navigator.OpenExternal(ExternalDestination)
		})
	default:
		return c.reconnectAll(true)
	}
}

func (c *RecoveryController) reconnectAll(disablePinning bool) error {
	var errs []error
	for _, ep := range c.refs.Endpoints() {
		if disablePinning {
			if err := call("endpoint.set_pinning_enabled", func() { ep.SetPinningEnabled(false) }); err != nil {
				errs = append(errs, err)
			}
		}
		if err := call("endpoint.reconnect", ep.Reconnect); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Str("host", c.host).Bool("disable_pinning", disablePinning).Msg("recovery.reconnect incomplete")
	}
	return err
}
