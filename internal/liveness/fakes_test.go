package liveness

import (
	"errors"
	"fmt"
)

type journal struct {
	calls []string
}

func (j *journal) add(format string, args ...any) {
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

type fakeEndpoint struct {
	name    string
	log     *journal
	pinning bool
	retries int
	panicOn string
}

func newFakeEndpoint(name string, log *journal) *fakeEndpoint {
	return &fakeEndpoint{name: name, log: log, pinning: true}
}

func (e *fakeEndpoint) RetryPendingConnections() {
	if e.panicOn == "retry" {
		panic("endpoint exploded")
	}
	e.retries++
	e.log.add("%s.retry", e.name)
}

func (e *fakeEndpoint) Reconnect() {
	e.log.add("%s.reconnect", e.name)
}

func (e *fakeEndpoint) SetPinningEnabled(enabled bool) {
	e.pinning = enabled
	e.log.add("%s.pinning=%t", e.name, enabled)
}

type fakeSession struct {
	log        *journal
	cfg        *PresenceConfig
	required   bool
	retryErr   error
	signalErr  error
	panicOn    string
	signals    int
	retries    int
	configRead int
}

func (s *fakeSession) RetryPendingConnections(interactive bool) error {
	if s.panicOn == "retry" {
		panic("session exploded")
	}
	s.retries++
	s.log.add("presence.retry interactive=%t", interactive)
	return s.retryErr
}

func (s *fakeSession) PresenceConfig() *PresenceConfig {
	if s.panicOn == "config" {
		panic("config exploded")
	}
	s.configRead++
	if s.cfg == nil {
		return nil
	}
	cp := *s.cfg
	return &cp
}

func (s *fakeSession) IsSignalRequired() bool {
	return s.required
}

func (s *fakeSession) SignalActivity() error {
	if s.signalErr != nil {
		return s.signalErr
	}
	s.signals++
	s.log.add("presence.signal")
	return nil
}

type fakeResolver struct {
	primary        *fakeEndpoint
	folder         *fakeEndpoint
	session        *fakeSession
	enabled        bool
	primaryLookups int
	sessionLookups int
	panicOnFlag    bool
}

func (r *fakeResolver) PrimaryEndpoint() Endpoint {
	r.primaryLookups++
	if r.primary == nil {
		return nil
	}
	return r.primary
}

func (r *fakeResolver) FolderEndpoint() Endpoint {
	if r.folder == nil {
		return nil
	}
	return r.folder
}

func (r *fakeResolver) PresenceEnabled() bool {
	if r.panicOnFlag {
		panic("feature flag store unavailable")
	}
	return r.enabled
}

func (r *fakeResolver) PresenceSession() PresenceSession {
	r.sessionLookups++
	if r.session == nil {
		return nil
	}
	return r.session
}

type fakePresenter struct {
	shown     []Prompt
	dismissed []string
}

func (p *fakePresenter) ShowRecoveryPrompt(prompt Prompt) {
	p.shown = append(p.shown, prompt)
}

func (p *fakePresenter) DismissRecoveryPrompt(id string) {
	p.dismissed = append(p.dismissed, id)
}

type fakeNavigator struct {
	opened []string
	err    error
}

func (n *fakeNavigator) OpenExternal(destination string) error {
	n.opened = append(n.opened, destination)
	return n.err
}

var errBoom = errors.New("boom")

type fixture struct {
	log       *journal
	resolver  *fakeResolver
	refs      *References
	coord     *Coordinator
	recovery  *RecoveryController
	presenter *fakePresenter
	navigator *fakeNavigator
}

func newFixture() *fixture {
	j := &journal{}
	resolver := &fakeResolver{
		primary: newFakeEndpoint("primary", j),
		folder:  newFakeEndpoint("folder", j),
		session: &fakeSession{log: j},
		enabled: true,
	}
	refs := NewReferences(resolver)
	presenter := &fakePresenter{}
	navigator := &fakeNavigator{}
	return &fixture{
		log:       j,
		resolver:  resolver,
		refs:      refs,
		coord:     NewCoordinator("host.test", refs),
		recovery:  NewRecoveryController("host.test", refs, presenter, navigator),
		presenter: presenter,
		navigator: navigator,
	}
}
