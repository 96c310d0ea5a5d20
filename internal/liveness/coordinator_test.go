package liveness

import (
	"errors"
	"testing"

	"github.com/danmuck/presencectl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerNilConfigDefersSignal(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.session.required = true

	out := f.coord.Trigger(TriggerContext{Reason: ReasonResume})

	assert.Equal(t, OutcomeDeferred, out)
	assert.True(t, f.coord.PendingSignal())
	assert.Zero(t, f.resolver.session.signals)
	assert.Equal(t, []string{"primary.retry", "presence.retry interactive=false"}, f.log.calls)
}

func TestTriggerPendingConfigDefersSignal(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.session.cfg = &PresenceConfig{Pending: true}
	f.resolver.session.required = true

	assert.Equal(t, OutcomeDeferred, f.coord.Trigger(TriggerContext{Reason: ReasonPointerDown}))
	assert.True(t, f.coord.PendingSignal())
	assert.Zero(t, f.resolver.session.signals)
}

func TestTriggerSettledConfigSignalsOnce(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.session.cfg = &PresenceConfig{Pending: false}
	f.resolver.session.required = true

	out := f.coord.Trigger(TriggerContext{Reason: ReasonResume})

	assert.Equal(t, OutcomeSignaled, out)
	assert.Equal(t, 1, f.resolver.session.signals)
	assert.False(t, f.coord.PendingSignal())
}

func TestTriggerSettledWithoutRequiredSignalDoesNotSignal(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.session.cfg = &PresenceConfig{}
	f.resolver.session.required = false

	assert.Equal(t, OutcomeSettled, f.coord.Trigger(TriggerContext{Reason: ReasonBackNavigation}))
	assert.Zero(t, f.resolver.session.signals)
	assert.False(t, f.coord.PendingSignal())
}

func TestTriggerActiveCallNeverSignals(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.session.required = true

	for _, cfg := range []*PresenceConfig{nil, {Pending: true}, {Pending: false}} {
		f.resolver.session.cfg = cfg
		f.coord.Trigger(TriggerContext{Reason: ReasonPointerDown, ActiveCall: true})
	}
	assert.Zero(t, f.resolver.session.signals)
	assert.False(t, f.coord.PendingSignal(), "last trigger saw a settled config")
}

func TestSettlementClearsDeferral(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.session.required = true

	f.coord.Trigger(TriggerContext{Reason: ReasonResume})
	require.True(t, f.coord.PendingSignal())

	f.resolver.session.cfg = &PresenceConfig{Pending: false}
	f.coord.OnPresenceConfigSettled(TriggerContext{})

	assert.False(t, f.coord.PendingSignal())
	assert.Equal(t, 1, f.resolver.session.signals)
}

func TestSettledNotificationIgnoredWithoutDeferral(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.session.cfg = &PresenceConfig{}
	f.resolver.session.required = true

	f.coord.OnPresenceConfigSettled(TriggerContext{})

	assert.Empty(t, f.log.calls)
	assert.Zero(t, f.resolver.session.retries)
}

func TestSettledNotificationStillPendingKeepsDeferral(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.coord.Trigger(TriggerContext{Reason: ReasonResume})
	f.resolver.session.cfg = &PresenceConfig{Pending: true}

	f.coord.OnPresenceConfigSettled(TriggerContext{})

	assert.True(t, f.coord.PendingSignal())
	assert.Equal(t, 2, f.resolver.session.retries)
}

func TestTriggerWithMessagingDisabledOnlyRetriesPrimary(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.enabled = false

	assert.Equal(t, OutcomeRetried, f.coord.Trigger(TriggerContext{Reason: ReasonResume}))
	assert.Equal(t, []string{"primary.retry"}, f.log.calls)
	assert.Zero(t, f.resolver.sessionLookups)
	assert.False(t, f.coord.PendingSignal())
}

func TestTriggerHonorsMessagingEnabledMidScope(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.enabled = false
	f.resolver.session.cfg = &PresenceConfig{}
	f.resolver.session.required = true
	f.coord.Trigger(TriggerContext{Reason: ReasonResume})

	f.resolver.enabled = true
	assert.Equal(t, OutcomeSignaled, f.coord.Trigger(TriggerContext{Reason: ReasonResume}))
	assert.Equal(t, 1, f.resolver.sessionLookups)
}

func TestTriggerCachesReferencesUntilRelease(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.coord.Trigger(TriggerContext{Reason: ReasonResume})
	f.coord.Trigger(TriggerContext{Reason: ReasonResume})
	assert.Equal(t, 1, f.resolver.primaryLookups)

	f.coord.Release()
	assert.Nil(t, f.refs.Primary())
	f.coord.Trigger(TriggerContext{Reason: ReasonResume})
	assert.Equal(t, 2, f.resolver.primaryLookups)
}

func TestTriggerWithoutPrimaryStillHandlesPresence(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.primary = nil
	f.resolver.session.cfg = &PresenceConfig{}
	f.resolver.session.required = true

	assert.Equal(t, OutcomeSignaled, f.coord.Trigger(TriggerContext{Reason: ReasonResume}))
}

func TestTriggerSwallowsEndpointPanic(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.coord.Trigger(TriggerContext{Reason: ReasonResume})
	require.True(t, f.coord.PendingSignal())

	f.resolver.primary.panicOn = "retry"
	f.resolver.session.cfg = &PresenceConfig{}
	var out Outcome
	require.NotPanics(t, func() { out = f.coord.Trigger(TriggerContext{Reason: ReasonResume}) })

	assert.Equal(t, OutcomeFailed, out)
	assert.True(t, f.coord.PendingSignal(), "flag must be unchanged when the pass fails before reading config")
	assert.Zero(t, f.resolver.session.signals)
}

func TestTriggerSwallowsSessionErrors(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.coord.Trigger(TriggerContext{Reason: ReasonResume})
	require.True(t, f.coord.PendingSignal())

	f.resolver.session.retryErr = errBoom
	f.resolver.session.cfg = &PresenceConfig{}
	assert.Equal(t, OutcomeFailed, f.coord.Trigger(TriggerContext{Reason: ReasonResume}))
	assert.True(t, f.coord.PendingSignal())
	assert.Equal(t, 1, f.resolver.session.configRead)
}

func TestTriggerSignalFailureKeepsClearedFlag(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.session.cfg = &PresenceConfig{}
	f.resolver.session.required = true
	f.resolver.session.signalErr = errBoom

	assert.Equal(t, OutcomeFailed, f.coord.Trigger(TriggerContext{Reason: ReasonResume}))
	assert.False(t, f.coord.PendingSignal(), "flag reflects the portion of the pass that ran")
}

func TestTriggerSwallowsConfigPanic(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.session.panicOn = "config"
	require.NotPanics(t, func() { f.coord.Trigger(TriggerContext{Reason: ReasonResume}) })
	assert.False(t, f.coord.PendingSignal())
}

func TestAttemptWrapsErrorsAndPanics(t *testing.T) {
	testlog.Start(t)
	err := attempt("op.fail", func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "op.fail")

	err = call("op.panic", func() { panic("nope") })
	assert.True(t, errors.Is(err, ErrCollaboratorPanic))

	assert.NoError(t, call("op.ok", func() {}))
}

func TestResolverPanicEndsPassAsFailure(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.resolver.panicOnFlag = true

	require.ErrorIs(t, f.coord.Refresh(), ErrCollaboratorPanic)
	assert.Equal(t, OutcomeFailed, f.coord.Trigger(TriggerContext{Reason: ReasonResume}))
	assert.Empty(t, f.log.calls)
	assert.False(t, f.coord.PendingSignal())

	f.resolver.panicOnFlag = false
	require.NoError(t, f.coord.Refresh())
	assert.Equal(t, OutcomeDeferred, f.coord.Trigger(TriggerContext{Reason: ReasonResume}))
}
