// Package liveness owns session liveness and presence coordination for one
// hosting lifecycle instance.
//
// Ownership boundary:
// - the deferred presence-signal flag (Coordinator)
// - the single outstanding verification recovery prompt (RecoveryController)
// - scoped subscription to transport and presence notifications (Scope)
//
// Everything here runs on the host's serial event loop and holds no locks.
// Endpoints and the presence session are process-wide collaborators reached
// through a Resolver; they guard their own state.
//
// Collaborator calls are best-effort: failures are logged and never
// propagate out of Trigger. The only user-visible failure is the recovery
// prompt, which cannot be dismissed without an explicit Resolution.
package liveness
