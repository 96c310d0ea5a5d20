package liveness

import "time"

// Endpoint is one network client to the remote service.
type Endpoint interface {
	// RetryPendingConnections wakes any pending connect without dropping a live connection.
	RetryPendingConnections()
	// Reconnect drops the current connection, if any, and dials again.
	Reconnect()
	SetPinningEnabled(enabled bool)
}

// PresenceConfig is a read-only snapshot of the negotiated presence settings.
type PresenceConfig struct {
	Status    string
	AutoAway  bool
	Persist   bool
	LastGreen bool
	Pending   bool
}

// PresenceSession is the real-time messaging client.
type PresenceSession interface {
	RetryPendingConnections(interactive bool) error
	PresenceConfig() *PresenceConfig
	IsSignalRequired() bool
	SignalActivity() error
}

// Resolver looks up process-wide collaborators. Lookups may return nil when
// the collaborator does not exist yet.
type Resolver interface {
	PrimaryEndpoint() Endpoint
	FolderEndpoint() Endpoint
	PresenceEnabled() bool
	PresenceSession() PresenceSession
}

// Prompt is the outstanding verification recovery prompt.
type Prompt struct {
	ID      string       `json:"id"`
	Source  string       `json:"source"`
	Options []Resolution `json:"options"`
	ShownAt time.Time    `json:"shown_at"`
}

// PromptPresenter draws and removes recovery prompts.
// The chosen resolution comes back later through RecoveryController.Resolve.
type PromptPresenter interface {
	ShowRecoveryPrompt(p Prompt)
	DismissRecoveryPrompt(id string)
}

// Navigator hands the user off to an external destination.
type Navigator interface {
	OpenExternal(destination string) error
}
