package liveness

// References caches collaborator handles for one scope.
// The handles are not owned; Release only forgets them.
type References struct {
	resolver Resolver
	primary  Endpoint
	folder   Endpoint
	presence PresenceSession
}

func NewReferences(resolver Resolver) *References {
	return &References{resolver: resolver}
}

// Resolve fills any unresolved handle. The presence feature flag is read on
// every call so enabling messaging mid-scope is honored.
func (r *References) Resolve() {
	if r.resolver == nil {
		return
	}
	if r.primary == nil {
		r.primary = r.resolver.PrimaryEndpoint()
	}
	if r.folder == nil {
		r.folder = r.resolver.FolderEndpoint()
	}
	if r.presence == nil && r.resolver.PresenceEnabled() {
		r.presence = r.resolver.PresenceSession()
	}
}

func (r *References) Primary() Endpoint {
	return r.primary
}

func (r *References) Folder() Endpoint {
	return r.folder
}

// Presence returns the cached session only while messaging is enabled.
func (r *References) Presence() PresenceSession {
	if r.presence == nil || r.resolver == nil || !r.resolver.PresenceEnabled() {
		return nil
	}
	return r.presence
}

func (r *References) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, 2)
	if r.primary != nil {
		out = append(out, r.primary)
	}
	if r.folder != nil {
		out = append(out, r.folder)
	}
	return out
}

func (r *References) Release() {
	r.primary = nil
	r.folder = nil
	r.presence = nil
}
