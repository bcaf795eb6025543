package app

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/core"
	"github.com/opencrm/callkit/internal/domain"
)

// NegotiationRole records which side of a link produces offers. Assigning it
// explicitly per link avoids double-offer glare when both ends come up at
// the same time.
type NegotiationRole int

const (
	RoleOfferer NegotiationRole = iota
	RoleAnswerer
)

func (r NegotiationRole) String() string {
	if r == RoleOfferer {
		return "OFFERER"
	}
	return "ANSWERER"
}

// Link is the engine-side record of one remote participant's transport.
//
// The Registry mutex guards only the participant map. The negotiation fields
// (Pending, HaveRemote, State, VideoSender) are guarded by the engine lock:
// every code path that touches them runs under the Session mutex.
type Link struct {
	Participant domain.UserID
	Transport   core.TransportLink
	Role        NegotiationRole

	// Pending holds remote ICE candidates that arrived before the remote
	// description, in arrival order.
	Pending    []webrtc.ICECandidateInit
	HaveRemote bool
	State      core.LinkState

	// VideoSender is the outbound video binding used for screen-share track
	// swaps. Nil for audio-only links.
	VideoSender core.TrackSender
}

// DrainPending applies buffered remote candidates in arrival order. Call only
// after a remote description has been applied.
func (l *Link) DrainPending() {
	for _, c := range l.Pending {
		if err := l.Transport.AddICECandidate(c); err != nil {
			log.Error().Err(err).
				Str("module", "app.registry").
				Str("participant", string(l.Participant)).
				Msg("apply buffered candidate")
		}
	}
	l.Pending = nil
}

// linkFactory builds and wires a fully observed link for a participant.
// Supplied by the session, which owns track binding and observer wiring.
type linkFactory func(pid domain.UserID, role NegotiationRole) (*Link, error)

// Registry owns one Link per remote participant. Links never outlive the
// enclosing call session; CloseAll empties the registry on teardown.
type Registry struct {
	mu     sync.RWMutex
	links  map[domain.UserID]*Link
	create linkFactory
}

func NewRegistry(create linkFactory) *Registry {
	return &Registry{
		links:  make(map[domain.UserID]*Link),
		create: create,
	}
}

// GetOrCreate returns the link for pid, creating it with the given role when
// absent. The bool reports whether a new link was created. The role of an
// existing link is never changed.
func (r *Registry) GetOrCreate(pid domain.UserID, role NegotiationRole) (*Link, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.links[pid]; ok {
		return l, false, nil
	}
	l, err := r.create(pid, role)
	if err != nil {
		return nil, false, err
	}
	r.links[pid] = l
	log.Info().Str("module", "app.registry").
		Str("participant", string(pid)).
		Str("role", role.String()).
		Msg("created peer link")
	return l, true, nil
}

func (r *Registry) Get(pid domain.UserID) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[pid]
	return l, ok
}

// Remove closes and forgets the participant's link. Reports whether a link
// existed.
func (r *Registry) Remove(pid domain.UserID) bool {
	r.mu.Lock()
	l, ok := r.links[pid]
	delete(r.links, pid)
	r.mu.Unlock()
	if !ok {
		return false
	}
	l.Transport.Close()
	log.Info().Str("module", "app.registry").Str("participant", string(pid)).Msg("removed peer link")
	return true
}

// ForEach invokes fn for every registered link.
func (r *Registry) ForEach(fn func(*Link)) {
	r.mu.RLock()
	snapshot := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		snapshot = append(snapshot, l)
	}
	r.mu.RUnlock()
	for _, l := range snapshot {
		fn(l)
	}
}

// CloseAll tears down every link and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	links := r.links
	r.links = make(map[domain.UserID]*Link)
	r.mu.Unlock()
	for _, l := range links {
		l.Transport.Close()
	}
	if len(links) > 0 {
		log.Info().Str("module", "app.registry").Int("count", len(links)).Msg("closed all peer links")
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

func (r *Registry) Participants() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.links))
	for pid := range r.links {
		out = append(out, pid)
	}
	return out
}
