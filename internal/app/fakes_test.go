package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/opencrm/callkit/internal/core"
	"github.com/opencrm/callkit/internal/domain"
)

// fakeTrack is an in-memory core.LocalTrack.
type fakeTrack struct {
	id      string
	kind    core.TrackKind
	enabled bool
	stopped bool
	onEnded func()
}

func newFakeTrack(id string, kind core.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() core.TrackKind { return t.kind }
func (t *fakeTrack) SetEnabled(v bool)    { t.enabled = v }
func (t *fakeTrack) Enabled() bool        { return t.enabled }
func (t *fakeTrack) Stop()                { t.stopped = true }
func (t *fakeTrack) OnEnded(fn func())    { t.onEnded = fn }

// fakeDevices hands out fake tracks and records acquire/release traffic.
type fakeDevices struct {
	acquires   int
	screenReqs int
	releases   int
	acquireErr error
	screenErr  error
	released   []*core.LocalMedia
}

func (d *fakeDevices) Acquire(_ context.Context, t domain.CallType) (*core.LocalMedia, error) {
	if d.acquireErr != nil {
		return nil, d.acquireErr
	}
	d.acquires++
	m := &core.LocalMedia{Audio: newFakeTrack(fmt.Sprintf("audio-%d", d.acquires), core.KindAudio)}
	switch t {
	case domain.TypeVideo:
		m.Camera = newFakeTrack(fmt.Sprintf("camera-%d", d.acquires), core.KindVideo)
	case domain.TypeScreenShare:
		m.Screen = newFakeTrack(fmt.Sprintf("screen-%d", d.acquires), core.KindVideo)
		m.SharingScreen = true
	}
	return m, nil
}

func (d *fakeDevices) AcquireScreen(context.Context) (core.LocalTrack, error) {
	if d.screenErr != nil {
		return nil, d.screenErr
	}
	d.screenReqs++
	return newFakeTrack(fmt.Sprintf("screen-%d", d.screenReqs), core.KindVideo), nil
}

func (d *fakeDevices) Release(m *core.LocalMedia) {
	if m == nil {
		return
	}
	d.releases++
	d.released = append(d.released, m)
	for _, t := range []core.LocalTrack{m.Audio, m.Camera, m.Screen} {
		if t != nil {
			t.Stop()
		}
	}
}

type busMsg struct {
	dest    string
	payload any
}

// fakeBus records published messages and lets tests deliver inbound frames
// directly to subscribed handlers.
type fakeBus struct {
	mu         sync.Mutex
	published  []busMsg
	handlers   map[string]func([]byte)
	publishErr map[string]error
	subErr     error
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func([]byte))}
}

func (b *fakeBus) Publish(dest string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.publishErr[dest]; err != nil {
		return err
	}
	b.published = append(b.published, busMsg{dest: dest, payload: v})
	return nil
}

func (b *fakeBus) Subscribe(topic string, fn func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.handlers[topic] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, topic)
	}, nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}

// deliver marshals v and invokes the topic handler, as the bus adapter would.
func (b *fakeBus) deliver(t *testing.T, topic string, v any) {
	t.Helper()
	b.mu.Lock()
	fn, ok := b.handlers[topic]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no handler subscribed on %q", topic)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %T: %v", v, err)
	}
	fn(data)
}

func (b *fakeBus) sent(dest string) []busMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busMsg
	for _, m := range b.published {
		if m.dest == dest {
			out = append(out, m)
		}
	}
	return out
}

// fakeSender records ReplaceTrack calls for one outbound binding.
type fakeSender struct {
	kind     core.TrackKind
	current  core.LocalTrack
	replaced []core.LocalTrack
}

func (s *fakeSender) Kind() core.TrackKind { return s.kind }
func (s *fakeSender) ReplaceTrack(t core.LocalTrack) error {
	s.current = t
	s.replaced = append(s.replaced, t)
	return nil
}

// fakeLink is an in-memory core.TransportLink. Callbacks registered on it
// never fire on their own; tests trigger them explicitly, outside the engine
// lock, the way a transport goroutine would.
type fakeLink struct {
	started bool
	closed  bool

	tracks  []core.LocalTrack
	senders []*fakeSender

	offers       int
	remoteOffers []webrtc.SessionDescription
	answers      []webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit

	offerErr  error
	answerErr error

	onICECandidate func(webrtc.ICECandidateInit)
	onRemoteTrack  func(core.RemoteTrack)
	onStateChange  func(core.LinkState)
	onNegotiation  func()
}

func (l *fakeLink) Start(context.Context) error { l.started = true; return nil }
func (l *fakeLink) Close()                      { l.closed = true }
func (l *fakeLink) IsClosed() bool              { return l.closed }

func (l *fakeLink) AddTrack(t core.LocalTrack) (core.TrackSender, error) {
	l.tracks = append(l.tracks, t)
	s := &fakeSender{kind: t.Kind(), current: t}
	l.senders = append(l.senders, s)
	return s, nil
}

func (l *fakeLink) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	if l.offerErr != nil {
		return webrtc.SessionDescription{}, l.offerErr
	}
	l.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-sdp-%d", l.offers),
	}, nil
}

func (l *fakeLink) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.remoteOffers = append(l.remoteOffers, offer)
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer-sdp-%d", len(l.remoteOffers)),
	}, nil
}

func (l *fakeLink) ApplyAnswer(answer webrtc.SessionDescription) error {
	if l.answerErr != nil {
		return l.answerErr
	}
	l.answers = append(l.answers, answer)
	return nil
}

func (l *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICECandidate = fn }
func (l *fakeLink) OnRemoteTrack(fn func(core.RemoteTrack))        { l.onRemoteTrack = fn }
func (l *fakeLink) OnStateChange(fn func(core.LinkState))          { l.onStateChange = fn }
func (l *fakeLink) OnNegotiationNeeded(fn func())                  { l.onNegotiation = fn }

func (l *fakeLink) videoSender() *fakeSender {
	for _, s := range l.senders {
		if s.kind == core.KindVideo {
			return s
		}
	}
	return nil
}

// linkEnv builds fake transports and remembers each one it created.
type linkEnv struct {
	mu      sync.Mutex
	created []*fakeLink
	err     error
}

func (e *linkEnv) factory(context.Context) (core.TransportLink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	l := &fakeLink{}
	e.created = append(e.created, l)
	return l, nil
}

func (e *linkEnv) last(t *testing.T) *fakeLink {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.created) == 0 {
		t.Fatal("no transport link was created")
	}
	return e.created[len(e.created)-1]
}

// eventsRec records every engine event in order.
type eventsRec struct {
	mu       sync.Mutex
	incoming []domain.Call
	states   []domain.CallState
	links    []core.LinkState
	media    []string
	removed  []domain.UserID
	errors   []string
	ended    int
}

func (r *eventsRec) events() core.Events {
	return core.Events{
		OnIncomingCall: func(c domain.Call) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.incoming = append(r.incoming, c)
		},
		OnStateChange: func(s domain.CallState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnConnectionStateChange: func(_ domain.UserID, s core.LinkState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.links = append(r.links, s)
		},
		OnParticipantMedia: func(pid domain.UserID, kind string, enabled bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.media = append(r.media, fmt.Sprintf("%s/%s=%t", pid, kind, enabled))
		},
		OnRemoteTrackRemoved: func(pid domain.UserID) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.removed = append(r.removed, pid)
		},
		OnCallEnded: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ended++
		},
		OnCallError: func(msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, msg)
		},
	}
}

func (r *eventsRec) endedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// testEnv wires a session against all fakes and starts it.
type testEnv struct {
	session *Session
	bus     *fakeBus
	devices *fakeDevices
	links   *linkEnv
	rec     *eventsRec
	self    *domain.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	self := &domain.User{ID: "alice", Username: "Alice"}
	env := &testEnv{
		bus:     newFakeBus(),
		devices: &fakeDevices{},
		links:   &linkEnv{},
		rec:     &eventsRec{},
		self:    self,
	}
	env.session = NewSession(self, env.bus, env.devices, env.links.factory, env.rec.events())
	if err := env.session.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	return env
}

var errBoom = errors.New("boom")
