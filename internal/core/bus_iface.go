package core

// SignalBus abstracts the publish/subscribe signaling transport.
// Handlers for one topic are invoked in delivery order; no ordering is
// guaranteed across topics. Publish is fire-and-forget from the engine's
// point of view: a returned error means the message never left this client.
type SignalBus interface {
	Publish(destination string, v any) error
	Subscribe(topic string, fn func(data []byte)) (cancel func(), err error)
	Close() error
}
