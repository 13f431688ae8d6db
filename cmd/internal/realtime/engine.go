package realtime

import (
	"log/slog"
)

// Engine owns the realtime core: both registries and the services built on them.
// It is constructed once per process and injected into the gateway; nothing in the
// core is package-level state.
type Engine struct {
	Presence      *Presence
	Subscriptions *Subscriptions
	Chats         *ChatStates
	Router        *Router
	Notifier      *Notifier

	store Store
}

// NewEngine wires the core over store. metrics may be nil.
func NewEngine(log *slog.Logger, store Store, metrics *Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	presence := NewPresence(log, metrics)
	subs := NewSubscriptions(log, metrics)
	locks := newChatLocks()

	return &Engine{
		Presence:      presence,
		Subscriptions: subs,
		Chats:         NewChatStates(log, store, presence, locks),
		Router:        NewRouter(log, store, presence, locks),
		Notifier:      NewNotifier(log, store, presence, subs),
		store:         store,
	}
}

// Store returns the storage collaborator the engine writes through.
func (e *Engine) Store() Store { return e.store }
