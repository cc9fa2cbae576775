// Package service implements the session directory and the message/read
// state machine on top of the store. Directory side-effects (session started,
// deleted, blocked) are fanned out through the broker; message sends are not
// broadcast here; the sending client broadcasts after its persist call
// resolves, so its own UI always renders the persisted copy.
package service

import (
	"go.uber.org/zap"

	"github.com/NiklasHoffmann/livechat/internal/store"
)

// Broadcaster is the broker surface the directory service needs for its
// side-effect events. The hub implements it.
type Broadcaster interface {
	ToRoom(sessionID string, data []byte)
	ToAdmins(data []byte)
	CloseRoom(sessionID string)
}

// Service wires the store and the broker together.
type Service struct {
	store     store.Store
	broker    Broadcaster
	log       *zap.Logger
	maxBody   int
	maxName   int
	dedupeCap int
}

// New creates a service. broker may be nil in tests that do not care about
// fanout.
func New(st store.Store, broker Broadcaster, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     st,
		broker:    broker,
		log:       log,
		maxBody:   2000,
		maxName:   50,
		dedupeCap: 100,
	}
}
