package session

import (
	"log/slog"
	"sync"
)

// Handler processes one inbound packet from a user. Returning false indicates
// the packet was invalid; the transport layer may disconnect the sender.
type Handler func(sender *User, packet []byte) bool

// Switch routes inbound packets to the handler registered for their type
// byte. Handlers receive the full packet including the type byte.
type Switch struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[uint8]Handler
}

// NewSwitch creates a packet switch logging through the logger passed.
func NewSwitch(log *slog.Logger) *Switch {
	if log == nil {
		log = slog.Default()
	}
	return &Switch{log: log, handlers: make(map[uint8]Handler)}
}

// Register installs a handler for the packet type passed, replacing any
// previous handler for that type.
func (s *Switch) Register(id uint8, h Handler) {
	s.mu.Lock()
	s.handlers[id] = h
	s.mu.Unlock()
}

// Dispatch routes a packet to the handler registered for its first byte.
// Packets with no registered handler are dropped. The returned bool is false
// if the packet was empty, unroutable or rejected by its handler.
func (s *Switch) Dispatch(sender *User, packet []byte) bool {
	if len(packet) == 0 {
		return false
	}
	s.mu.RLock()
	h, ok := s.handlers[packet[0]]
	s.mu.RUnlock()
	if !ok {
		s.log.Debug("dropped packet with unknown type", "type", packet[0], "len", len(packet))
		return false
	}
	return h(sender, packet)
}
