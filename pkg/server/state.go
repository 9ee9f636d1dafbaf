// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net"
)

// State is a step of the server lifecycle:
//
//	Created → Starting → Listening → Stopping → Closed
//
// A failed bind returns from Starting to Created. Stop on a server that
// never listened goes straight to Stopping and Closed.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateListening
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is published on every state transition.
type Event struct {
	// State entered by the transition
	State State

	// Addr is the bound address; set when entering StateListening
	Addr net.Addr

	// Err is set when a bind failure sent the server back to StateCreated
	Err error
}

// subscriptionBuffer is the capacity of every Subscribe channel. A full
// lifecycle publishes at most five events.
const subscriptionBuffer = 8

// Subscribe returns a channel receiving every later transition. The channel
// is closed after the StateClosed event. Slow subscribers lose events
// rather than block the server.
func (s *Server) Subscribe() <-chan Event {
	ch := make(chan Event, subscriptionBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) transition(ev Event) {
	s.mu.Lock()
	s.state = ev.State
	subs := s.subs
	if ev.State == StateClosed {
		s.subs = nil
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropped lifecycle event", slog.String("state", ev.State.String()))
		}
		if ev.State == StateClosed {
			close(ch)
		}
	}
}
