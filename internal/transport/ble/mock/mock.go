// Package mock provides an in-memory [ble.Stack] for unit tests. Tests play
// the central by calling the captured handler directly.
package mock

import (
	"sync"

	"github.com/MrWong99/pttlink/internal/transport/ble"
)

// Notification is one recorded Notify call.
type Notification struct {
	Characteristic ble.Characteristic
	Value          []byte
}

// Stack is a mock implementation of [ble.Stack].
type Stack struct {
	mu sync.Mutex

	// StartErrors is consumed front to back, one entry per Start call.
	StartErrors []error

	// NotifyError is returned by every Notify call when set.
	NotifyError error

	// Handler is the handler passed to the last successful Start.
	Handler ble.Handler

	// Name is the advertised name passed to Start.
	Name string

	Notifications []Notification

	CallCountStart     int
	CallCountAdvertise int
	CallCountClose     int
}

var _ ble.Stack = (*Stack)(nil)

// Start implements [ble.Stack].
func (s *Stack) Start(name string, h ble.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if len(s.StartErrors) > 0 {
		err := s.StartErrors[0]
		s.StartErrors = s.StartErrors[1:]
		if err != nil {
			return err
		}
	}
	s.Name = name
	s.Handler = h
	return nil
}

// Advertise implements [ble.Stack].
func (s *Stack) Advertise() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountAdvertise++
	return nil
}

// Notify implements [ble.Stack].
func (s *Stack) Notify(c ble.Characteristic, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NotifyError != nil {
		return s.NotifyError
	}
	s.Notifications = append(s.Notifications, Notification{Characteristic: c, Value: append([]byte(nil), value...)})
	return nil
}

// Close implements [ble.Stack].
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}
