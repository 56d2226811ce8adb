// Package credtest provides a scripted credential Source for broker
// tests. It counts Refresh calls, replays a queue of outcomes, and can
// hold a refresh open until the test releases it, which is how the
// single-flight arbitration tests stage concurrent expiries behind one
// in-progress prompt.
package credtest

import (
	"context"
	"sync"

	"github.com/centrumvms/restclient-go/credentials"
)

// Outcome is one scripted Refresh result.
type Outcome struct {
	Token credentials.Token
	Err   error
}

// Source is a scripted credentials.Source.
type Source struct {
	mu       sync.Mutex
	outcomes []Outcome
	always   *Outcome
	calls    int

	gate chan struct{}
}

var _ credentials.Source = (*Source)(nil)

// New returns a Source replaying the given outcomes in order. When the
// queue runs dry, further calls decline.
func New(outcomes ...Outcome) *Source {
	return &Source{outcomes: outcomes}
}

// Declining returns a Source whose every refresh is declined.
func Declining() *Source { return New() }

// Granting returns a Source that always yields the given token value.
func Granting(value string) *Source {
	return &Source{always: &Outcome{Token: credentials.Token{Value: value}}}
}

// Hold makes subsequent Refresh calls block until Release is called.
func (s *Source) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
}

// Release unblocks refreshes held by Hold.
func (s *Source) Release() {
	s.mu.Lock()
	gate := s.gate
	s.gate = nil
	s.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Calls reports how many times Refresh ran.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Refresh implements credentials.Source.
func (s *Source) Refresh(ctx context.Context) (credentials.Token, error) {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	var out Outcome
	switch {
	case s.always != nil:
		out = *s.always
	case len(s.outcomes) > 0:
		out = s.outcomes[0]
		s.outcomes = s.outcomes[1:]
	default:
		out = Outcome{Err: credentials.ErrDeclined}
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return credentials.Token{}, ctx.Err()
		}
	}
	return out.Token, out.Err
}
