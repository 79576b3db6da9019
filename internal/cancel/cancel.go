// Package cancel implements cooperative cancellation with graceful and
// hard phases. Sources own the cancel decision; tokens are the read-only
// view handed to the code being cancelled.
package cancel

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Canceled is the sentinel all cancellation errors wrap. Callers branch
// with errors.Is(err, Canceled).
var Canceled = errors.New("operation canceled")

// Error carries the cancellation reason.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return "operation canceled"
	}
	return fmt.Sprintf("operation canceled: %s", e.Reason)
}

// Unwrap makes errors.Is(err, Canceled) hold for every *Error.
func (e *Error) Unwrap() error { return Canceled }

// Source owns a cancellation flag and fans it out to registered callbacks.
type Source struct {
	mu        sync.Mutex
	canceled  bool
	reason    string
	done      chan struct{}
	callbacks []func()
	timer     *time.Timer
	disposed  bool
}

// NewSource creates an uncancelled source.
func NewSource() *Source {
	return &Source{done: make(chan struct{})}
}

// Token returns the read-only view of the source.
func (s *Source) Token() *Token {
	return &Token{src: s}
}

// Cancel sets the flag and invokes registered callbacks exactly once.
// Subsequent calls are no-ops; the first reason wins.
func (s *Source) Cancel(reason string) {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.reason = reason
	callbacks := s.callbacks
	s.callbacks = nil
	close(s.done)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// CancelAfter arms a timer that cancels the source after d. A second call
// re-arms the timer.
func (s *Source) CancelAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled || s.disposed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() {
		s.Cancel(fmt.Sprintf("deadline of %s elapsed", d))
	})
}

// Dispose releases the timer without cancelling. Tokens remain usable but
// will never fire.
func (s *Source) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Token is the read-only cancellation view.
type Token struct {
	src *Source
}

// IsCancellationRequested reports whether the source has been cancelled.
func (t *Token) IsCancellationRequested() bool {
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	return t.src.canceled
}

// Reason returns the cancel reason, or "" if not cancelled.
func (t *Token) Reason() string {
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	return t.src.reason
}

// Done returns a channel closed on cancellation, for use in select loops.
func (t *Token) Done() <-chan struct{} {
	return t.src.done
}

// OnCancellationRequested blocks until the source cancels.
func (t *Token) OnCancellationRequested() {
	<-t.src.done
}

// Register arranges for cb to run once when the source cancels. If the
// source is already cancelled the callback runs immediately on the calling
// goroutine.
func (t *Token) Register(cb func()) {
	t.src.mu.Lock()
	if t.src.canceled {
		t.src.mu.Unlock()
		cb()
		return
	}
	t.src.callbacks = append(t.src.callbacks, cb)
	t.src.mu.Unlock()
}

// ThrowIfCancellationRequested returns a typed cancellation error when the
// source has cancelled, nil otherwise.
func (t *Token) ThrowIfCancellationRequested() error {
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	if t.src.canceled {
		return &Error{Reason: t.src.reason}
	}
	return nil
}

// Sleep waits for d or until the token cancels, whichever comes first.
// Returns a typed cancellation error if the token fired.
func Sleep(d time.Duration, token *Token) error {
	if token == nil {
		time.Sleep(d)
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-token.Done():
		return &Error{Reason: token.Reason()}
	}
}

// NewLinkedSource combines parent sources: the result cancels when any
// parent cancels. A pre-cancelled parent cancels the result during
// construction.
func NewLinkedSource(parents ...*Source) *Source {
	linked := NewSource()
	for _, parent := range parents {
		if parent == nil {
			continue
		}
		p := parent
		p.Token().Register(func() {
			linked.Cancel(p.Token().Reason())
		})
	}
	return linked
}
