// Package prompt carries the human-in-the-loop notifications the login
// and authorization machines emit: an image was written to disk and the
// operator has to act on it before the state machine can advance.
package prompt

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies the action the operator is being asked to take.
type Kind string

const (
	// KindVerificationCode asks the operator to read the verification
	// image and retry the login with the solved text.
	KindVerificationCode Kind = "verification-code-needed"

	// KindScanToLogin asks the operator to scan the login QR image.
	KindScanToLogin Kind = "scan-to-login"

	// KindScanToAuthorize asks the operator to scan the authorization QR
	// image for one specific protected broadcast.
	KindScanToAuthorize Kind = "scan-to-authorize"
)

// Event is one request for operator action.
type Event struct {
	Kind      Kind      `json:"kind"`
	ImagePath string    `json:"image_path"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Notifier receives events synchronously while a state machine is
// suspended on the corresponding human action.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier reports events through a structured logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, event Event) {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("operator action required",
		zap.String("kind", string(event.Kind)),
		zap.String("image", event.ImagePath))
}

// Recorder keeps every event it sees; the operator console serves them
// and tests assert on them.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded so far, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Latest returns the most recent event of the given kind.
func (r *Recorder) Latest(kind Kind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, notifier := range m {
		notifier.Notify(ctx, event)
	}
}
