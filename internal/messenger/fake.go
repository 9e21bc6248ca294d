package messenger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentCall records one Send issued against the Fake.
type SentCall struct {
	SessionID string
	Phone     string
	Text      string
	At        time.Time
}

// LookupCall records one Lookup issued against the Fake.
type LookupCall struct {
	SessionID string
	Phone     string
	At        time.Time
}

// Fake is a scriptable Messenger for tests and local development. Sends
// succeed unless errors are queued with FailNext, and numbers exist unless
// told otherwise with SetLookup.
type Fake struct {
	mu sync.Mutex

	// Now supplies timestamps for recorded calls. Defaults to time.Now.
	Now func() time.Time
	// SendFn, when set, fully overrides Send.
	SendFn func(sessionID, phone, text string) (SendResult, error)

	sendErrs []error
	lookups  map[string]bool
	subs     map[string][]func(Event)
	nextID   int

	Sent    []SentCall
	Lookups []LookupCall
}

func NewFake() *Fake {
	return &Fake{
		lookups: make(map[string]bool),
		subs:    make(map[string][]func(Event)),
	}
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// FailNext queues errors returned by the next Send calls, in order.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

// SetLookup scripts the result for a phone number.
func (f *Fake) SetLookup(phone string, exists bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[phone] = exists
}

func (f *Fake) Send(ctx context.Context, sessionID, phone, text string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	f.mu.Lock()
	if f.SendFn != nil {
		fn := f.SendFn
		f.mu.Unlock()
		return fn(sessionID, phone, text)
	}

	var err error
	if len(f.sendErrs) > 0 {
		err = f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
	}
	if err != nil {
		f.mu.Unlock()
		return SendResult{}, err
	}

	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.Sent = append(f.Sent, SentCall{SessionID: sessionID, Phone: phone, Text: text, At: f.now()})
	f.mu.Unlock()

	return SendResult{MessageID: id}, nil
}

func (f *Fake) Lookup(ctx context.Context, sessionID, phone string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lookups = append(f.Lookups, LookupCall{SessionID: sessionID, Phone: phone, At: f.now()})
	exists, ok := f.lookups[phone]
	if !ok {
		return true, nil
	}
	return exists, nil
}

func (f *Fake) Subscribe(sessionID string, fn func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sessionID] = append(f.subs[sessionID], fn)
}

// Emit delivers a connection event to every subscriber of the session.
func (f *Fake) Emit(sessionID string, kind EventKind) {
	f.mu.Lock()
	fns := append([]func(Event){}, f.subs[sessionID]...)
	at := f.now()
	f.mu.Unlock()

	ev := Event{SessionID: sessionID, Kind: kind, At: at}
	for _, fn := range fns {
		fn(ev)
	}
}

// SentTexts returns the texts sent so far, in order.
func (f *Fake) SentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Sent))
	for i, s := range f.Sent {
		out[i] = s.Text
	}
	return out
}

// SentCount returns the number of successful sends.
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
