// Package mock provides a scriptable stt.Transcriber for tests.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/segscribe/segscribe/pkg/stt"
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Call records one Transcribe invocation.
type Call struct {
	// Name is the segment file name hint passed by the caller.
	Name string

	// Audio is the full payload read from the reader.
	Audio []byte
}

// Transcriber is a scriptable mock. Configure behaviour through Fn; every
// invocation is recorded in Calls regardless of outcome.
//
// Safe for concurrent use.
type Transcriber struct {
	// Fn decides the outcome of each call. call is 1-based and counts all
	// invocations across segments and retries. When Fn is nil every call
	// succeeds with Text.
	Fn func(call int, name string, audio []byte) (string, error)

	// Text is the result returned when Fn is nil. Defaults to "".
	Text string

	mu    sync.Mutex
	calls []Call
}

// Transcribe consumes the reader, records the call, and returns whatever the
// script dictates.
func (t *Transcriber) Transcribe(_ context.Context, audio io.Reader, name string) (string, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return "", stt.Permanent(err)
	}

	t.mu.Lock()
	t.calls = append(t.calls, Call{Name: name, Audio: data})
	n := len(t.calls)
	t.mu.Unlock()

	if t.Fn != nil {
		return t.Fn(n, name, data)
	}
	return t.Text, nil
}

// Calls returns a snapshot of all recorded invocations in order.
func (t *Transcriber) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// CallCount returns the number of Transcribe invocations so far.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
