package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle phase of an upload's transcription run.
type JobState string

const (
	// StateRunning means segments are still being transcribed.
	StateRunning JobState = "running"

	// StateDone means the transcript is ready for download. Degraded runs
	// (some or all fragments are failure placeholders) still end here.
	StateDone JobState = "done"

	// StateFailed means the upload never produced a transcript, e.g. the
	// file could not be decoded.
	StateFailed JobState = "failed"
)

// EventType tags a progress stream event.
type EventType string

const (
	// EventProgress reports overall completion after each segment.
	EventProgress EventType = "progress"

	// EventFragment carries one segment's text (or failure placeholder).
	EventFragment EventType = "fragment"

	// EventDone is the terminal success event.
	EventDone EventType = "done"

	// EventError is the terminal failure event.
	EventError EventType = "error"
)

// Event is one entry in a job's progress stream, pushed to the browser over
// the events websocket.
type Event struct {
	Type EventType `json:"type"`

	// Percent and Label accompany progress events.
	Percent int    `json:"percent,omitempty"`
	Label   string `json:"label,omitempty"`

	// Index and Text accompany fragment events. Failed is true when Text is
	// a failure placeholder rather than transcribed speech.
	Index  int    `json:"index"`
	Text   string `json:"text,omitempty"`
	Failed bool   `json:"failed,omitempty"`

	// Error accompanies the terminal error event.
	Error string `json:"error,omitempty"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Job tracks one upload through its transcription run. Events are retained
// for the job's lifetime so a websocket that connects late (or reconnects)
// replays the full stream.
type Job struct {
	ID       string
	Filename string // sanitized stem of the uploaded name
	Created  time.Time

	dir string

	mu         sync.Mutex
	state      JobState
	events     []Event
	changed    chan struct{}
	transcript string
	errDetail  string
}

func newJob(filename, dir string) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Filename: filename,
		Created:  time.Now(),
		dir:      dir,
		state:    StateRunning,
		changed:  make(chan struct{}),
	}
}

// Dir returns the job's private artifact directory.
func (j *Job) Dir() string { return j.dir }

// State returns the current lifecycle phase.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transcript returns the assembled transcript and whether it is ready.
func (j *Job) Transcript() (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transcript, j.state == StateDone
}

// ErrDetail returns the terminal failure detail, if any.
func (j *Job) ErrDetail() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errDetail
}

// Publish appends an event to the stream and wakes all waiting readers.
func (j *Job) Publish(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appendLocked(ev)
}

func (j *Job) appendLocked(ev Event) {
	j.events = append(j.events, ev)
	close(j.changed)
	j.changed = make(chan struct{})
}

// EventsSince returns the events published at or after offset, plus a channel
// that is closed the next time the stream grows. Readers drain the snapshot,
// advance their offset, and block on the channel.
func (j *Job) EventsSince(offset int) ([]Event, <-chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if offset > len(j.events) {
		offset = len(j.events)
	}
	return j.events[offset:], j.changed
}

// Complete marks the job done with its final transcript and publishes the
// terminal done event.
func (j *Job) Complete(transcript string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return
	}
	j.state = StateDone
	j.transcript = transcript
	j.appendLocked(Event{Type: EventDone, Percent: 100})
}

// Fail marks the job failed and publishes the terminal error event carrying
// the raw error detail.
func (j *Job) Fail(detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return
	}
	j.state = StateFailed
	j.errDetail = detail
	j.appendLocked(Event{Type: EventError, Error: detail})
}

// Registry is the in-memory job table. Jobs live for the process lifetime;
// there is no persistence across restarts.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewRegistry returns an empty job table.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Create registers a new running job for an upload.
func (r *Registry) Create(filename, dir string) *Job {
	j := newJob(filename, dir)
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
	return j
}

// Get looks up a job by ID.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}
