package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors
// (@daily, @every 5m, ...). Next-fire computation is always done in UTC.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// timeLayouts are the accepted one-off instant formats.
var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"}

// Kind tells a recurring job from a one-off. It is classified once at
// construction, never re-derived from the pattern.
type Kind int

const (
	KindRecurring Kind = iota
	KindOneOff
)

func (k Kind) String() string {
	if k == KindRecurring {
		return "recurring"
	}
	return "one-off"
}

// Owner identifies the user and room a job was created from. The room a job
// was created from may differ from the room it delivers to.
type Owner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Room string `json:"room"`
}

// Metadata carries provenance of the originating request and, after the most
// recent delivery, the thread/message identifier of that delivery. ThreadID
// lets follow-up deliveries of a recurring job land in the same thread.
type Metadata struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId,omitempty"`
	LastURL   string `json:"lastUrl,omitempty"`
}

// Job is a single scheduled message. All fields except Metadata are fixed for
// the job's lifetime; a user-facing "update" builds a replacement job sharing
// the same id.
type Job struct {
	ID           string
	Pattern      string
	Kind         Kind
	Owner        Owner
	Room         string // delivery room
	Message      string
	Metadata     Metadata
	PostInThread bool

	sched cron.Schedule // recurring only
	at    time.Time     // one-off only, UTC
}

// Classify decides whether a pattern is recurring (valid cron expression) or
// one-off (parseable instant). Anything else is ErrInvalidPattern.
func Classify(pattern string) (Kind, error) {
	if pattern == "" {
		return 0, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if _, err := cronParser.Parse(pattern); err == nil {
		return KindRecurring, nil
	}
	if _, err := parseInstant(pattern); err == nil {
		return KindOneOff, nil
	}
	return 0, fmt.Errorf("%w: %q is neither a cron expression nor a timestamp", ErrInvalidPattern, pattern)
}

func parseInstant(pattern string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, pattern)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// NewJob validates and classifies the pattern and builds a job. It does not
// check the one-off instant against the clock; the registry does that before
// any state is touched.
func NewJob(id, pattern string, owner Owner, room, message string, md Metadata, postInThread bool) (*Job, error) {
	if room == "" {
		room = owner.Room
	}
	// The serialized owner carries the delivery room, so a record round-trips
	// without a separate room field.
	j := &Job{
		ID:           id,
		Pattern:      pattern,
		Owner:        Owner{ID: owner.ID, Name: owner.Name, Room: room},
		Room:         room,
		Message:      message,
		Metadata:     md,
		PostInThread: postInThread,
	}
	kind, err := Classify(pattern)
	if err != nil {
		return nil, err
	}
	j.Kind = kind
	switch kind {
	case KindRecurring:
		j.sched, _ = cronParser.Parse(pattern)
	case KindOneOff:
		j.at, _ = parseInstant(pattern)
	}
	return j, nil
}

// NextAfter returns the job's next fire instant strictly after now, in UTC.
// For a one-off job this is its single instant regardless of now.
func (j *Job) NextAfter(now time.Time) time.Time {
	if j.Kind == KindRecurring {
		return j.sched.Next(now.UTC())
	}
	return j.at
}

// At returns the one-off fire instant (zero for recurring jobs).
func (j *Job) At() time.Time { return j.at }

// WithMetadata returns a copy of the job carrying the new metadata value.
// This is the only post-construction mutation path.
func (j *Job) WithMetadata(md Metadata) *Job {
	cp := *j
	cp.Metadata = md
	return &cp
}

// Serialize encodes the durable tuple (pattern, owner, message, metadata,
// postInThread) as a JSON array. The id is the storage key, not part of the
// tuple. Pure, no side effects.
func (j *Job) Serialize() (json.RawMessage, error) {
	tuple := [5]any{j.Pattern, j.Owner, j.Message, j.Metadata, j.PostInThread}
	return json.Marshal(tuple)
}

// DeserializeJob is the inverse of Serialize.
func DeserializeJob(id string, raw json.RawMessage) (*Job, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if len(tuple) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrCorruptRecord, len(tuple))
	}

	var (
		pattern      string
		owner        Owner
		message      string
		md           Metadata
		postInThread bool
	)
	if err := json.Unmarshal(tuple[0], &pattern); err != nil {
		return nil, fmt.Errorf("%w: pattern: %v", ErrCorruptRecord, err)
	}
	if err := json.Unmarshal(tuple[1], &owner); err != nil {
		return nil, fmt.Errorf("%w: owner: %v", ErrCorruptRecord, err)
	}
	if err := json.Unmarshal(tuple[2], &message); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrCorruptRecord, err)
	}
	if err := json.Unmarshal(tuple[3], &md); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptRecord, err)
	}
	if err := json.Unmarshal(tuple[4], &postInThread); err != nil {
		return nil, fmt.Errorf("%w: postInThread: %v", ErrCorruptRecord, err)
	}
	if id == "" || owner.ID == "" {
		return nil, fmt.Errorf("%w: missing id or owner", ErrCorruptRecord)
	}

	job, err := NewJob(id, pattern, owner, owner.Room, message, md, postInThread)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return job, nil
}
