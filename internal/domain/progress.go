// Package domain defines the progress records exchanged between devices and
// the canonical store, and the merge rules that reconcile them.
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyUserName is returned when a user name is empty after trimming.
	ErrEmptyUserName = errors.New("user name is empty")
	// ErrInvalidEntry is returned when a progress entry lacks user, activity id or timestamp.
	ErrInvalidEntry = errors.New("progress entry requires user, activityId and timestamp")
)

// ProgressEntry is one answered activity. It is never mutated after creation.
type ProgressEntry struct {
	ID         string  `json:"id,omitempty"`
	User       string  `json:"user"`
	ActivityID string  `json:"activityId"`
	Answer     *string `json:"answer"`
	Correct    *bool   `json:"correct"`
	Timestamp  string  `json:"timestamp"`
}

// DedupKey identifies a progress entry for merge purposes. The ID is not part of it.
type DedupKey struct {
	User       string
	ActivityID string
	Timestamp  string
}

// Key returns the dedup key of the entry.
func (e ProgressEntry) Key() DedupKey {
	return DedupKey{User: e.User, ActivityID: e.ActivityID, Timestamp: e.Timestamp}
}

// Validate reports ErrInvalidEntry when a required field is empty.
func (e ProgressEntry) Validate() error {
	if e.User == "" || e.ActivityID == "" || e.Timestamp == "" {
		return ErrInvalidEntry
	}
	return nil
}

// UnmarshalJSON accepts entries stored by older servers, which kept id and
// answer with whatever JSON type the device sent. Numbers become their
// decimal text; other mistyped optional fields decode as null. A value that
// is not an object is still an error.
func (e *ProgressEntry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	id := ""
	if text := rawAnswer(fields["id"]); text != nil {
		id = *text
	}
	*e = ProgressEntry{
		ID:         id,
		User:       rawString(fields["user"]),
		ActivityID: rawString(fields["activityId"]),
		Answer:     rawAnswer(fields["answer"]),
		Correct:    rawBool(fields["correct"]),
		Timestamp:  rawString(fields["timestamp"]),
	}
	return nil
}

// Incoming converts the entry into the shape the merge engine consumes.
func (e ProgressEntry) Incoming() IncomingEntry {
	return IncomingEntry{
		ID:         e.ID,
		User:       e.User,
		ActivityID: e.ActivityID,
		Answer:     e.Answer,
		Correct:    e.Correct,
		Timestamp:  e.Timestamp,
	}
}

// Grade sets Correct by comparing the answer with the expected value.
// Entries without an answer stay ungraded.
func (e ProgressEntry) Grade(expected string) ProgressEntry {
	if e.Answer == nil {
		e.Correct = nil
		return e
	}
	ok := *e.Answer == strings.TrimSpace(expected)
	e.Correct = &ok
	return e
}

// NewID returns a fresh identifier for a progress entry. Identifiers are for
// display only; dedup never looks at them.
func NewID() string {
	return uuid.NewString()
}

// NewEntry builds an entry recorded at the given instant. A blank answer is stored as null.
func NewEntry(user, activityID, answer string, recordedAt time.Time) (ProgressEntry, error) {
	entry := ProgressEntry{
		ID:         NewID(),
		User:       strings.TrimSpace(user),
		ActivityID: strings.TrimSpace(activityID),
		Timestamp:  recordedAt.UTC().Format(time.RFC3339Nano),
	}
	if trimmed := strings.TrimSpace(answer); trimmed != "" {
		entry.Answer = &trimmed
	}
	if err := entry.Validate(); err != nil {
		return ProgressEntry{}, err
	}
	return entry, nil
}

// IncomingEntry is a progress entry as submitted over the wire, decoded
// leniently: fields of the wrong JSON type are treated as absent.
type IncomingEntry struct {
	ID         string
	User       string
	ActivityID string
	Answer     *string
	Correct    *bool
	Timestamp  string
}

// UnmarshalJSON never fails on a well-formed JSON value; non-object values
// decode to an empty entry that the merge engine will skip.
func (e *IncomingEntry) UnmarshalJSON(data []byte) error {
	*e = IncomingEntry{}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil
	}
	e.ID = rawString(fields["id"])
	e.User = rawString(fields["user"])
	e.ActivityID = rawString(fields["activityId"])
	e.Timestamp = rawString(fields["timestamp"])
	e.Answer = rawAnswer(fields["answer"])
	e.Correct = rawBool(fields["correct"])
	return nil
}

// Submission is the body of a sync request after lenient decoding.
type Submission struct {
	Users    []string
	Progress []IncomingEntry
}

// UnmarshalJSON treats missing or non-array fields as empty. Non-string user
// elements are kept as empty names so they still count as offered.
func (s *Submission) UnmarshalJSON(data []byte) error {
	*s = Submission{}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil
	}

	var users []json.RawMessage
	if err := json.Unmarshal(fields["users"], &users); err == nil {
		s.Users = make([]string, 0, len(users))
		for _, raw := range users {
			s.Users = append(s.Users, rawString(raw))
		}
	}

	var progress []json.RawMessage
	if err := json.Unmarshal(fields["progress"], &progress); err == nil {
		s.Progress = make([]IncomingEntry, 0, len(progress))
		for _, raw := range progress {
			var entry IncomingEntry
			_ = entry.UnmarshalJSON(raw)
			s.Progress = append(s.Progress, entry)
		}
	}
	return nil
}

// Batch is the payload a device submits: its roster and queued progress.
type Batch struct {
	Users    []string        `json:"users"`
	Progress []ProgressEntry `json:"progress"`
}

// Submission converts a batch into its server-side form.
func (b Batch) Submission() Submission {
	sub := Submission{
		Users:    append([]string(nil), b.Users...),
		Progress: make([]IncomingEntry, 0, len(b.Progress)),
	}
	for _, entry := range b.Progress {
		sub.Progress = append(sub.Progress, entry.Incoming())
	}
	return sub
}

// Ack acknowledges a sync. Counts are how many items were offered, not how
// many were new.
type Ack struct {
	OK            bool `json:"ok"`
	SavedUsers    int  `json:"savedUsers"`
	SavedProgress int  `json:"savedProgress"`
}

// Document is the canonical dataset: every known user and progress entry.
type Document struct {
	Users    []string        `json:"users"`
	Progress []ProgressEntry `json:"progress"`
}

// EmptyDocument returns a document with empty, non-nil arrays.
func EmptyDocument() Document {
	return Document{Users: []string{}, Progress: []ProgressEntry{}}
}

// Normalize replaces nil arrays with empty ones so the document always
// serialises as arrays.
func (d Document) Normalize() Document {
	if d.Users == nil {
		d.Users = []string{}
	}
	if d.Progress == nil {
		d.Progress = []ProgressEntry{}
	}
	return d
}

// Health is the body returned by the health endpoint.
type Health struct {
	OK      bool      `json:"ok"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

func rawString(raw json.RawMessage) string {
	var value string
	if len(raw) == 0 || json.Unmarshal(raw, &value) != nil {
		return ""
	}
	return value
}

func rawAnswer(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err == nil {
		return &value
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		text := number.String()
		return &text
	}
	return nil
}

func rawBool(raw json.RawMessage) *bool {
	var value bool
	if len(raw) == 0 || json.Unmarshal(raw, &value) != nil {
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return &value
}
