package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmissionTreatsNonArrayFieldsAsEmpty(t *testing.T) {
	var sub Submission
	require.NoError(t, json.Unmarshal([]byte(`{"users":"Ana","progress":{"user":"Ana"}}`), &sub))
	require.Empty(t, sub.Users)
	require.Empty(t, sub.Progress)

	require.NoError(t, json.Unmarshal([]byte(`[1,2,3]`), &sub))
	require.Empty(t, sub.Users)
	require.Empty(t, sub.Progress)
}

func TestSubmissionDecodesEntriesLeniently(t *testing.T) {
	body := `{
		"users": ["Ana", 7, null],
		"progress": [
			{"user":"Ana","activityId":"q1","timestamp":"T1","answer":"5","correct":true},
			{"user":"Ana","activityId":"q2","timestamp":"T2","answer":12,"correct":"yes"},
			{"user":42,"activityId":"q3","timestamp":"T3"},
			"garbage",
			null
		]
	}`
	var sub Submission
	require.NoError(t, json.Unmarshal([]byte(body), &sub))

	require.Equal(t, []string{"Ana", "", ""}, sub.Users)
	require.Len(t, sub.Progress, 5)

	first := sub.Progress[0]
	require.Equal(t, "5", *first.Answer)
	require.True(t, *first.Correct)

	second := sub.Progress[1]
	require.Equal(t, "12", *second.Answer)
	require.Nil(t, second.Correct)

	require.Equal(t, "", sub.Progress[2].User)
	require.Equal(t, IncomingEntry{}, sub.Progress[3])
	require.Equal(t, IncomingEntry{}, sub.Progress[4])
}

func TestProgressEntrySerialisesNullables(t *testing.T) {
	raw, err := json.Marshal(ProgressEntry{ID: "1", User: "Ana", ActivityID: "q1", Timestamp: "T1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"1","user":"Ana","activityId":"q1","answer":null,"correct":null,"timestamp":"T1"}`, string(raw))
}

func TestProgressEntryDecodesLegacyTypes(t *testing.T) {
	var entry ProgressEntry
	require.NoError(t, json.Unmarshal(
		[]byte(`{"id":1714550400000,"user":"Ana","activityId":"q1","answer":42,"correct":"yes","timestamp":"T1"}`),
		&entry,
	))
	require.Equal(t, "1714550400000", entry.ID)
	require.Equal(t, "42", *entry.Answer)
	require.Nil(t, entry.Correct)
	require.Equal(t, DedupKey{User: "Ana", ActivityID: "q1", Timestamp: "T1"}, entry.Key())

	require.NoError(t, json.Unmarshal([]byte(`{"user":"Ben","activityId":"q2","answer":"7","correct":false,"timestamp":"T2"}`), &entry))
	require.Equal(t, ProgressEntry{User: "Ben", ActivityID: "q2", Answer: ptr("7"), Correct: ptr(false), Timestamp: "T2"}, entry)

	require.Error(t, json.Unmarshal([]byte(`"not an entry"`), &entry))
}

func TestNewEntry(t *testing.T) {
	at := time.Date(2025, time.March, 3, 9, 30, 0, 0, time.FixedZone("X", 3600))

	entry, err := NewEntry(" Ana ", "q1", "  ", at)
	require.NoError(t, err)
	require.Equal(t, "Ana", entry.User)
	require.Equal(t, "2025-03-03T08:30:00Z", entry.Timestamp)
	require.Nil(t, entry.Answer)
	require.Nil(t, entry.Correct)
	require.NotEmpty(t, entry.ID)

	_, err = NewEntry("", "q1", "5", at)
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestGrade(t *testing.T) {
	at := time.Now()
	entry, err := NewEntry("Ana", "q1", "5", at)
	require.NoError(t, err)

	require.True(t, *entry.Grade("5").Correct)
	require.False(t, *entry.Grade("6").Correct)

	blank, err := NewEntry("Ana", "q2", "", at)
	require.NoError(t, err)
	require.Nil(t, blank.Grade("5").Correct)
}

func TestBatchSubmissionRoundTrip(t *testing.T) {
	batch := Batch{
		Users:    []string{"Ana"},
		Progress: []ProgressEntry{{ID: "1", User: "Ana", ActivityID: "q1", Timestamp: "T1", Correct: boolPtr(false)}},
	}
	raw, err := json.Marshal(batch)
	require.NoError(t, err)

	var decoded Submission
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, batch.Submission(), decoded)
}

func ptr[T any](v T) *T { return &v }
