package domain

import "strings"

// NormalizeUserName trims the name and rejects empty results.
func NormalizeUserName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ErrEmptyUserName
	}
	return trimmed, nil
}

// MergeUsers appends every incoming name that is non-empty after trimming and
// not already present. Existing order is preserved and nothing is removed.
// Names are compared exactly, case-sensitive.
func MergeUsers(existing, incoming []string) []string {
	merged := make([]string, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)

	seen := make(map[string]struct{}, len(merged))
	for _, name := range merged {
		seen[name] = struct{}{}
	}
	for _, candidate := range incoming {
		name, err := NormalizeUserName(candidate)
		if err != nil {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		merged = append(merged, name)
	}
	return merged
}

// MergeProgress appends every valid incoming entry whose dedup key is not
// already present, including keys appended earlier in the same call. Invalid
// entries are dropped silently. It returns the merged sequence and the entries
// that were added, in input order. Applying the same batch twice adds nothing
// the second time.
func MergeProgress(existing []ProgressEntry, incoming []IncomingEntry, newID func() string) ([]ProgressEntry, []ProgressEntry) {
	if newID == nil {
		newID = NewID
	}

	merged := make([]ProgressEntry, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)

	keys := make(map[DedupKey]struct{}, len(merged))
	for _, entry := range merged {
		keys[entry.Key()] = struct{}{}
	}

	added := make([]ProgressEntry, 0)
	for _, candidate := range incoming {
		entry := normalizeIncoming(candidate, newID)
		if entry.Validate() != nil {
			continue
		}
		key := entry.Key()
		if _, ok := keys[key]; ok {
			continue
		}
		keys[key] = struct{}{}
		merged = append(merged, entry)
		added = append(added, entry)
	}
	return merged, added
}

func normalizeIncoming(in IncomingEntry, newID func() string) ProgressEntry {
	entry := ProgressEntry{
		ID:         in.ID,
		User:       in.User,
		ActivityID: in.ActivityID,
		Answer:     in.Answer,
		Correct:    in.Correct,
		Timestamp:  in.Timestamp,
	}
	if entry.ID == "" && entry.Validate() == nil {
		entry.ID = newID()
	}
	return entry
}
