package elevensync

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/voicelink/agentdash_backend/models"
)

const (
	transcriptRoleAgent  = "agent"
	transcriptRoleUser   = "user"
	transcriptRoleSystem = "system"
)

// rawTranscriptEntry is the provider's transcript record shape.
type rawTranscriptEntry struct {
	Role           string   `json:"role"`
	Message        string   `json:"message"`
	TimeInCallSecs *float64 `json:"time_in_call_secs"`
}

// NormalizeTranscript converts whatever the provider returns in the
// transcript field into an ordered message sequence. It never fails: input
// that resists all three recovery stages comes back as a single system
// message preserving the raw text, so no conversation is dropped for being
// unparsable.
//
// Recovery stages, attempted in order:
//  1. the canonical shape, an ordered array of transcript entries
//  2. one entry as a bare object
//  3. a degraded blob with entries embedded as escaped JSON fragments
func NormalizeTranscript(raw json.RawMessage) []models.TranscriptMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var entries []rawTranscriptEntry
	if err := json.Unmarshal(trimmed, &entries); err == nil {
		return finalizeEntries(entries)
	}

	var single rawTranscriptEntry
	if err := json.Unmarshal(trimmed, &single); err == nil &&
		(single.Role != "" || strings.TrimSpace(single.Message) != "") {
		return finalizeEntries([]rawTranscriptEntry{single})
	}

	text := blobText(trimmed)
	if recovered := recoverFragments(text); len(recovered) > 0 {
		if messages := finalizeEntries(recovered); len(messages) > 0 {
			return messages
		}
	}

	return []models.TranscriptMessage{{Role: transcriptRoleSystem, Message: text}}
}

// blobText unwraps a JSON string payload; anything else is treated as plain
// text as-is.
func blobText(trimmed []byte) string {
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}

// recoverFragments pattern-matches embedded {"role":...} objects inside one
// text blob (escaped quotes included) and parses each independently.
// Fragments that fail to parse are skipped, never fatal.
func recoverFragments(text string) []rawTranscriptEntry {
	const marker = `{"role"`

	unescaped := strings.ReplaceAll(text, `\"`, `"`)
	var out []rawTranscriptEntry
	rest := unescaped
	for {
		idx := strings.Index(rest, marker)
		if idx < 0 {
			break
		}
		dec := json.NewDecoder(strings.NewReader(rest[idx:]))
		var entry rawTranscriptEntry
		if err := dec.Decode(&entry); err == nil {
			out = append(out, entry)
			consumed := int(dec.InputOffset())
			if consumed <= 0 {
				consumed = len(marker)
			}
			rest = rest[idx+consumed:]
			continue
		}
		rest = rest[idx+len(marker):]
	}
	return out
}

// finalizeEntries canonicalizes roles, drops empty messages and restores
// conversational order. Missing offsets sort as 0; the sort is stable so
// same-offset entries keep their arrival order.
func finalizeEntries(entries []rawTranscriptEntry) []models.TranscriptMessage {
	messages := make([]models.TranscriptMessage, 0, len(entries))
	for _, e := range entries {
		msg := strings.TrimSpace(e.Message)
		if msg == "" {
			continue
		}
		m := models.TranscriptMessage{Role: canonicalRole(e.Role), Message: msg}
		if e.TimeInCallSecs != nil && *e.TimeInCallSecs >= 0 {
			offset := *e.TimeInCallSecs
			m.OffsetSeconds = &offset
		}
		messages = append(messages, m)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return offsetOrZero(messages[i]) < offsetOrZero(messages[j])
	})

	if len(messages) == 0 {
		return nil
	}
	return messages
}

func offsetOrZero(m models.TranscriptMessage) float64 {
	if m.OffsetSeconds == nil {
		return 0
	}
	return *m.OffsetSeconds
}

func canonicalRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case transcriptRoleAgent, "assistant", "ai", "bot":
		return transcriptRoleAgent
	case transcriptRoleUser, "human", "caller", "customer":
		return transcriptRoleUser
	default:
		return transcriptRoleSystem
	}
}
