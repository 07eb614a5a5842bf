// Package threading derives stable conversation and message identity from
// email headers. Every function here is pure: two processes given the same
// headers converge on the same identifiers without communicating.
package threading

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const conversationIDPrefix = "conv-"

// ExtractMessageID strips angle brackets and surrounding whitespace from a
// Message-ID header value. Empty input yields empty output.
func ExtractMessageID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// ParseReferences splits a raw References header into cleaned message ids,
// preserving order and dropping empties.
func ParseReferences(raw string) []string {
	fields := strings.Fields(raw)
	refs := make([]string, 0, len(fields))
	for _, f := range fields {
		if id := ExtractMessageID(f); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

// DetermineConversationID computes the conversation key for an email plus the
// identifier of the thread root. Precedence: In-Reply-To, then the first
// References entry (the thread root), then the message's own Message-ID, then
// a hash of from+subject+date for malformed mail with no usable identifiers.
//
// A zero date means "now"; it only participates in the last-resort fallback.
func DetermineConversationID(messageID, inReplyTo string, references []string, subject, fromAddr string, date time.Time) (conversationID, originalMessageID string) {
	if id := ExtractMessageID(inReplyTo); id != "" {
		return hashKey(id), id
	}
	for _, ref := range references {
		if id := ExtractMessageID(ref); id != "" {
			return hashKey(id), id
		}
	}
	if id := ExtractMessageID(messageID); id != "" {
		return hashKey(id), id
	}

	if date.IsZero() {
		date = time.Now().UTC()
	}
	subject = norm.NFC.String(strings.TrimSpace(subject))
	fallback := strings.ToLower(strings.TrimSpace(fromAddr)) + "|" + subject + "|" + date.UTC().Format(time.RFC3339)
	return hashKey(fallback), ""
}

// hashKey maps arbitrary thread-identifying input to a fixed-width key.
// SHA-256 truncated to 16 hex chars is stable across processes and collision
// resistant at the data volumes this store sees.
func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return conversationIDPrefix + hex.EncodeToString(sum[:])[:16]
}

// GenerateEmailID derives a deterministic identity for an appended email,
// distinct from the transport's Message-ID. Replayed deliveries of the same
// physical message produce the same EmailID, which the manager uses to drop
// duplicates before committing an append.
func GenerateEmailID(conversationID, messageID string, timestamp time.Time) string {
	sum := sha256.Sum256([]byte(ExtractMessageID(messageID) + "|" + timestamp.UTC().Format(time.RFC3339Nano)))
	return conversationID + "-" + hex.EncodeToString(sum[:])[:12]
}

// ExtractParticipants unions the from/to/cc/bcc addresses of an email into a
// lowercased, deduplicated list in first-seen order. Display-name forms
// ("Name <a@b>") are reduced to the bare address.
func ExtractParticipants(from string, to, cc, bcc []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(raw string) {
		addr := normalizeAddress(raw)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(from)
	for _, a := range to {
		add(a)
	}
	for _, a := range cc {
		add(a)
	}
	for _, a := range bcc {
		add(a)
	}
	return out
}

// normalizeAddress lowercases an address, unwrapping "Name <addr>" forms.
func normalizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(parsed.Address)
	}
	return strings.ToLower(strings.Trim(raw, "<>"))
}

// MergeParticipants unions new addresses into an existing participant list,
// keeping first-seen order. The result is always a superset of existing.
func MergeParticipants(existing, incoming []string) []string {
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range incoming {
		addr := strings.ToLower(strings.TrimSpace(p))
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// MergeThreadReferences concatenates existing references, the new email's
// references, and its own message id, deduplicating while keeping first-seen
// order. Oldest reference stays first, the newest message lands last.
func MergeThreadReferences(existing []string, newMessageID string, newReferences []string) []string {
	out := make([]string, 0, len(existing)+len(newReferences)+1)
	seen := make(map[string]struct{}, len(existing))
	add := func(raw string) {
		id := ExtractMessageID(raw)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, r := range existing {
		add(r)
	}
	for _, r := range newReferences {
		add(r)
	}
	add(newMessageID)
	return out
}

// CalculateTTL returns the epoch second after which the store may reclaim a
// conversation record.
func CalculateTTL(days int) int64 {
	return time.Now().Add(time.Duration(days) * 24 * time.Hour).Unix()
}
