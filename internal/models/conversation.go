package models

import "time"

// ConversationStatus is the coarse lifecycle state of a conversation
type ConversationStatus string

const (
	StatusActive      ConversationStatus = "active"
	StatusPendingInfo ConversationStatus = "pending_info"
	StatusCompleted   ConversationStatus = "completed"
	StatusArchived    ConversationStatus = "archived"
)

// ValidStatus reports whether s is one of the known conversation statuses
func ValidStatus(s ConversationStatus) bool {
	switch s {
	case StatusActive, StatusPendingInfo, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Direction indicates whether an email was received or sent by this system
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Attachment describes an email attachment by reference (content lives with the transport)
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Email is a single message in a conversation's history. Entries are
// immutable once appended.
type Email struct {
	EmailID       string         `json:"email_id"`
	MessageID     string         `json:"message_id"`
	InReplyTo     string         `json:"in_reply_to,omitempty"`
	References    []string       `json:"references,omitempty"`
	From          string         `json:"from"`
	To            []string       `json:"to,omitempty"`
	CC            []string       `json:"cc,omitempty"`
	Subject       string         `json:"subject"`
	Body          string         `json:"body"`
	NewContent    string         `json:"new_content"`
	QuotedContent string         `json:"quoted_content,omitempty"`
	Direction     Direction      `json:"direction"`
	IsAutomated   bool           `json:"is_automated"`
	Timestamp     time.Time      `json:"timestamp"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Conversation is the authoritative record for one logical email thread.
//
// LastSeq guards the email-history facet (history, participants, references,
// sent ids, status) and RequirementsVersion guards the requirements facet.
// The two tokens are independent so an inbound append and a requirements
// write-back never contend with each other.
type Conversation struct {
	ConversationID      string             `json:"conversation_id"`
	OriginalMessageID   string             `json:"original_message_id"`
	LastSeq             int64              `json:"last_seq"`
	Requirements        map[string]any     `json:"requirements"`
	RequirementsVersion int64              `json:"requirements_version"`
	Status              ConversationStatus `json:"status"`
	Participants        []string           `json:"participants"`
	ThreadReferences    []string           `json:"thread_references"`
	SentMessageIDs      []string           `json:"sent_message_ids"`
	EmailHistory        []Email            `json:"email_history"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	TTL                 int64              `json:"ttl"`
}

// Clone returns a deep copy of the conversation so callers can mutate
// derived state without sharing slices or maps with the original.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Requirements = cloneMap(c.Requirements)
	out.Participants = cloneStrings(c.Participants)
	out.ThreadReferences = cloneStrings(c.ThreadReferences)
	out.SentMessageIDs = cloneStrings(c.SentMessageIDs)
	if c.EmailHistory != nil {
		out.EmailHistory = make([]Email, len(c.EmailHistory))
		for i, e := range c.EmailHistory {
			out.EmailHistory[i] = e.clone()
		}
	}
	return &out
}

func (e Email) clone() Email {
	out := e
	out.References = cloneStrings(e.References)
	out.To = cloneStrings(e.To)
	out.CC = cloneStrings(e.CC)
	if e.Attachments != nil {
		out.Attachments = make([]Attachment, len(e.Attachments))
		copy(out.Attachments, e.Attachments)
	}
	out.Metadata = cloneMap(e.Metadata)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Snapshot is the immutable view handed to the extraction collaborator.
// The collaborator returns data; all writes flow back through the manager.
type Snapshot struct {
	ConversationID      string             `json:"conversation_id"`
	EmailHistory        []Email            `json:"email_history"`
	Requirements        map[string]any     `json:"requirements"`
	RequirementsVersion int64              `json:"requirements_version"`
	Status              ConversationStatus `json:"status"`
	Participants        []string           `json:"participants"`
}

// Snapshot extracts the collaborator-facing view from a conversation.
func (c *Conversation) Snapshot() Snapshot {
	cp := c.Clone()
	return Snapshot{
		ConversationID:      cp.ConversationID,
		EmailHistory:        cp.EmailHistory,
		Requirements:        cp.Requirements,
		RequirementsVersion: cp.RequirementsVersion,
		Status:              cp.Status,
		Participants:        cp.Participants,
	}
}

// InboundEmail is the normalized record delivered by the mail transport.
// MIME parsing happens upstream; References arrives as the raw header value.
type InboundEmail struct {
	MessageID   string         `json:"message_id"`
	InReplyTo   string         `json:"in_reply_to"`
	References  string         `json:"references"`
	From        string         `json:"from"`
	To          []string       `json:"to"`
	CC          []string       `json:"cc"`
	BCC         []string       `json:"bcc"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	Timestamp   time.Time      `json:"timestamp"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
