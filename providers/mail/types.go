package mail

import (
	"context"
	"strings"
	"time"
)

// Client is the mail-store session the provider drives. Implementations
// need not be safe for concurrent use: the provider serializes every call.
// FetchInfos and FetchMessage operate on the mailbox chosen by the most
// recent Select.
type Client interface {
	ListMailboxes(ctx context.Context) ([]MailboxInfo, error)
	Select(ctx context.Context, mailbox string) (*MailboxStatus, error)
	// FetchInfos returns header summaries for the sequence range [from, to].
	FetchInfos(ctx context.Context, from, to uint32) ([]MessageInfo, error)
	// FetchMessage returns the decoded parts of the message with uid, or
	// nil when no such message exists.
	FetchMessage(ctx context.Context, uid uint32) (*Message, error)
	Close() error
}

// MailboxInfo is a mailbox as reported by the server.
type MailboxInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// MailboxStatus is the state of a selected mailbox.
type MailboxStatus struct {
	Name        string
	Messages    uint32
	UIDNext     uint32
	UIDValidity uint32
}

// Latest returns the sequence range covering the newest limit messages.
// ok is false when the mailbox is empty or limit is not positive.
func (s *MailboxStatus) Latest(limit int) (from, to uint32, ok bool) {
	if s == nil || s.Messages == 0 || limit <= 0 {
		return 0, 0, false
	}
	to = s.Messages
	from = 1
	if uint64(limit) < uint64(to) {
		from = to - uint32(limit) + 1
	}
	return from, to, true
}

// MessageInfo summarizes a message without its body.
type MessageInfo struct {
	SequenceNumber uint32     `json:"sequenceNumber"`
	UID            uint32     `json:"uid"`
	Subject        string     `json:"subject"`
	From           []string   `json:"from,omitempty"`
	To             []string   `json:"to,omitempty"`
	Cc             []string   `json:"cc,omitempty"`
	Date           time.Time  `json:"date,omitzero"`
	MessageID      string     `json:"messageId,omitempty"`
	Flags          []string   `json:"flags,omitempty"`
	Size           uint32     `json:"size,omitempty"`
	Parts          []PartInfo `json:"parts,omitempty"`
}

// PartInfo describes one leaf of a message's MIME structure. Section uses
// IMAP numbering ("1", "1.2", ...).
type PartInfo struct {
	Section     string `json:"section"`
	ContentType string `json:"contentType"`
	Disposition string `json:"disposition,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	Size        uint32 `json:"size,omitempty"`
}

// Message is a fetched message with its leaf parts decoded.
type Message struct {
	UID   uint32
	Parts []Part
}

// Part is a leaf MIME part with its content-transfer-encoding removed.
type Part struct {
	Section     string
	ContentType string
	Filename    string
	Data        []byte
}

// Part returns the part with the given section, if any.
func (m *Message) Part(section string) (Part, bool) {
	for _, p := range m.Parts {
		if p.Section == section {
			return p, true
		}
	}
	return Part{}, false
}

// SpecialUse is the role of a special-use mailbox.
type SpecialUse string

const (
	SpecialUseInbox   SpecialUse = "Inbox"
	SpecialUseSent    SpecialUse = "Sent"
	SpecialUseTrash   SpecialUse = "Trash"
	SpecialUseDrafts  SpecialUse = "Drafts"
	SpecialUseJunk    SpecialUse = "Junk"
	SpecialUseArchive SpecialUse = "Archive"
	SpecialUseFlagged SpecialUse = "Flagged"
)

// Mailbox is the entry returned by the list_mailboxes tool.
type Mailbox struct {
	Name       string     `json:"name"`
	SpecialUse SpecialUse `json:"specialUse,omitempty"`
}

// Checked in precedence order.
var specialUseAttrs = []struct {
	attr string
	use  SpecialUse
}{
	{`\Sent`, SpecialUseSent},
	{`\Trash`, SpecialUseTrash},
	{`\Drafts`, SpecialUseDrafts},
	{`\Junk`, SpecialUseJunk},
	{`\Archive`, SpecialUseArchive},
	{`\Flagged`, SpecialUseFlagged},
}

// MailboxFromInfo maps a server mailbox onto a Mailbox. INBOX is recognised
// by name, the remaining roles by their RFC 6154 attributes.
func MailboxFromInfo(info MailboxInfo) Mailbox {
	mb := Mailbox{Name: info.Name}
	if strings.EqualFold(info.Name, "INBOX") {
		mb.SpecialUse = SpecialUseInbox
		return mb
	}
	for _, sa := range specialUseAttrs {
		for _, a := range info.Attributes {
			if strings.EqualFold(a, sa.attr) {
				mb.SpecialUse = sa.use
				return mb
			}
		}
	}
	return mb
}
