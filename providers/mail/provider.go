// Package mail exposes a mailbox over IMAP as tools and as readable
// resources addressed by "mail://{mailbox}/{uid}/{section}".
//
// The provider owns a single authenticated session (see the imapclient
// subpackage) and serializes all access to it.
package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
)

// Name is the registration name of the mail provider.
const Name = "mail"

// DefaultHeaderLimit is the fetch_email_headers limit when none is given.
const DefaultHeaderLimit = 100

// Provider serves the mail tools and the mail resource template.
type Provider struct {
	*mcpservice.ToolSet

	mu     sync.Mutex // guards client
	client Client
	log    *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

type listMailboxesArgs struct{}

type fetchHeadersArgs struct {
	Mailbox string `json:"mailbox" jsonschema:"description=The name of the mailbox"`
	Limit   int    `json:"limit,omitempty" jsonschema:"description=The maximum amount of message headers to fetch,default=100,minimum=1"`
}

type partArgs struct {
	Mailbox string `json:"mailbox" jsonschema:"description=The name of the mailbox"`
	UID     uint32 `json:"uid" jsonschema:"description=The identifier of the message the part belongs to"`
	Section string `json:"section,omitempty" jsonschema:"description=The section identifier of the part (e.g. 1.2). If omitted all parts are returned"`
}

// New returns a provider driving client. The client must already be
// connected and authenticated.
func New(client Client, opts ...Option) *Provider {
	p := &Provider{client: client, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}

	p.ToolSet = mcpservice.MustToolSet(
		mcpservice.NewTool[listMailboxesArgs]("list_mailboxes", p.listMailboxesTool,
			mcpservice.WithToolDescription("Lists all mailboxes on the server"),
		),
		mcpservice.NewTool[fetchHeadersArgs]("fetch_email_headers", p.fetchHeadersTool,
			mcpservice.WithToolDescription("Fetches the headers of the newest messages in a mailbox, including each message's part structure"),
		),
		mcpservice.NewTool[partArgs]("fetch_message_parts", p.fetchPartsTool,
			mcpservice.WithToolDescription(`Fetches a specific part of an email given the mailbox and uid of the message. Example: mailbox "Receipts", uid 252, section "2" yields mail://Receipts/252/2/Receipt.pdf`),
		),
		mcpservice.NewTool[partArgs]("decode_attachment", p.decodeAttachmentTool,
			mcpservice.WithToolDescription("Decodes an email attachment to text. Currently only PDF attachments are supported"),
		),
	)
	return p
}

// Close ends the mail session.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.Close()
}

// ListMailboxes returns the special-use mailboxes merged with the general
// mailbox list, sorted by name.
func (p *Provider) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	p.mu.Lock()
	infos, err := p.client.ListMailboxes(ctx)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("mail: list mailboxes: %w", err)
	}

	var special, general []Mailbox
	for _, info := range infos {
		mb := MailboxFromInfo(info)
		if mb.SpecialUse != "" {
			special = append(special, mb)
		}
		general = append(general, mb)
	}
	return mergeMailboxes(special, general), nil
}

// mergeMailboxes concatenates special and the entries of general whose names
// are not already special, then sorts by name.
func mergeMailboxes(special, general []Mailbox) []Mailbox {
	seen := make(map[string]struct{}, len(special))
	out := make([]Mailbox, 0, len(special)+len(general))
	for _, mb := range special {
		seen[mb.Name] = struct{}{}
		out = append(out, mb)
	}
	for _, mb := range general {
		if _, dup := seen[mb.Name]; dup {
			continue
		}
		out = append(out, mb)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FetchHeaders returns summaries of the newest limit messages of mailbox.
func (p *Provider) FetchHeaders(ctx context.Context, mailbox string, limit int) ([]MessageInfo, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("mail: limit must be positive, got %d", limit)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	status, err := p.client.Select(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("mail: select %q: %w", mailbox, err)
	}
	from, to, ok := status.Latest(limit)
	if !ok {
		return nil, fmt.Errorf("%w in %s", ErrNoMessages, mailbox)
	}
	infos, err := p.client.FetchInfos(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("mail: fetch headers in %q: %w", mailbox, err)
	}
	return infos, nil
}

// FetchParts returns the contents of the parts of message uid in mailbox.
// An empty section selects every part in message order.
func (p *Provider) FetchParts(ctx context.Context, mailbox string, uid uint32, section string) ([]mcp.ResourceContents, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.client.Select(ctx, mailbox); err != nil {
		return nil, fmt.Errorf("mail: select %q: %w", mailbox, err)
	}
	msg, err := p.client.FetchMessage(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("mail: fetch message %d in %q: %w", uid, mailbox, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: message %d in %s", ErrMessageNotFound, uid, mailbox)
	}

	if section != "" {
		part, ok := msg.Part(section)
		if !ok {
			return nil, fmt.Errorf("%w: no part with section %s in message %d", ErrPartNotFound, section, uid)
		}
		c, err := partContents(mailbox, uid, part)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{c}, nil
	}

	out := make([]mcp.ResourceContents, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		c, err := partContents(mailbox, uid, part)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DecodeAttachment extracts the text of the first selected part, which must
// be a PDF.
func (p *Provider) DecodeAttachment(ctx context.Context, mailbox string, uid uint32, section string) (string, error) {
	parts, err := p.FetchParts(ctx, mailbox, uid, section)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: failed to find attachment", ErrPartNotFound)
	}
	att := parts[0]
	if att.MimeType != "application/pdf" {
		mt := att.MimeType
		if mt == "" {
			mt = "UNKNOWN"
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContentType, mt)
	}
	if att.Blob == "" {
		return "", ErrMissingData
	}
	data, err := base64.StdEncoding.DecodeString(att.Blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return extractPDFText(data)
}

func (p *Provider) listMailboxesTool(ctx context.Context, w mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[listMailboxesArgs]) error {
	start := time.Now()
	mbs, err := p.ListMailboxes(ctx)
	if err != nil {
		p.log.ErrorContext(ctx, "mail.list_mailboxes.fail", slog.String("err", err.Error()))
		return err
	}
	p.log.InfoContext(ctx, "mail.list_mailboxes.ok", slog.Int("count", len(mbs)), slog.Duration("duration", time.Since(start)))
	return writeJSON(w, mbs)
}

func (p *Provider) fetchHeadersTool(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[fetchHeadersArgs]) error {
	args := r.Args()
	log := p.log.With(slog.String("mailbox", args.Mailbox), slog.Int("limit", args.Limit))
	infos, err := p.FetchHeaders(ctx, args.Mailbox, args.Limit)
	if err != nil {
		log.ErrorContext(ctx, "mail.fetch_headers.fail", slog.String("err", err.Error()))
		return err
	}
	log.InfoContext(ctx, "mail.fetch_headers.ok", slog.Int("count", len(infos)))
	return writeJSON(w, infos)
}

func (p *Provider) fetchPartsTool(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[partArgs]) error {
	args := r.Args()
	log := p.log.With(slog.String("mailbox", args.Mailbox), slog.Any("uid", args.UID), slog.String("section", args.Section))
	parts, err := p.FetchParts(ctx, args.Mailbox, args.UID, args.Section)
	if err != nil {
		log.ErrorContext(ctx, "mail.fetch_parts.fail", slog.String("err", err.Error()))
		return err
	}
	log.InfoContext(ctx, "mail.fetch_parts.ok", slog.Int("count", len(parts)))
	for _, c := range parts {
		if err := w.AppendResource(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) decodeAttachmentTool(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[partArgs]) error {
	args := r.Args()
	log := p.log.With(slog.String("mailbox", args.Mailbox), slog.Any("uid", args.UID), slog.String("section", args.Section))
	text, err := p.DecodeAttachment(ctx, args.Mailbox, args.UID, args.Section)
	if err != nil {
		log.ErrorContext(ctx, "mail.decode_attachment.fail", slog.String("err", err.Error()))
		return err
	}
	log.InfoContext(ctx, "mail.decode_attachment.ok", slog.Int("chars", len(text)))
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func writeJSON(w mcpservice.ToolResponseWriter, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return w.AppendText(string(b))
}

func isTextType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "text/")
}
