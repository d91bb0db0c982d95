package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/uritemplate"
)

// Scheme is the URI scheme of mail resources.
const Scheme = "mail"

var (
	// PartTemplate addresses a single message part.
	PartTemplate = uritemplate.MustParse("mail://{mailbox}/{uid}/{section}")

	// partURITemplate is the longer form published in part contents; the
	// trailing segment carries a file name for the client's benefit.
	partURITemplate = uritemplate.MustParse("mail://{mailbox}/{uid}/{section}/{filename}")
)

// ListResources reports no static resources; parts are reachable only
// through the template.
func (p *Provider) ListResources(context.Context) ([]mcp.Resource, error) {
	return []mcp.Resource{}, nil
}

// ListResourceTemplates returns the single part template.
func (p *Provider) ListResourceTemplates(context.Context) ([]mcp.ResourceTemplate, error) {
	return []mcp.ResourceTemplate{{
		URITemplate: PartTemplate.String(),
		Name:        "Contains a specific part of an email",
		Description: "Mailbox is the name of the mailbox that contains the email. UID is the unique identifier of the email. section is a string representing the part of the email i.e '1.2'.",
	}}, nil
}

// ReadResource fetches the part addressed by uri. It returns nil contents
// when the message or part does not exist.
func (p *Provider) ReadResource(ctx context.Context, uri string) (*mcp.ResourceContents, error) {
	scheme, _, _ := strings.Cut(uri, "://")
	if scheme != Scheme {
		if scheme == uri {
			scheme = "NONE"
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}

	vars, err := PartTemplate.Match(uri)
	if err != nil {
		return nil, fmt.Errorf("mail: extract variables from %q: %w", uri, err)
	}
	mailbox, uidStr, section := vars["mailbox"], vars["uid"], vars["section"]
	if mailbox == "" || uidStr == "" || section == "" {
		return nil, ErrMissingRequiredVariables
	}
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: uid %q is not an integer", ErrMissingRequiredVariables, uidStr)
	}

	parts, err := p.FetchParts(ctx, mailbox, uint32(uid), section)
	if errors.Is(err, ErrMailboxNotFound) || errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrPartNotFound) {
		p.log.DebugContext(ctx, "mail.read_resource.not_found", slog.String("uri", uri), slog.String("err", err.Error()))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return &parts[0], nil
}

// partContents renders a part as resource contents. Text parts carry both
// the decoded text and the raw bytes; other parts only the bytes.
func partContents(mailbox string, uid uint32, part Part) (mcp.ResourceContents, error) {
	uri, err := partURITemplate.Expand(map[string]string{
		"mailbox":  mailbox,
		"uid":      strconv.FormatUint(uint64(uid), 10),
		"section":  part.Section,
		"filename": suggestedFilename(part),
	})
	if err != nil {
		return mcp.ResourceContents{}, fmt.Errorf("mail: build uri for part %s: %w", part.Section, err)
	}
	c := mcp.ResourceContents{
		URI:      uri,
		MimeType: part.ContentType,
		Blob:     base64.StdEncoding.EncodeToString(part.Data),
	}
	if isTextType(part.ContentType) && utf8.Valid(part.Data) {
		c.Text = string(part.Data)
	}
	return c, nil
}

var preferredExt = map[string]string{
	"text/plain":      ".txt",
	"text/html":       ".html",
	"text/calendar":   ".ics",
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
}

func suggestedFilename(part Part) string {
	if part.Filename != "" {
		return part.Filename
	}
	ext, ok := preferredExt[strings.ToLower(part.ContentType)]
	if !ok {
		if exts, _ := mime.ExtensionsByType(part.ContentType); len(exts) > 0 {
			ext = exts[0]
		} else {
			ext = ".dat"
		}
	}
	return "part_" + strings.ReplaceAll(part.Section, ".", "_") + ext
}
