package imapclient

import (
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"

	"github.com/ggoodman/mcp-gateway/providers/mail"
)

func messageInfo(msg *imap.Message) mail.MessageInfo {
	info := mail.MessageInfo{
		SequenceNumber: msg.SeqNum,
		UID:            msg.Uid,
		Flags:          msg.Flags,
		Size:           msg.Size,
	}
	if env := msg.Envelope; env != nil {
		info.Subject = env.Subject
		info.From = formatAddresses(env.From)
		info.To = formatAddresses(env.To)
		info.Cc = formatAddresses(env.Cc)
		info.Date = env.Date
		info.MessageID = env.MessageId
	}
	if info.Date.IsZero() {
		info.Date = msg.InternalDate
	}
	if msg.BodyStructure != nil {
		info.Parts = partInfos(msg.BodyStructure)
	}
	return info
}

func formatAddresses(addrs []*imap.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		addr := a.Address()
		if a.PersonalName != "" {
			addr = fmt.Sprintf("%s <%s>", a.PersonalName, addr)
		}
		out = append(out, addr)
	}
	return out
}

// partInfos lists the leaves of bs in IMAP section order.
func partInfos(bs *imap.BodyStructure) []mail.PartInfo {
	var out []mail.PartInfo
	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if len(part.Parts) > 0 || strings.EqualFold(part.MIMEType, "multipart") {
			return true
		}
		filename, _ := part.Filename()
		out = append(out, mail.PartInfo{
			Section:     sectionString(path),
			ContentType: strings.ToLower(part.MIMEType + "/" + part.MIMESubType),
			Disposition: strings.ToLower(part.Disposition),
			Filename:    filename,
			Encoding:    strings.ToLower(part.Encoding),
			Size:        part.Size,
		})
		return true
	})
	return out
}

func sectionString(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	s := make([]string, len(path))
	for i, n := range path {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ".")
}

// splitParts parses a raw RFC 5322 message and returns its leaf parts with
// transfer encodings removed. Sections follow IMAP numbering: a message
// without multipart structure has a single part "1".
func splitParts(r io.Reader) ([]mail.Part, error) {
	ent, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("imap parse message: %w", err)
	}

	var parts []mail.Part
	err = ent.Walk(func(path []int, e *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}
		ct, params, _ := e.Header.ContentType()
		if strings.HasPrefix(ct, "multipart/") {
			return nil
		}
		if ct == "" {
			ct = "text/plain"
		}
		data, err := io.ReadAll(e.Body)
		if err != nil {
			return fmt.Errorf("read part %s: %w", imapSection(path), err)
		}
		parts = append(parts, mail.Part{
			Section:     imapSection(path),
			ContentType: strings.ToLower(ct),
			Filename:    entityFilename(e.Header, params),
			Data:        data,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("imap walk message: %w", err)
	}
	return parts, nil
}

// imapSection converts a zero-based entity path into an IMAP section.
func imapSection(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	s := make([]string, len(path))
	for i, n := range path {
		s[i] = strconv.Itoa(n + 1)
	}
	return strings.Join(s, ".")
}

func entityFilename(h message.Header, ctParams map[string]string) string {
	if _, params, err := h.ContentDisposition(); err == nil {
		if name := params["filename"]; name != "" {
			return decodeWord(name)
		}
	}
	return decodeWord(ctParams["name"])
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

func decodeWord(s string) string {
	if s == "" {
		return ""
	}
	if dec, err := wordDecoder.DecodeHeader(s); err == nil {
		return dec
	}
	return s
}
