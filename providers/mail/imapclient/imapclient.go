// Package imapclient implements mail.Client on top of github.com/emersion/go-imap.
//
// Message bodies are fetched whole and split into leaf parts with
// github.com/emersion/go-message, which also removes content-transfer
// encodings and converts text parts to UTF-8.
package imapclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapcli "github.com/emersion/go-imap/client"

	"github.com/ggoodman/mcp-gateway/providers/mail"
)

// Config holds the connection settings of an IMAP account.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS dials with implicit TLS. When false the connection is upgraded
	// with STARTTLS if the server offers it.
	TLS bool

	// Timeout bounds every IMAP command. Zero means no bound.
	Timeout time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is an authenticated IMAP session.
type Client struct {
	c   *imapcli.Client
	log *slog.Logger
}

var _ mail.Client = (*Client)(nil)

// Option configures Dial.
type Option func(*dialOptions)

type dialOptions struct {
	log       *slog.Logger
	tlsConfig *tls.Config
}

// WithLogger sets the logger for connection events and server-side errors.
func WithLogger(log *slog.Logger) Option {
	return func(o *dialOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithTLSConfig overrides the TLS configuration used for implicit TLS and
// STARTTLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *dialOptions) { o.tlsConfig = cfg }
}

// Dial connects to the server and logs in. Network and TLS failures are
// reported as mail.ErrConnectionFailed, rejected credentials as
// mail.ErrAuthFailed.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	o := dialOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tlsConfig == nil {
		o.tlsConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	log := o.log.With(slog.String("addr", cfg.Addr()), slog.String("user", cfg.Username))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		log.ErrorContext(ctx, "imap.dial.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %v", mail.ErrConnectionFailed, err)
	}
	if cfg.TLS {
		tlsConn := tls.Client(conn, o.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			log.ErrorContext(ctx, "imap.tls.fail", slog.String("err", err.Error()))
			return nil, fmt.Errorf("%w: tls handshake: %v", mail.ErrConnectionFailed, err)
		}
		conn = tlsConn
	}

	c, err := imapcli.New(conn)
	if err != nil {
		_ = conn.Close()
		log.ErrorContext(ctx, "imap.greeting.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %v", mail.ErrConnectionFailed, err)
	}
	c.Timeout = cfg.Timeout
	c.ErrorLog = slog.NewLogLogger(o.log.Handler(), slog.LevelWarn)

	if !cfg.TLS {
		if ok, _ := c.SupportStartTLS(); ok {
			if err := c.StartTLS(o.tlsConfig); err != nil {
				_ = c.Terminate()
				log.ErrorContext(ctx, "imap.starttls.fail", slog.String("err", err.Error()))
				return nil, fmt.Errorf("%w: starttls: %v", mail.ErrConnectionFailed, err)
			}
		}
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		log.ErrorContext(ctx, "imap.login.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %v", mail.ErrAuthFailed, err)
	}

	log.InfoContext(ctx, "imap.login.ok")
	return &Client{c: c, log: o.log}, nil
}

// ListMailboxes lists every mailbox with its attributes.
func (cl *Client) ListMailboxes(ctx context.Context) ([]mail.MailboxInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() { done <- cl.c.List("", "*", ch) }()

	var out []mail.MailboxInfo
	for mi := range ch {
		out = append(out, mail.MailboxInfo{Name: mi.Name, Delimiter: mi.Delimiter, Attributes: mi.Attributes})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap list: %w", err)
	}
	return out, nil
}

// Select opens mailbox read-only. A mailbox the server does not list is
// reported as mail.ErrMailboxNotFound.
func (cl *Client) Select(ctx context.Context, mailbox string) (*mail.MailboxStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := cl.c.Select(mailbox, true)
	if err != nil {
		// go-imap drops response codes, so ask the server whether the
		// mailbox exists before deciding what the failure means.
		if ok, lerr := cl.exists(mailbox); lerr == nil && !ok {
			return nil, fmt.Errorf("%w: %s", mail.ErrMailboxNotFound, mailbox)
		}
		return nil, fmt.Errorf("imap select: %w", err)
	}
	return &mail.MailboxStatus{
		Name:        st.Name,
		Messages:    st.Messages,
		UIDNext:     st.UidNext,
		UIDValidity: st.UidValidity,
	}, nil
}

func (cl *Client) exists(mailbox string) (bool, error) {
	ch := make(chan *imap.MailboxInfo, 4)
	done := make(chan error, 1)
	go func() { done <- cl.c.List("", mailbox, ch) }()

	found := false
	for mi := range ch {
		if mi.Name == mailbox {
			found = true
		}
	}
	if err := <-done; err != nil {
		return false, err
	}
	return found, nil
}

// FetchInfos fetches envelopes and body structures for a sequence range.
func (cl *Client) FetchInfos(ctx context.Context, from, to uint32) ([]mail.MessageInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, to)
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchRFC822Size,
		imap.FetchBodyStructure,
	}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- cl.c.Fetch(seqset, items, ch) }()

	var out []mail.MessageInfo
	for msg := range ch {
		out = append(out, messageInfo(msg))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	return out, nil
}

// FetchMessage downloads the message with uid and splits it into parts. It
// returns nil when the uid does not exist in the selected mailbox.
func (cl *Client) FetchMessage(ctx context.Context, uid uint32) (*mail.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- cl.c.UidFetch(seqset, items, ch) }()

	var found *imap.Message
	var body []byte
	var readErr error
	for msg := range ch {
		if msg.Uid != uid || found != nil {
			continue
		}
		found = msg
		if lit := msg.GetBody(section); lit != nil {
			body, readErr = io.ReadAll(lit)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap uid fetch: %w", err)
	}
	if found == nil {
		return nil, nil
	}
	if readErr != nil {
		return nil, fmt.Errorf("imap read body: %w", readErr)
	}

	parts, err := splitParts(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	return &mail.Message{UID: uid, Parts: parts}, nil
}

// Close logs out, falling back to dropping the connection.
func (cl *Client) Close() error {
	if err := cl.c.Logout(); err != nil && !errors.Is(err, imapcli.ErrAlreadyLoggedOut) {
		_ = cl.c.Terminate()
		return err
	}
	return nil
}
