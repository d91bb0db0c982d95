package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/engine"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/sessions"
)

// DefaultMaxLineBytes bounds a single inbound message.
const DefaultMaxLineBytes = 4 << 20

// ErrServed is returned when Serve is called a second time.
var ErrServed = errors.New("stdio: handler already served")

// Handler is a single-connection stdio transport. By default it reads
// os.Stdin, writes os.Stdout and identifies the peer as the current OS user.
type Handler struct {
	eng     *engine.Engine
	r       io.Reader
	w       io.Writer
	log     *slog.Logger
	users   UserProvider
	maxLine int

	served atomic.Bool
	wmu    sync.Mutex
}

// NewHandler constructs a stdio Handler serving eng.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		eng:     eng,
		r:       os.Stdin,
		w:       os.Stdout,
		log:     slog.Default(),
		users:   OSUserProvider{},
		maxLine: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.NewLogger(h.log)
	return h
}

type conn struct {
	h      *Handler
	userID string

	mu   sync.Mutex
	sess *sessions.Session

	wg sync.WaitGroup
}

// Serve runs until EOF on the reader or until ctx is done. The session
// created by initialize is deleted on the way out, which cancels any tool
// call still running. Serve returns nil on EOF.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return ErrServed
	}
	userID, err := h.users.CurrentUserID()
	if err != nil {
		return fmt.Errorf("stdio: resolve user: %w", err)
	}
	c := &conn{h: h, userID: userID}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), h.maxLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	h.log.InfoContext(ctx, "stdio.serve.start", slog.String("user_id", userID))
	defer c.close(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				h.log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: read: %w", err)
			}
			h.log.InfoContext(ctx, "stdio.serve.eof")
			return nil
		case line := <-lines:
			c.dispatch(ctx, line)
		}
	}
}

func (c *conn) close(ctx context.Context) {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess != nil {
		if err := c.h.eng.DeleteSession(context.WithoutCancel(ctx), sess); err != nil && !errors.Is(err, sessions.ErrNotFound) {
			c.h.log.WarnContext(ctx, "stdio.session.delete.fail", slog.String("err", err.Error()))
		}
	}
	c.wg.Wait()
}

func (c *conn) session() *sessions.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *conn) dispatch(ctx context.Context, line []byte) {
	start := time.Now()
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		code := jsonrpc.ErrorCodeParseError
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) || errors.Is(err, jsonrpc.ErrInvalidVersion) || errors.Is(err, jsonrpc.ErrInvalidShape) {
			code = jsonrpc.ErrorCodeInvalidRequest
		}
		c.h.write(ctx, jsonrpc.NewErrorResponse(nil, code, err.Error(), nil))
		c.h.log.InfoContext(ctx, "stdio.decode.fail", slog.String("err", err.Error()))
		return
	}

	switch msg.Kind() {
	case jsonrpc.KindResponse:
		c.h.log.DebugContext(ctx, "stdio.response.ignored")
		return
	case jsonrpc.KindNotification:
		c.notification(ctx, msg.AsRequest())
		return
	}

	req := msg.AsRequest()
	if req.Method == string(mcp.InitializeMethod) && c.session() == nil {
		c.initialize(ctx, req, start)
		return
	}
	sess, err := c.refresh(ctx)
	if err != nil {
		c.h.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil))
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := c.h.eng.HandleRequest(ctx, sess, req)
		if err != nil {
			c.h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		c.h.write(ctx, res)
		c.h.log.DebugContext(ctx, "rpc.inbound.ok", slog.String("method", req.Method), slog.Duration("dur", time.Since(start)))
	}()
}

// refresh reloads the session so that its TTL keeps pace with traffic.
func (c *conn) refresh(ctx context.Context) (*sessions.Session, error) {
	sess := c.session()
	if sess == nil {
		return nil, errors.New("session not initialized")
	}
	fresh, err := c.h.eng.LoadSession(ctx, sess.ID, c.userID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return nil, errors.New("session expired")
		}
		c.h.log.ErrorContext(ctx, "stdio.session.load.fail", slog.String("err", err.Error()))
		return nil, errors.New("failed to load session")
	}
	c.mu.Lock()
	c.sess = fresh
	c.mu.Unlock()
	return fresh, nil
}

func (c *conn) initialize(ctx context.Context, req *jsonrpc.Request, start time.Time) {
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		c.h.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil))
		c.h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}
	sess, initRes, err := c.h.eng.InitializeSession(ctx, c.userID, &initReq)
	if err != nil {
		c.h.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to initialize session", nil))
		c.h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	res, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		c.h.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode initialize response", nil))
		return
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	c.h.write(ctx, res)
	c.h.log.InfoContext(logctx.WithSession(ctx, sess), "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

func (c *conn) notification(ctx context.Context, note *jsonrpc.Request) {
	sess := c.session()
	if sess == nil {
		c.h.log.InfoContext(ctx, "stdio.notification.before_initialize", slog.String("method", note.Method))
		return
	}
	if err := c.h.eng.HandleNotification(ctx, sess, note); err != nil {
		c.h.log.WarnContext(ctx, "stdio.notification.fail", slog.String("method", note.Method), slog.String("err", err.Error()))
	}
}

// write frames res as one line. Concurrent request goroutines share the
// writer, so writes are serialized.
func (h *Handler) write(ctx context.Context, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	b = append(b, '\n')

	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		h.log.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
