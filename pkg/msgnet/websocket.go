package msgnet

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/msgport/internal/logger"
)

// NewWebSocketConn serves a Conn over an established WebSocket. Envelopes travel as
// text messages with the json codec and as binary messages with the proto codec.
func NewWebSocketConn(lg logger.Logger, ws *websocket.Conn, cfg *Config) (*Conn, error) {
	cfg = cfg.orDefault()
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetReadLimit(int64(cfg.MaxFrameSize))
	return NewConn(lg, "websocket", NewWebSocketFrameConn(ws, codec.Binary()), cfg)
}

// WebSocketHandler is an http.Handler that upgrades requests speaking
// ProtocolVersion to WebSocket connections and hands each resulting Conn to onConn.
type WebSocketHandler struct {
	logger.Logger
	cfg       *Config
	upgrader  websocket.Upgrader
	onConn    func(c *Conn)
	connStats *ConnStats
	handler   http.Handler
}

// NewWebSocketHandler creates a WebSocketHandler. onConn owns each Conn it is
// given. When the logger is at debug level or beyond, requests are logged.
func NewWebSocketHandler(lg logger.Logger, cfg *Config, onConn func(c *Conn)) *WebSocketHandler {
	cfg = cfg.orDefault()
	h := &WebSocketHandler{
		Logger: lg.ForkLog("WebSocketHandler"),
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			Subprotocols:    []string{ProtocolVersion},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		onConn:    onConn,
		connStats: NewConnStats("websocket"),
	}
	h.handler = http.HandlerFunc(h.serve)
	if h.GetLogLevel() >= logger.LogLevelDebug {
		h.handler = requestlog.WrapWith(h.handler, requestlog.Options{
			Writer: logWriter{h.Logger},
		})
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// ConnStats returns the connection counters of the handler
func (h *WebSocketHandler) ConnStats() *ConnStats {
	return h.connStats
}

func (h *WebSocketHandler) serve(w http.ResponseWriter, r *http.Request) {
	if strings.ToLower(r.Header.Get("Upgrade")) != "websocket" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	protocol := r.Header.Get("Sec-WebSocket-Protocol")
	if !containsToken(protocol, ProtocolVersion) {
		h.ILogf("Client connection using unsupported websocket protocol '%s', expected '%s'", protocol, ProtocolVersion)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	h.DLogf("Upgrading to websocket, URL tail=\"%s\", protocol=\"%s\"", r.URL.String(), protocol)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}
	id := h.connStats.New()
	c, err := NewWebSocketConn(h.Logger.ForkLog("#%d", id), ws, h.cfg)
	if err != nil {
		h.WLogf("Could not serve websocket: %s", err)
		return
	}
	h.connStats.Open()
	h.DLogf("%s: Open", h.connStats)
	go func() {
		c.WaitShutdown()
		h.connStats.Close()
		h.DLogf("%s: Close", h.connStats)
	}()
	h.onConn(c)
}

func containsToken(header, token string) bool {
	for _, p := range strings.Split(header, ",") {
		if strings.TrimSpace(p) == token {
			return true
		}
	}
	return false
}

// DialWebSocket connects to a WebSocketHandler at url, retrying with exponential
// backoff up to cfg.MaxRetryCount times. Retrying stops when ctx is done.
func DialWebSocket(ctx context.Context, lg logger.Logger, url string, cfg *Config) (*Conn, error) {
	cfg = cfg.orDefault()
	d := websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{ProtocolVersion},
		Proxy:            http.ProxyFromEnvironment,
	}
	var ws *websocket.Conn
	err := retry(ctx, lg, cfg, func() error {
		var err error
		ws, _, err = d.DialContext(ctx, url, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	lg.DLogf("Connected to %s", url)
	return NewWebSocketConn(lg, ws, cfg)
}

// retry calls connect until it succeeds, the retry budget is exhausted or ctx is done
func retry(ctx context.Context, lg logger.Logger, cfg *Config, connect func() error) error {
	b := &backoff.Backoff{Max: cfg.MaxRetryInterval}
	for {
		err := connect()
		if err == nil {
			return nil
		}
		attempt := int(b.Attempt())
		maxAttempt := cfg.MaxRetryCount
		msg := fmt.Sprintf("Connection error: %s", err)
		if attempt > 0 {
			msg += fmt.Sprintf(" (Attempt: %d", attempt)
			if maxAttempt > 0 {
				msg += fmt.Sprintf("/%d", maxAttempt)
			}
			msg += ")"
		}
		lg.DLogf("%s", msg)
		if maxAttempt >= 0 && attempt >= maxAttempt {
			return err
		}
		d := b.Duration()
		lg.ILogf("Retrying in %s...", d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// logWriter adapts a Logger to an io.Writer, one debug line per write
type logWriter struct {
	lg logger.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.lg.DLogf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
