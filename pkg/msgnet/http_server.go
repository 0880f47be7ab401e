package msgnet

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sammck-go/msgport/internal/asyncobj"
	"github.com/sammck-go/msgport/internal/logger"
)

// HTTPServer extends net/http Server with asyncobj shutdown
type HTTPServer struct {
	*asyncobj.Helper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(lg logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.Helper = asyncobj.NewHelper(lg.ForkLog("HTTPServer"), h)
	return h
}

// HandleOnceShutdown closes the listener and every tracked HTTP connection
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	var err error
	if h.listener != nil {
		err = h.Server.Close()
		if err != nil {
			h.DLogf("close failed, ignoring: %s", err)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Start listens on addr and serves handler in the background. The server shuts
// down when ctx is done or Close is called.
func (h *HTTPServer) Start(ctx context.Context, addr string, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l
			go func() {
				err := h.Serve(l)
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				h.StartShutdown(err)
			}()
			return nil
		},
		true,
	)
}

// ListenAndServe runs the HTTP server on addr, invoking handler for each request.
// It returns after the server has shut down, either because ctx is done or
// because Close was called.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	if err := h.Start(ctx, addr, handler); err != nil {
		return err
	}
	return h.WaitShutdown()
}

// ListenAddr returns the address the server is listening on, or nil before Start
func (h *HTTPServer) ListenAddr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionErr error) error {
	return h.Helper.Shutdown(completionErr)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.Helper.Close()
}
