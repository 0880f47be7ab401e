package msgnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/sammck-go/msgport/internal/logger"
)

// maxStreamIDSize bounds the id header that opens every yamux stream
const maxStreamIDSize = 1024

// YamuxMuxer carries streams as yamux streams. Each stream starts with a
// length-prefixed id header written by the opener.
type YamuxMuxer struct {
	logger.Logger
	session       *yamux.Session
	headerTimeout time.Duration
}

// NewYamuxMuxer starts a yamux session over conn. Exactly one side of a connection
// must pass server=true.
func NewYamuxMuxer(lg logger.Logger, conn io.ReadWriteCloser, server bool, cfg *Config) (*YamuxMuxer, error) {
	cfg = cfg.orDefault()
	m := &YamuxMuxer{headerTimeout: cfg.AttachTimeout}
	yc := yamux.DefaultConfig()
	if server {
		m.Logger = lg.ForkLog("YamuxServer")
	} else {
		m.Logger = lg.ForkLog("YamuxClient")
	}
	yc.LogOutput = nil
	yc.Logger = m.Logger
	if cfg.KeepAlive > 0 {
		yc.KeepAliveInterval = cfg.KeepAlive
	} else {
		yc.EnableKeepAlive = false
	}
	var err error
	if server {
		m.session, err = yamux.Server(conn, yc)
	} else {
		m.session, err = yamux.Client(conn, yc)
	}
	if err != nil {
		conn.Close()
		return nil, m.Errorf("could not start session: %s", err)
	}
	return m, nil
}

// Kind returns "yamux"
func (m *YamuxMuxer) Kind() string {
	return "yamux"
}

// OpenStream opens a stream and writes its id header
func (m *YamuxMuxer) OpenStream(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := m.session.OpenStream()
	if err != nil {
		return nil, err
	}
	if err := writeIDHeader(s, id); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// AcceptStream accepts the next stream and reads its id header
func (m *YamuxMuxer) AcceptStream(ctx context.Context) (string, io.ReadWriteCloser, error) {
	for {
		s, err := m.session.AcceptStreamWithContext(ctx)
		if err != nil {
			return "", nil, err
		}
		if m.headerTimeout > 0 {
			s.SetReadDeadline(time.Now().Add(m.headerTimeout))
		}
		id, err := readIDHeader(s)
		if err != nil {
			m.DLogf("Dropping stream %d without a valid id header: %s", s.StreamID(), err)
			s.Close()
			continue
		}
		s.SetReadDeadline(time.Time{})
		return id, s, nil
	}
}

// Close closes the yamux session and the underlying connection
func (m *YamuxMuxer) Close() error {
	return m.session.Close()
}

func writeIDHeader(w io.Writer, id string) error {
	if len(id) > maxStreamIDSize {
		return fmt.Errorf("stream id of %d bytes is too long", len(id))
	}
	buf := make([]byte, 2+len(id))
	binary.BigEndian.PutUint16(buf, uint16(len(id)))
	copy(buf[2:], id)
	_, err := w.Write(buf)
	return err
}

func readIDHeader(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 || int(n) > maxStreamIDSize {
		return "", fmt.Errorf("invalid stream id length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
