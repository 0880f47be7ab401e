package msgnet

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/msgport/internal/logger"
)

// FrameConn carries whole frames over an underlying connection. ReadFrame is called
// from a single goroutine; WriteFrame may be called concurrently.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(b []byte) error
	Close() error
}

// frameHeaderSize is the size of the big-endian length prefix of a stream frame
const frameHeaderSize = 4

// StreamFrameConn frames an io.ReadWriteCloser with a 4-byte length prefix
type StreamFrameConn struct {
	logger.Logger
	rwc          io.ReadWriteCloser
	r            *bufio.Reader
	maxFrameSize int
	writeLock    sync.Mutex
	closeOnce    sync.Once
	closeErr     error

	// NumBytesRead and NumBytesWritten count the raw bytes moved, headers included
	NumBytesRead    atomic.Int64
	NumBytesWritten atomic.Int64
}

// NewStreamFrameConn wraps rwc. Frames larger than maxFrameSize are rejected in both
// directions.
func NewStreamFrameConn(lg logger.Logger, rwc io.ReadWriteCloser, maxFrameSize int) *StreamFrameConn {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultConfig().MaxFrameSize
	}
	return &StreamFrameConn{
		Logger:       lg,
		rwc:          rwc,
		r:            bufio.NewReader(rwc),
		maxFrameSize: maxFrameSize,
	}
}

// ReadFrame reads the next frame. It returns io.EOF only when the stream ends on a
// frame boundary; a stream cut inside a frame yields io.ErrUnexpectedEOF.
func (c *StreamFrameConn) ReadFrame() ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(c.maxFrameSize) {
		return nil, fmt.Errorf("frame of %s exceeds limit of %s", sizestr.ToString(int64(n)), sizestr.ToString(int64(c.maxFrameSize)))
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	c.NumBytesRead.Add(int64(frameHeaderSize) + int64(n))
	return b, nil
}

// WriteFrame writes b as one frame
func (c *StreamFrameConn) WriteFrame(b []byte) error {
	if len(b) > c.maxFrameSize {
		return fmt.Errorf("frame of %s exceeds limit of %s", sizestr.ToString(int64(len(b))), sizestr.ToString(int64(c.maxFrameSize)))
	}
	buf := make([]byte, frameHeaderSize+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[frameHeaderSize:], b)
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	n, err := c.rwc.Write(buf)
	c.NumBytesWritten.Add(int64(n))
	return err
}

// Close closes the underlying stream
func (c *StreamFrameConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
		c.DLogf("Closed (sent %s received %s)",
			sizestr.ToString(c.NumBytesWritten.Load()), sizestr.ToString(c.NumBytesRead.Load()))
	})
	return c.closeErr
}

// WebSocketFrameConn carries one frame per WebSocket message
type WebSocketFrameConn struct {
	ws          *websocket.Conn
	messageType int
	writeLock   sync.Mutex
	closeOnce   sync.Once
	closeErr    error
}

// NewWebSocketFrameConn wraps ws. Frames are sent as binary messages if binary is
// true, else as text messages.
func NewWebSocketFrameConn(ws *websocket.Conn, binary bool) *WebSocketFrameConn {
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	return &WebSocketFrameConn{ws: ws, messageType: mt}
}

// ReadFrame returns the payload of the next data message. A normal close from the
// peer is reported as io.EOF.
func (c *WebSocketFrameConn) ReadFrame() ([]byte, error) {
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return b, nil
		}
	}
}

// WriteFrame sends b as one message
func (c *WebSocketFrameConn) WriteFrame(b []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.ws.WriteMessage(c.messageType, b)
}

// Close sends a close message and closes the socket
func (c *WebSocketFrameConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeLock.Lock()
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeLock.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
