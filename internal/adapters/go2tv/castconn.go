package go2tv

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gogo/protobuf/proto"
	pb "github.com/vishen/go-chromecast/cast/proto"
	"go2tv.app/cast-router/internal/adapters"
)

const (
	castDialTimeout = 3 * time.Second
	castKeepAlive   = 30 * time.Second

	// maxFrameBytes is the largest Cast v2 message a receiver accepts.
	maxFrameBytes = 64 << 10
)

var errFrameTooLarge = errors.New("cast frame exceeds size limit")

// dialTLS is replaced in tests. Receivers present self-signed device
// certificates.
var dialTLS = func(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: castDialTimeout, KeepAlive: castKeepAlive},
		Config:    &tls.Config{InsecureSkipVerify: true},
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

type CastConnFactory struct{}

func (CastConnFactory) NewCastConn() adapters.CastConn {
	return &CastConnAdapter{
		messages: make(chan adapters.CastMessage, 16),
		done:     make(chan struct{}),
	}
}

// CastConnAdapter speaks Cast v2 framing over TLS. Every payload travels as a
// STRING frame exactly as given, so app namespaces may carry plain text.
type CastConnAdapter struct {
	messages chan adapters.CastMessage
	done     chan struct{}

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *CastConnAdapter) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	started, closed := c.conn != nil, c.closed
	c.mu.Unlock()
	if started {
		return errors.New("cast connection already started")
	}
	if closed {
		return errors.New("cast connection closed")
	}

	conn, err := dialTLS(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("connect to cast receiver %s:%d: %w", host, port, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return errors.New("cast connection closed")
	}
	c.conn = conn
	go c.readLoop(conn)
	return nil
}

func (c *CastConnAdapter) readLoop(conn net.Conn) {
	defer close(c.messages)
	for {
		msg, err := readFrame(conn)
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}
		// Binary payloads belong to device authentication.
		if msg.GetPayloadType() != pb.CastMessage_STRING {
			continue
		}
		out := adapters.CastMessage{
			SourceID:      msg.GetSourceId(),
			DestinationID: msg.GetDestinationId(),
			Namespace:     msg.GetNamespace(),
			Payload:       msg.GetPayloadUtf8(),
		}
		select {
		case c.messages <- out:
		case <-c.done:
			return
		}
	}
}

func (c *CastConnAdapter) Send(sourceID, destinationID, namespace string, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("cast connection not started")
	}
	if !utf8.Valid(payload) {
		return errors.New("cast payload is not valid UTF-8")
	}

	frame, err := encodeFrame(sourceID, destinationID, namespace, string(payload))
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write cast frame: %w", err)
	}
	return nil
}

func (c *CastConnAdapter) Messages() <-chan adapters.CastMessage {
	return c.messages
}

func (c *CastConnAdapter) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		} else {
			close(c.messages)
		}
	})
	return err
}

// encodeFrame builds one length-prefixed CastMessage carrying text.
func encodeFrame(sourceID, destinationID, namespace, text string) ([]byte, error) {
	msg := &pb.CastMessage{
		ProtocolVersion: pb.CastMessage_CASTV2_1_0.Enum(),
		SourceId:        proto.String(sourceID),
		DestinationId:   proto.String(destinationID),
		Namespace:       proto.String(namespace),
		PayloadType:     pb.CastMessage_STRING.Enum(),
		PayloadUtf8:     proto.String(text),
	}
	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode cast frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return nil, errFrameTooLarge
	}
	frame := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	return append(frame, body...), nil
}

// readFrame reads one length-prefixed CastMessage. An empty frame yields a nil
// message.
func readFrame(r io.Reader) (*pb.CastMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes: %w", size, errFrameTooLarge)
	}
	if size == 0 {
		return nil, nil
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	msg := &pb.CastMessage{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("decode cast frame: %w", err)
	}
	return msg, nil
}

var (
	_ adapters.CastConnFactory = CastConnFactory{}
	_ adapters.CastConn        = (*CastConnAdapter)(nil)
)
