package radio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/mdecourcy/baymesh-mqtt-bot/internal/meshproto"
)

// ErrClosed is returned from send operations after Close.
var ErrClosed = errors.New("radio connection closed")

const (
	defaultTCPPort    = "4403"
	defaultSerialBaud = 115200
	dialTimeout       = 10 * time.Second
)

// ChannelRole mirrors the node's channel role enum.
type ChannelRole int32

const (
	RoleDisabled  ChannelRole = 0
	RolePrimary   ChannelRole = 1
	RoleSecondary ChannelRole = 2
)

// Public reports whether broadcasts on a channel with this role are open
// mesh traffic.
func (r ChannelRole) Public() bool {
	return r == RolePrimary || r == RoleSecondary
}

// Conn is one live stream connection to a node. Inbound packets are decoded
// and delivered on Events; a read failure is delivered once on Lost.
type Conn struct {
	logger *zap.Logger
	codec  *meshproto.Codec
	rw     io.ReadWriteCloser
	br     *bufio.Reader

	writeMu sync.Mutex

	events chan *meshproto.Event
	lost   chan error
	ready  chan struct{}

	mu           sync.Mutex
	channels     map[uint32]ChannelRole
	nodeNum      uint32
	wantConfigID uint32

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a connection from a URL: tcp://host[:port] (default port 4403)
// or serial:///dev/ttyUSB0.
func Dial(rawURL string, codec *meshproto.Codec, logger *zap.Logger) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "tcp":
		addr := u.Host
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, defaultTCPPort)
		}
		nc, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dial radio %s: %w", addr, err)
		}
		return NewConn(nc, codec, logger)
	case "serial":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		port, err := serial.Open(path, &serial.Mode{BaudRate: defaultSerialBaud})
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", path, err)
		}
		// Wake the device's stream protocol parser out of debug-log mode.
		if _, err := port.Write(wakeBytes()); err != nil {
			port.Close()
			return nil, fmt.Errorf("serial wake: %w", err)
		}
		return NewConn(port, codec, logger)
	default:
		return nil, fmt.Errorf("unsupported connection scheme %q", u.Scheme)
	}
}

func wakeBytes() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = frameStart2
	}
	return b
}

// NewConn wraps an open transport, requests the node's config, and starts
// the read loop. The caller owns closing the Conn; the transport is closed
// with it.
func NewConn(rw io.ReadWriteCloser, codec *meshproto.Codec, logger *zap.Logger) (*Conn, error) {
	c := &Conn{
		logger:       logger,
		codec:        codec,
		rw:           rw,
		br:           bufio.NewReader(rw),
		events:       make(chan *meshproto.Event, 64),
		lost:         make(chan error, 1),
		ready:        make(chan struct{}),
		channels:     make(map[uint32]ChannelRole),
		wantConfigID: rand.Uint32(),
		closed:       make(chan struct{}),
	}
	if err := c.send(encodeWantConfig(c.wantConfigID)); err != nil {
		rw.Close()
		return nil, fmt.Errorf("request config: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// Events delivers decoded inbound packets. The channel is never closed;
// consumers should select against Lost and their own cancellation.
func (c *Conn) Events() <-chan *meshproto.Event { return c.events }

// Lost delivers at most one error when the read side fails.
func (c *Conn) Lost() <-chan error { return c.lost }

// Ready is closed once the node finishes replaying its config, meaning the
// channel table and node number are populated.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// NodeNum returns the connected node's own id, zero before Ready.
func (c *Conn) NodeNum() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeNum
}

// ChannelRole returns the role of a channel index, RoleDisabled if unknown.
func (c *Conn) ChannelRole(index uint32) ChannelRole {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[index]
}

// SendText transmits one text packet. dest may be the broadcast address.
func (c *Conn) SendText(dest, channel uint32, text string, wantAck bool) error {
	return c.send(encodeTextPacket(dest, channel, rand.Uint32(), wantAck, text))
}

// Heartbeat keeps a TCP session alive during idle periods.
func (c *Conn) Heartbeat() error {
	return c.send(encodeHeartbeat())
}

func (c *Conn) send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.rw, payload); err != nil {
		return fmt.Errorf("radio write: %w", err)
	}
	return nil
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rw.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	for {
		payload, err := readFrame(c.br)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.lost <- fmt.Errorf("radio read: %w", err)
			}
			return
		}
		c.handleFrame(payload)
	}
}

func (c *Conn) handleFrame(payload []byte) {
	frame, err := parseFromRadio(payload)
	if err != nil {
		c.logger.Debug("unparseable radio frame", zap.Error(err))
		return
	}
	switch {
	case frame.packet != nil:
		ev := c.codec.DecodeMeshPacket(frame.packet)
		if ev == nil {
			return
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warn("radio event buffer full, dropping packet",
				zap.Uint64("packet_id", ev.PacketID))
		}
	case frame.hasMyNodeNum:
		c.mu.Lock()
		c.nodeNum = frame.myNodeNum
		c.mu.Unlock()
		c.logger.Debug("radio node id", zap.Uint32("node_num", frame.myNodeNum))
	case frame.hasChannel:
		c.mu.Lock()
		c.channels[frame.channelIndex] = frame.channelRole
		c.mu.Unlock()
	case frame.hasConfigComplete:
		if frame.configCompleteID == c.wantConfigID {
			select {
			case <-c.ready:
			default:
				close(c.ready)
			}
			c.logger.Info("radio config replay complete",
				zap.Uint32("node_num", c.NodeNum()),
				zap.Int("channels", c.channelCount()))
		}
	}
}

func (c *Conn) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}
