package command

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mdecourcy/baymesh-mqtt-bot/internal/meshproto"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/radio"
)

// State of the listener's connection machine.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// RadioConn is the slice of radio.Conn the listener drives. Narrowed so
// tests can substitute a fake transport.
type RadioConn interface {
	Events() <-chan *meshproto.Event
	Lost() <-chan error
	Ready() <-chan struct{}
	NodeNum() uint32
	ChannelRole(index uint32) radio.ChannelRole
	SendText(dest, channel uint32, text string, wantAck bool) error
	Heartbeat() error
	Close() error
}

// heartbeatInterval keeps an idle TCP stream session from being dropped by
// the node.
const heartbeatInterval = 5 * time.Minute

// Dialer opens a fresh radio connection for each (re)connect attempt.
type Dialer func() (RadioConn, error)

// Options tune reply delivery and reconnect behavior.
type Options struct {
	ChunkLimit int
	ChunkPause time.Duration
	RetryDelay time.Duration
	// BroadcastChannel additionally posts each reply as a broadcast on
	// this channel index; negative disables it.
	BroadcastChannel int
}

// Status is the listener's health-check snapshot.
type Status struct {
	Running      bool
	Subscribed   bool
	State        string
	RestartCount int
	LastError    string
}

// Listener owns the interactive radio side: one goroutine runs the
// reconnect state machine and consumes inbound events; replies are sent
// inline from that goroutine.
type Listener struct {
	logger  *zap.Logger
	dial    Dialer
	exec    *Executor
	limiter *RateLimiter
	opts    Options

	mu           sync.Mutex
	state        State
	subscribed   bool
	restartCount int
	lastErr      string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewListener(logger *zap.Logger, dial Dialer, exec *Executor, limiter *RateLimiter, opts Options) *Listener {
	if opts.ChunkLimit <= 0 {
		opts.ChunkLimit = 200
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Listener{
		logger:  logger,
		dial:    dial,
		exec:    exec,
		limiter: limiter,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the run loop. It returns immediately; connection failures
// are retried inside the loop.
func (l *Listener) Start() {
	l.setState(StateStarting)
	l.wg.Add(1)
	go l.run()
}

// Stop exits the run loop, cancelling any in-progress wait, and closes the
// radio connection. Idempotent.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
		l.setState(StateStopped)
		l.logger.Info("command listener stopped")
	})
}

// Status returns a point-in-time snapshot.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Running:      l.state == StateListening || l.state == StateStarting || l.state == StateReconnecting,
		Subscribed:   l.subscribed,
		State:        l.state.String(),
		RestartCount: l.restartCount,
		LastError:    l.lastErr,
	}
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) recordFailure(err error) {
	l.mu.Lock()
	l.state = StateReconnecting
	l.subscribed = false
	l.restartCount++
	l.lastErr = err.Error()
	l.mu.Unlock()
}

func (l *Listener) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		conn, err := l.dial()
		if err != nil {
			l.recordFailure(err)
			l.logger.Warn("radio connect failed, retrying",
				zap.Duration("retry_in", l.opts.RetryDelay), zap.Error(err))
			if !l.sleep(l.opts.RetryDelay) {
				return
			}
			continue
		}

		l.awaitConfig(conn)
		l.mu.Lock()
		l.state = StateListening
		l.subscribed = true
		l.mu.Unlock()
		l.logger.Info("listening for mesh commands", zap.Uint32("node_num", conn.NodeNum()))

		if !l.serve(conn) {
			conn.Close()
			return
		}
		conn.Close()
		if !l.sleep(l.opts.RetryDelay) {
			return
		}
	}
}

// awaitConfig gives the node a bounded window to replay its channel table
// before we start filtering on channel roles.
func (l *Listener) awaitConfig(conn RadioConn) {
	select {
	case <-conn.Ready():
	case <-l.stopCh:
	case <-time.After(15 * time.Second):
		l.logger.Warn("radio config replay timed out, proceeding without channel table")
	}
}

// serve consumes events until stop (returns false) or a connection failure
// (returns true, caller reconnects).
func (l *Listener) serve(conn RadioConn) bool {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-l.stopCh:
			return false
		case err := <-conn.Lost():
			l.recordFailure(err)
			l.logger.Warn("radio connection lost", zap.Error(err))
			return true
		case <-heartbeat.C:
			if err := conn.Heartbeat(); err != nil {
				l.recordFailure(err)
				l.logger.Warn("radio heartbeat failed, reconnecting", zap.Error(err))
				return true
			}
		case ev := <-conn.Events():
			if err := l.handleEvent(conn, ev); err != nil {
				l.recordFailure(err)
				l.logger.Warn("radio send failed, reconnecting", zap.Error(err))
				return true
			}
		}
	}
}

// handleEvent filters one inbound event and, when it is a command for us,
// executes and answers it. A returned error is a hard send failure.
func (l *Listener) handleEvent(conn RadioConn, ev *meshproto.Event) error {
	if !l.isCommand(ev) {
		return nil
	}
	if !l.isAddressedToUs(conn, ev) {
		return nil
	}
	if ev.SenderID == 0 {
		return nil
	}

	allowed := l.limiter.Allow(int64(ev.SenderID))
	if !allowed {
		l.logger.Info("rate limited sender",
			zap.Uint32("sender", ev.SenderID), zap.String("command", ev.Payload))
	}
	reply := l.exec.Execute(context.Background(), ev.SenderID, ev.SenderName, ev.Payload, !allowed)
	// Rate-limit notices stay a DM; only normal replies get the channel copy.
	return l.sendReply(conn, ev, reply, allowed)
}

// isCommand accepts a decoded text message, or any payload carrying the
// command prefix when the port type is absent, then requires the prefix.
func (l *Listener) isCommand(ev *meshproto.Event) bool {
	payload := strings.TrimSpace(ev.Payload)
	if ev.Port != meshproto.PortTextMessage && !strings.HasPrefix(payload, Prefix) {
		return false
	}
	return strings.HasPrefix(payload, Prefix)
}

// isAddressedToUs accepts direct messages to our node, and broadcasts only
// on channels with a public role.
func (l *Listener) isAddressedToUs(conn RadioConn, ev *meshproto.Event) bool {
	if !ev.IsDirect() {
		return ev.To == meshproto.BroadcastAddr && conn.ChannelRole(ev.Channel).Public()
	}
	nodeNum := conn.NodeNum()
	return nodeNum != 0 && ev.To == nodeNum
}

// sendReply chunks the reply and sends each chunk as a DM to the sender,
// pausing between chunks so the radio can drain. If a broadcast channel is
// configured the reply is posted there afterwards, unless broadcast is false.
func (l *Listener) sendReply(conn RadioConn, ev *meshproto.Event, reply string, broadcast bool) error {
	chunks := meshproto.Chunk(reply, l.opts.ChunkLimit)
	for i, chunk := range chunks {
		if i > 0 && !l.sleep(l.opts.ChunkPause) {
			return nil
		}
		if err := conn.SendText(ev.SenderID, ev.Channel, chunk, false); err != nil {
			return err
		}
	}
	if broadcast && l.opts.BroadcastChannel >= 0 {
		for i, chunk := range chunks {
			if i > 0 && !l.sleep(l.opts.ChunkPause) {
				return nil
			}
			if err := conn.SendText(meshproto.BroadcastAddr, uint32(l.opts.BroadcastChannel), chunk, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// sleep waits for d unless Stop is called first; false means stopping.
func (l *Listener) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-l.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
