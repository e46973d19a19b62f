package command

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mdecourcy/baymesh-mqtt-bot/internal/meshproto"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/radio"
)

type sentText struct {
	dest    uint32
	channel uint32
	text    string
}

type fakeRadio struct {
	events  chan *meshproto.Event
	lost    chan error
	ready   chan struct{}
	nodeNum uint32
	roles   map[uint32]radio.ChannelRole

	mu      sync.Mutex
	sent    []sentText
	sendErr error
	closed  bool
}

func newFakeRadio(nodeNum uint32) *fakeRadio {
	ready := make(chan struct{})
	close(ready)
	return &fakeRadio{
		events:  make(chan *meshproto.Event, 8),
		lost:    make(chan error, 1),
		ready:   ready,
		nodeNum: nodeNum,
		roles:   map[uint32]radio.ChannelRole{0: radio.RolePrimary},
	}
}

func (f *fakeRadio) Events() <-chan *meshproto.Event { return f.events }
func (f *fakeRadio) Lost() <-chan error              { return f.lost }
func (f *fakeRadio) Ready() <-chan struct{}          { return f.ready }
func (f *fakeRadio) NodeNum() uint32                 { return f.nodeNum }

func (f *fakeRadio) ChannelRole(index uint32) radio.ChannelRole { return f.roles[index] }

func (f *fakeRadio) SendText(dest, channel uint32, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentText{dest, channel, text})
	return nil
}

func (f *fakeRadio) Heartbeat() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr
}

func (f *fakeRadio) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRadio) sentCopy() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentText, len(f.sent))
	copy(out, f.sent)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func singleDialer(r *fakeRadio) Dialer {
	return func() (RadioConn, error) { return r, nil }
}

func newTestListener(t *testing.T, dial Dialer, opts Options) *Listener {
	t.Helper()
	if opts.BroadcastChannel == 0 {
		opts.BroadcastChannel = -1
	}
	f := newExecFixture(nil)
	limiter := NewRateLimiter(10*time.Second, 3)
	l := NewListener(zap.NewNop(), dial, f.exec, limiter, opts)
	t.Cleanup(l.Stop)
	return l
}

func dmCommand(sender, to uint32, text string) *meshproto.Event {
	return &meshproto.Event{
		PacketID: 900, SenderID: sender, To: to,
		Port: meshproto.PortTextMessage, Payload: text, SenderName: "tester",
	}
}

func TestListenerAnswersDirectCommand(t *testing.T) {
	r := newFakeRadio(0x10)
	l := newTestListener(t, singleDialer(r), Options{RetryDelay: 10 * time.Millisecond})
	l.Start()

	r.events <- dmCommand(0x22, 0x10, "!about")

	waitFor(t, "reply", func() bool { return len(r.sentCopy()) > 0 })
	sent := r.sentCopy()
	if sent[0].dest != 0x22 {
		t.Fatalf("reply dest = %#x, want sender", sent[0].dest)
	}
	if !strings.Contains(sent[0].text, "Mesh stats bot") {
		t.Fatalf("reply = %q", sent[0].text)
	}

	st := l.Status()
	if !st.Running || !st.Subscribed || st.State != "listening" {
		t.Fatalf("status = %+v", st)
	}
}

func TestListenerChunksLongReplies(t *testing.T) {
	r := newFakeRadio(0x10)
	l := newTestListener(t, singleDialer(r), Options{ChunkLimit: 40, RetryDelay: 10 * time.Millisecond})
	l.Start()

	// Help text is far longer than 40 chars.
	r.events <- dmCommand(0x22, 0x10, "!help")

	waitFor(t, "chunked reply", func() bool { return len(r.sentCopy()) >= 2 })
	for _, s := range r.sentCopy() {
		if len(s.text) > 40 {
			t.Fatalf("chunk %q exceeds limit", s.text)
		}
	}
}

func TestListenerBroadcastChannelFiltering(t *testing.T) {
	r := newFakeRadio(0x10)
	r.roles[3] = radio.RoleDisabled
	l := newTestListener(t, singleDialer(r), Options{RetryDelay: 10 * time.Millisecond})
	l.Start()

	private := dmCommand(0x22, meshproto.BroadcastAddr, "!about")
	private.Channel = 3
	r.events <- private

	public := dmCommand(0x22, meshproto.BroadcastAddr, "!about")
	r.events <- public // channel 0, primary

	waitFor(t, "public broadcast reply", func() bool { return len(r.sentCopy()) > 0 })
	time.Sleep(50 * time.Millisecond)
	for _, s := range r.sentCopy() {
		if s.channel == 3 {
			t.Fatal("replied to a broadcast on a disabled channel")
		}
	}
	if got := len(r.sentCopy()); got != 1 {
		t.Fatalf("replies = %d, want 1 (public only)", got)
	}
}

func TestListenerIgnoresNonCommands(t *testing.T) {
	r := newFakeRadio(0x10)
	l := newTestListener(t, singleDialer(r), Options{RetryDelay: 10 * time.Millisecond})
	l.Start()

	plain := dmCommand(0x22, 0x10, "just chatting")
	r.events <- plain
	other := dmCommand(0x22, 0x99, "!help") // DM to somebody else
	r.events <- other
	noSender := dmCommand(0, 0x10, "!help")
	r.events <- noSender

	// Prefix fallback: port type absent but payload carries the prefix.
	fallback := dmCommand(0x22, 0x10, "!about")
	fallback.Port = meshproto.PortOther
	r.events <- fallback

	waitFor(t, "fallback reply", func() bool { return len(r.sentCopy()) > 0 })
	time.Sleep(50 * time.Millisecond)
	if got := len(r.sentCopy()); got != 1 {
		t.Fatalf("replies = %d, want only the prefix-fallback one", got)
	}
}

func TestListenerRateLimitNotice(t *testing.T) {
	r := newFakeRadio(0x10)
	f := newExecFixture(nil)
	limiter := NewRateLimiter(10*time.Second, 1)
	// Broadcast channel configured: normal replies get a channel copy, the
	// rate-limit notice must stay a DM.
	l := NewListener(zap.NewNop(), singleDialer(r), f.exec, limiter, Options{RetryDelay: 10 * time.Millisecond, BroadcastChannel: 2})
	t.Cleanup(l.Stop)
	l.Start()

	r.events <- dmCommand(0x22, 0x10, "!about")
	r.events <- dmCommand(0x22, 0x10, "!about")

	waitFor(t, "dm + broadcast + notice", func() bool { return len(r.sentCopy()) >= 3 })
	time.Sleep(50 * time.Millisecond)
	sent := r.sentCopy()
	if len(sent) != 3 {
		t.Fatalf("sends = %d, want 3 (reply DM, reply broadcast, notice DM)", len(sent))
	}
	last := sent[2]
	if last.text != rateLimitNotice {
		t.Fatalf("third send = %q, want rate limit notice", last.text)
	}
	if last.dest != 0x22 {
		t.Fatalf("notice dest = %#x, want the sender", last.dest)
	}
	for _, s := range sent {
		if s.dest == meshproto.BroadcastAddr && s.text == rateLimitNotice {
			t.Fatal("rate limit notice must never be broadcast")
		}
	}
	entries := f.audit.entries
	if len(entries) != 2 || !entries[1].rateLimited {
		t.Fatalf("audit entries = %+v", entries)
	}
}

func TestListenerReplyAlsoBroadcastOnConfiguredChannel(t *testing.T) {
	r := newFakeRadio(0x10)
	l := newTestListener(t, singleDialer(r), Options{RetryDelay: 10 * time.Millisecond, BroadcastChannel: 2})
	l.Start()

	r.events <- dmCommand(0x22, 0x10, "!about")

	waitFor(t, "dm + broadcast", func() bool { return len(r.sentCopy()) >= 2 })
	sent := r.sentCopy()
	if sent[0].dest != 0x22 {
		t.Fatalf("first send dest = %#x, want DM to sender", sent[0].dest)
	}
	last := sent[len(sent)-1]
	if last.dest != meshproto.BroadcastAddr || last.channel != 2 {
		t.Fatalf("broadcast copy = %+v", last)
	}
}

func TestListenerReconnectsAfterSendFailure(t *testing.T) {
	bad := newFakeRadio(0x10)
	bad.sendErr = fmt.Errorf("broken pipe")
	good := newFakeRadio(0x10)

	var mu sync.Mutex
	dials := 0
	dial := func() (RadioConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return bad, nil
		}
		return good, nil
	}

	l := newTestListener(t, dial, Options{RetryDelay: 10 * time.Millisecond})
	l.Start()

	bad.events <- dmCommand(0x22, 0x10, "!about")

	waitFor(t, "reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	})
	bad.mu.Lock()
	closed := bad.closed
	bad.mu.Unlock()
	if !closed {
		t.Fatal("failed connection was not closed")
	}
	if st := l.Status(); st.RestartCount == 0 || st.LastError == "" {
		t.Fatalf("status = %+v", st)
	}

	// The replacement connection still serves commands.
	good.events <- dmCommand(0x22, 0x10, "!about")
	waitFor(t, "reply after reconnect", func() bool { return len(good.sentCopy()) > 0 })
}

func TestListenerReconnectsAfterLostSignal(t *testing.T) {
	first := newFakeRadio(0x10)
	second := newFakeRadio(0x10)

	var mu sync.Mutex
	dials := 0
	dial := func() (RadioConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}

	l := newTestListener(t, dial, Options{RetryDelay: 10 * time.Millisecond})
	l.Start()

	first.lost <- fmt.Errorf("connection reset")
	waitFor(t, "redial", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	})
}

func TestListenerStopDuringRetryWait(t *testing.T) {
	dial := func() (RadioConn, error) { return nil, fmt.Errorf("no radio") }
	f := newExecFixture(nil)
	l := NewListener(zap.NewNop(), dial, f.exec, NewRateLimiter(time.Second, 1),
		Options{RetryDelay: time.Hour, BroadcastChannel: -1})
	l.Start()

	waitFor(t, "reconnecting state", func() bool { return l.Status().State == "reconnecting" })

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the retry wait")
	}
	if st := l.Status(); st.Running || st.State != "stopped" {
		t.Fatalf("status after stop = %+v", st)
	}
}
