// Package ingest owns the MQTT session to the mesh broker. It decodes the
// wire stream, reconciles gateway relays through the grouping engine, and
// turns finalized groups into persisted message records.
package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mdecourcy/baymesh-mqtt-bot/internal/config"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/meshproto"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/packetgroup"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/storage"
)

// MessageStore is the slice of persistence the ingestion client needs for
// message records.
type MessageStore interface {
	CreateMessage(ctx context.Context, p storage.CreateMessageParams) (*storage.Message, error)
	AddGateway(ctx context.Context, m *storage.Message, gatewayID string) error
	GetMessageByPacketID(ctx context.Context, messageID string) (*storage.Message, error)
}

// UserStore resolves and maintains sender identities.
type UserStore interface {
	GetUserByID(ctx context.Context, userID int64) (*storage.User, error)
	CreateUser(ctx context.Context, userID int64, username string, meshID *string, role *int64) (*storage.User, error)
	GetOrCreateUser(ctx context.Context, userID int64, username string, meshID *string, role *int64) (*storage.User, error)
	UpdateUsername(ctx context.Context, userID int64, username string) (*storage.User, error)
	UpdateRole(ctx context.Context, userID int64, role int64) (*storage.User, error)
	TouchLastSeen(ctx context.Context, userID int64, at time.Time) error
}

// FramePublisher forwards accepted raw frames to an external pipeline.
type FramePublisher interface {
	Publish(ctx context.Context, gatewayID string, payload []byte) error
}

// Status is a read-only snapshot of the client, consumed by health checks
// and the "stats status" command.
type Status struct {
	Connected     bool
	MessagesToday int
	LastMessage   time.Time
	Reconnects    int
	Uptime        string
}

// Client is the MQTT ingestion client. Two workers cooperate: the paho
// network loop delivering inbound messages, and the flush loop draining aged
// packet groups. They share only the grouping queue's locked map.
type Client struct {
	cfg      *config.Config
	logger   *zap.Logger
	codec    *meshproto.Codec
	queue    *packetgroup.Queue
	messages MessageStore
	users    UserStore
	firehose FramePublisher

	client mqtt.Client

	mu           sync.Mutex
	connected    bool
	connectedAt  time.Time
	messageCount int
	lastMessage  time.Time
	reconnects   int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds the client. firehose may be nil when Kafka export is disabled.
func New(cfg *config.Config, logger *zap.Logger, codec *meshproto.Codec, queue *packetgroup.Queue, messages MessageStore, users UserStore, firehose FramePublisher) *Client {
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		codec:    codec,
		queue:    queue,
		messages: messages,
		users:    users,
		firehose: firehose,
		stopCh:   make(chan struct{}),
	}
	c.client = mqtt.NewClient(c.buildOptions())
	return c
}

func (c *Client) buildOptions() *mqtt.ClientOptions {
	scheme, port := "tcp", 1883
	if c.cfg.MQTTTLSEnabled {
		scheme, port = "ssl", 8883
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, c.cfg.MQTTServer, port)
	if strings.Contains(c.cfg.MQTTServer, ":") {
		broker = fmt.Sprintf("%s://%s", scheme, c.cfg.MQTTServer)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("meshstats-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false)

	if c.cfg.MQTTUsername != "" {
		opts.SetUsername(c.cfg.MQTTUsername)
		opts.SetPassword(c.cfg.MQTTPassword)
	}
	if c.cfg.MQTTTLSEnabled {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: c.cfg.MQTTTLSInsecure})
	}

	opts.SetWill(c.cfg.MQTTRootTopic+"/status", `{"status": "offline"}`, 1, false)

	opts.OnConnect = func(client mqtt.Client) {
		c.mu.Lock()
		c.connected = true
		c.connectedAt = time.Now()
		c.mu.Unlock()

		topic := c.cfg.MQTTRootTopic + "/#"
		c.logger.Info("connected to MQTT broker", zap.String("broker", broker), zap.String("topic", topic))
		if token := client.Subscribe(topic, 0, c.handleMessage); token.Wait() && token.Error() != nil {
			c.logger.Error("mqtt subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.reconnects++
		c.mu.Unlock()
		// paho's auto-reconnect takes it from here; we only track the count.
		c.logger.Warn("unexpected mqtt disconnect", zap.Error(err))
	}
	return opts
}

// Start connects to the broker and launches the flush loop. A connect
// failure is returned to the caller; mid-session drops are handled by the
// transport's own reconnect.
func (c *Client) Start() error {
	c.logger.Info("connecting to MQTT broker",
		zap.String("server", c.cfg.MQTTServer),
		zap.String("username", c.cfg.MQTTUsername))
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}

	c.wg.Add(1)
	go c.flushLoop()
	return nil
}

// Stop shuts the flush loop down, waits for it, and releases the MQTT
// session. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		c.client.Disconnect(250)
		c.logger.Info("mqtt ingestion stopped")
	})
}

// Status returns a point-in-time snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Connected:     c.connected,
		MessagesToday: c.messageCount,
		LastMessage:   c.lastMessage,
		Reconnects:    c.reconnects,
		Uptime:        c.uptimeLocked(),
	}
}

func (c *Client) uptimeLocked() string {
	if !c.connected || c.connectedAt.IsZero() {
		return "n/a"
	}
	seconds := int(time.Since(c.connectedAt).Seconds())
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	default:
		return fmt.Sprintf("%dd %dh", seconds/86400, (seconds%86400)/3600)
	}
}

func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	ev := c.codec.Decode(msg.Payload(), msg.Topic())
	if ev == nil {
		return
	}
	c.handleDecoded(ev, msg.Payload())
}

// handleDecoded routes one decoded event: node-info applies immediately,
// text goes through the grouping engine, everything else is discarded.
func (c *Client) handleDecoded(ev *meshproto.Event, raw []byte) {
	if ev.SenderID == 0 {
		c.logger.Debug("event missing sender id, skipping", zap.Uint64("packet_id", ev.PacketID))
		return
	}

	switch ev.Port {
	case meshproto.PortNodeInfo:
		c.applyNodeInfo(ev)
		return
	case meshproto.PortTextMessage:
		// fall through
	default:
		return
	}

	if c.firehose != nil {
		if err := c.firehose.Publish(context.Background(), ev.GatewayID, raw); err != nil {
			c.logger.Warn("firehose publish failed", zap.Error(err))
		}
	}

	added, lateArrival := c.queue.Add(ev)
	if !added {
		return
	}
	if lateArrival {
		c.attachLateGateway(ev)
		return
	}
	c.logger.Debug("queued packet relay",
		zap.Uint64("packet_id", ev.PacketID),
		zap.Uint32("sender", ev.SenderID),
		zap.String("gateway", ev.GatewayID))
}

// attachLateGateway handles a relay whose group was already flushed: the
// gateway is attached directly to the persisted record. A fresh packet id
// also lands here (no live group existed yet); it has no record to attach to
// and will be persisted by the flush loop instead.
func (c *Client) attachLateGateway(ev *meshproto.Event) {
	if ev.GatewayID == "" {
		return
	}
	ctx := context.Background()
	messageID := strconv.FormatUint(ev.PacketID, 10)

	msg, err := c.messages.GetMessageByPacketID(ctx, messageID)
	if err != nil {
		c.logger.Error("late gateway lookup failed", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	if msg == nil {
		c.logger.Debug("no persisted record for packet yet",
			zap.String("message_id", messageID), zap.String("gateway", ev.GatewayID))
		return
	}
	if err := c.messages.AddGateway(ctx, msg, ev.GatewayID); err != nil {
		c.logger.Error("late gateway attach failed",
			zap.String("message_id", messageID), zap.String("gateway", ev.GatewayID), zap.Error(err))
		return
	}
	c.logger.Info("attached late gateway",
		zap.String("message_id", messageID),
		zap.String("gateway", ev.GatewayID),
		zap.Int("gateway_count", msg.GatewayCount))
}

// applyNodeInfo updates or creates the sender's identity record. Node-info
// is latest-wins and never goes through the grouping path.
func (c *Client) applyNodeInfo(ev *meshproto.Event) {
	ctx := context.Background()
	senderID := int64(ev.SenderID)

	user, err := c.users.GetUserByID(ctx, senderID)
	if err != nil {
		c.logger.Error("node-info user lookup failed", zap.Int64("user_id", senderID), zap.Error(err))
		return
	}
	var role *int64
	if ev.Role != nil {
		r := int64(*ev.Role)
		role = &r
	}
	if user == nil {
		if _, err := c.users.CreateUser(ctx, senderID, ev.SenderName, nil, role); err != nil {
			c.logger.Error("node-info user create failed", zap.Int64("user_id", senderID), zap.Error(err))
			return
		}
		c.logger.Info("created user from node-info",
			zap.Int64("user_id", senderID), zap.String("name", ev.SenderName))
		return
	}

	// Only a real declared name replaces the stored one; generated
	// node-... fallbacks never overwrite.
	if ev.SenderName != "" && ev.SenderName != user.Username && !strings.HasPrefix(ev.SenderName, "node-") {
		if _, err := c.users.UpdateUsername(ctx, senderID, ev.SenderName); err != nil {
			c.logger.Error("node-info username update failed", zap.Int64("user_id", senderID), zap.Error(err))
		} else {
			c.logger.Info("updated username from node-info",
				zap.Int64("user_id", senderID),
				zap.String("old", user.Username),
				zap.String("new", ev.SenderName))
		}
	}
	if role != nil && (user.Role == nil || *user.Role != *role) {
		if _, err := c.users.UpdateRole(ctx, senderID, *role); err != nil {
			c.logger.Error("node-info role update failed", zap.Int64("user_id", senderID), zap.Error(err))
		} else {
			c.logger.Info("updated role from node-info",
				zap.Int64("user_id", senderID), zap.Int64("role", *role))
		}
	}
}

// flushLoop wakes every flush interval, persists groups older than the
// grouping window, and periodically clears the duplicate-hash set.
func (c *Client) flushLoop() {
	defer c.wg.Done()

	flushEvery := time.Duration(c.cfg.FlushIntervalSeconds) * time.Second
	window := time.Duration(c.cfg.GroupingWindowSeconds) * time.Second
	const hashClearEvery = 300 * time.Second

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	lastClear := time.Now()

	c.logger.Info("packet flush loop started",
		zap.Duration("interval", flushEvery), zap.Duration("window", window))
	for {
		select {
		case <-c.stopCh:
			c.logger.Info("packet flush loop stopped")
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-window)
			for _, group := range c.queue.PopGroupsOlderThan(cutoff) {
				c.persistGroup(group)
			}
			if time.Since(lastClear) >= hashClearEvery {
				c.queue.ClearSeenHashes()
				lastClear = time.Now()
			}
		}
	}
}

// persistGroup writes one finalized group: resolve the sender, create the
// message record with zero gateways, then attach each unique gateway. A
// failure here is logged and the group skipped; the loop must keep going.
func (c *Client) persistGroup(group *packetgroup.Group) {
	if len(group.Events) == 0 {
		return
	}
	first := group.Events[0]
	if first.SenderID == 0 {
		return
	}
	ctx := context.Background()

	user, err := c.users.GetOrCreateUser(ctx, int64(first.SenderID), first.SenderName, nil, nil)
	if err != nil {
		c.logger.Error("persist: sender resolve failed",
			zap.Uint64("packet_id", group.PacketID), zap.Error(err))
		return
	}
	if err := c.users.TouchLastSeen(ctx, int64(first.SenderID), time.Now().UTC()); err != nil {
		c.logger.Warn("persist: last-seen update failed", zap.Error(err))
	}

	now := time.Now().UTC()
	timestamp := first.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}
	if timestamp.After(now.Add(5 * time.Minute)) {
		c.logger.Warn("clamping future-dated message timestamp",
			zap.Time("claimed", timestamp), zap.Uint64("packet_id", group.PacketID))
		timestamp = now
	}

	messageID := strconv.FormatUint(group.PacketID, 10)
	if group.PacketID == 0 {
		messageID = "mqtt-" + uuid.NewString()
	}

	// A group formed by a late arrival flushes after the original record
	// already exists; attach its gateways instead of duplicating the row.
	if existing, err := c.messages.GetMessageByPacketID(ctx, messageID); err != nil {
		c.logger.Error("persist: record lookup failed", zap.String("message_id", messageID), zap.Error(err))
		return
	} else if existing != nil {
		for _, gatewayID := range group.UniqueGatewayIDs() {
			if err := c.messages.AddGateway(ctx, existing, gatewayID); err != nil {
				c.logger.Warn("persist: gateway attach failed",
					zap.String("message_id", messageID), zap.String("gateway", gatewayID), zap.Error(err))
			}
		}
		return
	}

	params := storage.CreateMessageParams{
		MessageID:  messageID,
		SenderID:   user.ID,
		SenderName: first.SenderName,
		Timestamp:  timestamp,
	}
	if params.SenderName == "" {
		params.SenderName = user.Username
	}
	if first.RSSI != nil {
		rssi := int64(*first.RSSI)
		params.RSSI = &rssi
	}
	if first.SNR != nil {
		snr := float64(*first.SNR)
		params.SNR = &snr
	}
	if first.Payload != "" {
		payload := first.Payload
		params.Payload = &payload
	}

	msg, err := c.messages.CreateMessage(ctx, params)
	if err != nil {
		c.logger.Error("persist: message create failed",
			zap.String("message_id", messageID), zap.Error(err))
		return
	}
	for _, gatewayID := range group.UniqueGatewayIDs() {
		if err := c.messages.AddGateway(ctx, msg, gatewayID); err != nil {
			c.logger.Warn("persist: gateway attach failed",
				zap.String("message_id", messageID), zap.String("gateway", gatewayID), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.messageCount++
	c.lastMessage = time.Now()
	c.mu.Unlock()

	c.logger.Info("persisted packet group",
		zap.String("message_id", messageID),
		zap.Uint32("sender", first.SenderID),
		zap.Int("gateways", group.GatewayCount()))
}
