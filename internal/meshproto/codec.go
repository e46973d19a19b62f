package meshproto

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Topic subtopics that never carry enveloped protobuf frames. When envelope
// parsing fails and the topic matches one of these, the payload is dropped
// instead of being retried as a legacy raw frame.
var skipTopicPatterns = []string{"/json", "/telemetry", "/stat/"}

// Codec turns opaque broker payloads into Events. Undecodable or
// undecryptable traffic is expected on a public mesh and is dropped silently
// (debug-logged), never surfaced as an error.
type Codec struct {
	keys   *KeyRing
	logger *zap.Logger
}

func NewCodec(keys *KeyRing, logger *zap.Logger) *Codec {
	c := &Codec{keys: keys, logger: logger}
	if keys.Len() > 0 {
		logger.Info("mesh codec loaded decryption keys", zap.Int("keys", keys.Len()))
	}
	return c
}

// Decode parses a raw MQTT payload. The enveloped wire format is attempted
// first; on failure, topics outside the known skip patterns fall back to the
// legacy raw-frame format. Returns nil when the payload yields no event.
func (c *Codec) Decode(payload []byte, topic string) *Event {
	if len(payload) == 0 {
		return nil
	}
	if env, err := parseEnvelope(payload); err == nil {
		return c.eventFromPacket(env.packet, env.gatewayID, env.channelID)
	}
	if shouldSkipTopic(topic) {
		return nil
	}
	pkt, err := parsePacket(payload)
	if err != nil {
		c.logger.Debug("undecodable mesh payload", zap.String("topic", topic), zap.Error(err))
		return nil
	}
	return c.eventFromPacket(pkt, "", "")
}

// DecodeMeshPacket parses a bare MeshPacket, as delivered by a radio's stream
// API. Shared by the command listener so both ingest paths decode and decrypt
// identically.
func (c *Codec) DecodeMeshPacket(raw []byte) *Event {
	pkt, err := parsePacket(raw)
	if err != nil {
		c.logger.Debug("undecodable mesh packet", zap.Error(err))
		return nil
	}
	return c.eventFromPacket(pkt, "", "")
}

func shouldSkipTopic(topic string) bool {
	if topic == "" {
		return false
	}
	lowered := strings.ToLower(topic)
	for _, pattern := range skipTopicPatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

func (c *Codec) eventFromPacket(pkt *meshPacket, gatewayID, channelID string) *Event {
	raw := pkt.decoded
	if raw == nil && len(pkt.encrypted) > 0 {
		raw = c.decrypt(pkt)
	}
	if raw == nil {
		return nil
	}
	data, err := parseData(raw)
	if err != nil {
		c.logger.Debug("unparseable data payload", zap.Uint32("packet_id", pkt.id), zap.Error(err))
		return nil
	}

	port := portTypeOf(data.portnum)

	// Nodes with "OK to MQTT" disabled opt out of broker relay; honor that
	// before the message enters the stats or command pipeline.
	if port == PortTextMessage && data.hasBitfield && data.bitfield == 0 {
		c.logger.Debug("dropping text packet with ok_to_mqtt disabled", zap.Uint32("packet_id", pkt.id))
		return nil
	}

	ev := &Event{
		PacketID:  uint64(pkt.id),
		SenderID:  pkt.from,
		To:        pkt.to,
		Channel:   pkt.channel,
		Port:      port,
		GatewayID: gatewayID,
		ChannelID: channelID,
	}
	if pkt.hasRSSI {
		rssi := pkt.rxRSSI
		ev.RSSI = &rssi
	}
	if pkt.hasSNR {
		snr := pkt.rxSNR
		ev.SNR = &snr
	}
	if pkt.rxTime > 0 {
		ev.Timestamp = time.Unix(int64(pkt.rxTime), 0).UTC()
	} else {
		ev.Timestamp = time.Now().UTC()
	}

	var declaredName string
	if port == PortNodeInfo {
		if user, err := parseUser(data.payload); err == nil {
			declaredName = firstNonEmpty(user.longName, user.shortName)
			ev.Payload = declaredName
			if user.hasRole {
				role := user.role
				ev.Role = &role
			}
		}
	} else {
		ev.Payload = payloadString(data.payload)
		if ev.Payload == "" {
			return nil
		}
	}

	ev.SenderName = senderNameFallback(declaredName, pkt.from)
	return ev
}

func (c *Codec) decrypt(pkt *meshPacket) []byte {
	if c.keys.Len() == 0 || pkt.id == 0 {
		return nil
	}
	nonce := buildNonce(uint64(pkt.id), pkt.from)
	for _, key := range c.keys.keys {
		plaintext := decryptCTR(key, nonce, pkt.encrypted)
		if plaintext == nil {
			continue
		}
		if d, err := parseData(plaintext); err == nil && (d.portnum != 0 || len(d.payload) > 0) {
			return plaintext
		}
	}
	return nil
}

func portTypeOf(portnum uint64) PortType {
	switch portnum {
	case portnumTextMessage:
		return PortTextMessage
	case portnumNodeInfo:
		return PortNodeInfo
	default:
		return PortOther
	}
}

func payloadString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return hex.EncodeToString(b)
}

// senderNameFallback resolves a display name for the sender: the declared
// node-info name when present, a hex node tag otherwise, and a fixed
// placeholder when the sender id itself is missing.
func senderNameFallback(declared string, sender uint32) string {
	if declared != "" {
		return declared
	}
	if sender != 0 {
		return fmt.Sprintf("node-%08x", sender)
	}
	return "node-unknown"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
