// Package meshproto decodes Meshtastic wire payloads into events the rest of
// the service understands, and encodes outbound reply text into radio-sized
// chunks. It is the only package that looks at raw protobuf bytes; everything
// downstream works with Event values.
package meshproto

import "time"

// PortType tags the application-layer purpose of a decoded payload.
type PortType int

const (
	PortOther PortType = iota
	PortTextMessage
	PortNodeInfo
)

func (p PortType) String() string {
	switch p {
	case PortTextMessage:
		return "TEXT_MESSAGE_APP"
	case PortNodeInfo:
		return "NODEINFO_APP"
	default:
		return "OTHER"
	}
}

// BroadcastAddr is the destination address used for channel broadcasts.
const BroadcastAddr uint32 = 0xFFFFFFFF

// Event is the canonical decoded form of one relayed mesh transmission.
// PacketID is zero only on malformed legacy frames; the grouping engine
// rejects such events.
type Event struct {
	PacketID   uint64
	SenderID   uint32
	To         uint32
	Channel    uint32
	SenderName string
	Port       PortType
	Payload    string
	GatewayID  string
	ChannelID  string
	RSSI       *int32
	SNR        *float32
	Timestamp  time.Time
	Role       *int32
}

// IsDirect reports whether the event was addressed to a specific node rather
// than broadcast on a channel.
func (e *Event) IsDirect() bool {
	return e.To != 0 && e.To != BroadcastAddr
}
