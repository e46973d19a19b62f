package radio

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the subset of the stream API this service reads and
// writes. The messages are externally defined; we only touch these fields.
const (
	fromRadioPacketField         = 2
	fromRadioMyInfoField         = 3
	fromRadioConfigCompleteField = 7
	fromRadioChannelField        = 10

	myInfoNodeNumField = 1

	channelIndexField = 1
	channelRoleField  = 3

	toRadioPacketField     = 1
	toRadioWantConfigField = 3
	toRadioHeartbeatField  = 7

	packetToField      = 2
	packetChannelField = 3
	packetDecodedField = 4
	packetIDField      = 6
	packetWantAckField = 10

	dataPortnumField = 1
	dataPayloadField = 2

	portnumText = 1
)

// fromRadio holds the fields we care about from one inbound frame. At most
// one of them is set per frame.
type fromRadio struct {
	packet []byte

	hasMyNodeNum bool
	myNodeNum    uint32

	hasConfigComplete bool
	configCompleteID  uint32

	hasChannel   bool
	channelIndex uint32
	channelRole  ChannelRole
}

func parseFromRadio(b []byte) (*fromRadio, error) {
	var out fromRadio
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fromRadioPacketField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("bad packet: %w", protowire.ParseError(n))
			}
			out.packet = v
			b = b[n:]
		case num == fromRadioMyInfoField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("bad my_info: %w", protowire.ParseError(n))
			}
			if num, err := parseMyNodeNum(v); err == nil {
				out.hasMyNodeNum = true
				out.myNodeNum = num
			}
			b = b[n:]
		case num == fromRadioConfigCompleteField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("bad config_complete_id: %w", protowire.ParseError(n))
			}
			out.hasConfigComplete = true
			out.configCompleteID = uint32(v)
			b = b[n:]
		case num == fromRadioChannelField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("bad channel: %w", protowire.ParseError(n))
			}
			index, role, err := parseChannel(v)
			if err != nil {
				return nil, err
			}
			out.hasChannel = true
			out.channelIndex = index
			out.channelRole = role
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return &out, nil
}

func parseMyNodeNum(b []byte) (uint32, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
		if num == myInfoNodeNumField && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			return uint32(v), nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return 0, fmt.Errorf("my_info without node num")
}

func parseChannel(b []byte) (index uint32, role ChannelRole, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == channelIndexField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, 0, protowire.ParseError(n)
			}
			index = uint32(v)
			b = b[n:]
		case num == channelRoleField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, 0, protowire.ParseError(n)
			}
			role = ChannelRole(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, 0, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return index, role, nil
}

func encodeWantConfig(id uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, toRadioWantConfigField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	return b
}

func encodeHeartbeat() []byte {
	var b []byte
	b = protowire.AppendTag(b, toRadioHeartbeatField, protowire.BytesType)
	b = protowire.AppendBytes(b, nil)
	return b
}

// encodeTextPacket builds ToRadio{packet: MeshPacket{to, channel, id,
// want_ack, decoded: Data{portnum: TEXT, payload}}}.
func encodeTextPacket(dest, channel, packetID uint32, wantAck bool, text string) []byte {
	var data []byte
	data = protowire.AppendTag(data, dataPortnumField, protowire.VarintType)
	data = protowire.AppendVarint(data, portnumText)
	data = protowire.AppendTag(data, dataPayloadField, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte(text))

	var pkt []byte
	pkt = protowire.AppendTag(pkt, packetToField, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, dest)
	if channel != 0 {
		pkt = protowire.AppendTag(pkt, packetChannelField, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(channel))
	}
	pkt = protowire.AppendTag(pkt, packetDecodedField, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, packetIDField, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, packetID)
	if wantAck {
		pkt = protowire.AppendTag(pkt, packetWantAckField, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, 1)
	}

	var out []byte
	out = protowire.AppendTag(out, toRadioPacketField, protowire.BytesType)
	out = protowire.AppendBytes(out, pkt)
	return out
}
