package meshproto

import (
	"errors"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the handful of externally defined Meshtastic messages
// this service reads. The full schemas live in the Meshtastic firmware
// repository; we only consume the fields below and skip everything else.
const (
	envelopePacketField    = 1 // MeshPacket
	envelopeChannelIDField = 2 // string
	envelopeGatewayIDField = 3 // string

	packetFromField      = 1  // fixed32
	packetToField        = 2  // fixed32
	packetChannelField   = 3  // uint32
	packetDecodedField   = 4  // Data
	packetEncryptedField = 5  // bytes
	packetIDField        = 6  // fixed32
	packetRxTimeField    = 7  // fixed32
	packetRxSNRField     = 8  // float
	packetRxRSSIField    = 12 // int32

	dataPortnumField  = 1 // varint
	dataPayloadField  = 2 // bytes
	dataBitfieldField = 9 // uint32, optional

	userLongNameField  = 2 // string
	userShortNameField = 3 // string
	userRoleField      = 7 // enum

	portnumTextMessage = 1
	portnumNodeInfo    = 4
)

var errNoPacket = errors.New("meshproto: envelope has no packet id")

type serviceEnvelope struct {
	packet    *meshPacket
	channelID string
	gatewayID string
}

type meshPacket struct {
	from      uint32
	to        uint32
	channel   uint32
	id        uint32
	rxTime    uint32
	rxSNR     float32
	hasSNR    bool
	rxRSSI    int32
	hasRSSI   bool
	decoded   []byte
	encrypted []byte
}

type dataPayload struct {
	portnum     uint64
	payload     []byte
	bitfield    uint64
	hasBitfield bool
}

type userInfo struct {
	longName  string
	shortName string
	role      int32
	hasRole   bool
}

func parseEnvelope(b []byte) (*serviceEnvelope, error) {
	var env serviceEnvelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == envelopePacketField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt, err := parsePacket(v)
			if err != nil {
				return nil, err
			}
			env.packet = pkt
			b = b[n:]
		case num == envelopeChannelIDField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			env.channelID = string(v)
			b = b[n:]
		case num == envelopeGatewayIDField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			env.gatewayID = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if env.packet == nil || env.packet.id == 0 {
		return nil, errNoPacket
	}
	return &env, nil
}

func parsePacket(b []byte) (*meshPacket, error) {
	var pkt meshPacket
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == packetFromField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt.from = v
			b = b[n:]
		case num == packetToField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt.to = v
			b = b[n:]
		case num == packetChannelField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt.channel = uint32(v)
			b = b[n:]
		case num == packetDecodedField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt.decoded = v
			b = b[n:]
		case num == packetEncryptedField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt.encrypted = v
			b = b[n:]
		case num == packetIDField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt.id = v
			b = b[n:]
		case num == packetRxTimeField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt.rxTime = v
			b = b[n:]
		case num == packetRxSNRField && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt.rxSNR = math.Float32frombits(v)
			pkt.hasSNR = true
			b = b[n:]
		case num == packetRxRSSIField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pkt.rxRSSI = int32(v)
			pkt.hasRSSI = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return &pkt, nil
}

func parseData(b []byte) (*dataPayload, error) {
	var d dataPayload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == dataPortnumField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			d.portnum = v
			b = b[n:]
		case num == dataPayloadField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			d.payload = v
			b = b[n:]
		case num == dataBitfieldField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			d.bitfield = v
			d.hasBitfield = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return &d, nil
}

func parseUser(b []byte) (*userInfo, error) {
	var u userInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == userLongNameField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			u.longName = string(v)
			b = b[n:]
		case num == userShortNameField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			u.shortName = string(v)
			b = b[n:]
		case num == userRoleField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			u.role = int32(v)
			u.hasRole = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return &u, nil
}
