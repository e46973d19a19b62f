package meshproto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
)

// DefaultKeyBase64 is the well-known Meshtastic primary channel key. Most
// public mesh traffic is encrypted with it, so the keyring includes it unless
// the operator opts out.
const DefaultKeyBase64 = "1PG7OiApB1nwvP+rz05pAQ=="

// KeyRing is an ordered list of 128-bit AES keys. Decryption tries keys in
// insertion order and stops at the first one whose plaintext reparses.
// Immutable after construction.
type KeyRing struct {
	keys [][]byte
}

// NewKeyRing builds a keyring from base64-encoded keys. Keys that fail to
// decode or are not 16 bytes are skipped, as are duplicates. The default key,
// when included, is always tried first.
func NewKeyRing(b64Keys []string, includeDefault bool) *KeyRing {
	ring := &KeyRing{}
	if includeDefault {
		ring.append(DefaultKeyBase64)
	}
	for _, k := range b64Keys {
		ring.append(k)
	}
	return ring
}

func (r *KeyRing) append(b64 string) {
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(decoded) != aes.BlockSize {
		return
	}
	for _, existing := range r.keys {
		if bytes.Equal(existing, decoded) {
			return
		}
	}
	r.keys = append(r.keys, decoded)
}

// Len reports the number of usable keys.
func (r *KeyRing) Len() int { return len(r.keys) }

// buildNonce derives the AES-CTR initialization vector for a packet:
// 8 bytes of packet id (little-endian), 4 bytes of sender id (little-endian),
// 4 zero bytes.
func buildNonce(packetID uint64, sender uint32) []byte {
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:8], packetID)
	binary.LittleEndian.PutUint32(nonce[8:12], sender)
	return nonce
}

func decryptCTR(key, nonce, ciphertext []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCTR(block, nonce).XORKeyStream(out, ciphertext)
	return out
}
