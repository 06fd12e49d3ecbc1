package quic

import "encoding/hex"

// decodeVarint decodes a QUIC variable-length integer (RFC 9000 §16)
// starting at data[0]. Returns the value, the number of bytes consumed,
// and false if data is too short.
func decodeVarint(data []byte) (value uint64, n int, ok bool) {
	if len(data) == 0 {
		return 0, 0, false
	}
	prefix := data[0] >> 6
	length := 1 << prefix
	if len(data) < length {
		return 0, 0, false
	}
	value = uint64(data[0] & 0x3f)
	for i := 1; i < length; i++ {
		value = value<<8 | uint64(data[i])
	}
	return value, length, true
}

// cryptoFrame is one CRYPTO frame's payload at a given stream offset
// (RFC 9000 §19.6).
type cryptoFrame struct {
	offset uint64
	data   []byte
}

// extractCryptoFrames walks a decrypted Initial packet payload's frames,
// collecting CRYPTO frames (type 0x06) and skipping everything else it
// recognizes (PADDING 0x00, PING 0x01, ACK 0x02/0x03, CONNECTION_CLOSE
// 0x1c/0x1d). Parsing stops, returning what was found so far, at the first
// frame type it doesn't recognize -- Initial packets only ever carry
// PADDING, PING, ACK, CRYPTO and CONNECTION_CLOSE per RFC 9000 §17.2.2.
func extractCryptoFrames(payload []byte) []cryptoFrame {
	var frames []cryptoFrame
	for len(payload) > 0 {
		frameType := payload[0]
		switch frameType {
		case 0x00: // PADDING
			payload = payload[1:]
		case 0x01: // PING
			payload = payload[1:]
		case 0x06: // CRYPTO
			rest := payload[1:]
			offset, n, ok := decodeVarint(rest)
			if !ok {
				return frames
			}
			rest = rest[n:]
			length, n, ok := decodeVarint(rest)
			if !ok {
				return frames
			}
			rest = rest[n:]
			if uint64(len(rest)) < length {
				return frames
			}
			frames = append(frames, cryptoFrame{offset: offset, data: rest[:length]})
			payload = rest[length:]
		case 0x1c, 0x1d: // CONNECTION_CLOSE; 0x1c also carries the offending frame type
			rest := payload[1:]
			var reasonLen uint64
			for i := 0; i < 3-int(frameType-0x1c); i++ {
				v, n, ok := decodeVarint(rest)
				if !ok {
					return frames
				}
				reasonLen, rest = v, rest[n:]
			}
			if uint64(len(rest)) < reasonLen {
				return frames
			}
			payload = rest[reasonLen:]
		case 0x02, 0x03: // ACK, ACK with ECN counts
			rest := payload[1:]
			var ok bool
			var n int
			var largestAcked, ackDelay, ackRangeCount, firstRange uint64
			if largestAcked, n, ok = decodeVarint(rest); !ok {
				return frames
			}
			rest = rest[n:]
			if ackDelay, n, ok = decodeVarint(rest); !ok {
				return frames
			}
			rest = rest[n:]
			if ackRangeCount, n, ok = decodeVarint(rest); !ok {
				return frames
			}
			rest = rest[n:]
			if firstRange, n, ok = decodeVarint(rest); !ok {
				return frames
			}
			rest = rest[n:]
			_ = largestAcked
			_ = ackDelay
			_ = firstRange
			for i := uint64(0); i < ackRangeCount; i++ {
				var gap, rangeLen uint64
				if gap, n, ok = decodeVarint(rest); !ok {
					return frames
				}
				rest = rest[n:]
				if rangeLen, n, ok = decodeVarint(rest); !ok {
					return frames
				}
				rest = rest[n:]
				_ = gap
				_ = rangeLen
			}
			if frameType == 0x03 {
				for i := 0; i < 3; i++ {
					var count uint64
					if count, n, ok = decodeVarint(rest); !ok {
						return frames
					}
					rest = rest[n:]
					_ = count
				}
			}
			payload = rest
		default:
			return frames
		}
	}
	return frames
}

// reassembleClientHello stitches CRYPTO frames together by stream offset,
// returning the contiguous prefix starting at offset 0; frames past the
// first gap are left in buf and not included in the result.
func reassembleClientHello(buf map[uint64][]byte, frames []cryptoFrame) []byte {
	for _, f := range frames {
		buf[f.offset] = f.data
	}
	var out []byte
	offset := uint64(0)
	for {
		chunk, ok := buf[offset]
		if !ok {
			break
		}
		out = append(out, chunk...)
		offset += uint64(len(chunk))
	}
	return out
}

// tryDecryptInitialClientHello removes header protection from and
// decrypts an Initial packet, then extracts and reassembles any TLS
// ClientHello bytes carried in its CRYPTO frames. A single Initial packet
// usually carries the whole ClientHello; when it doesn't, only this one
// packet's contribution is returned since the parser processes packets
// independently (see Packet.ClientHello doc).
func tryDecryptInitialClientHello(raw []byte, hdr *LongHeader) ([]byte, bool) {
	dcidLen := len(hdr.DCID) / 2
	dcidStart := 6
	scidStart := dcidStart + dcidLen + 1
	scidLen := len(hdr.SCID) / 2
	pos := scidStart + scidLen

	if pos >= len(raw) {
		return nil, false
	}
	tokenLen, n, ok := decodeVarint(raw[pos:])
	if !ok {
		return nil, false
	}
	pos += n
	if pos+int(tokenLen) > len(raw) {
		return nil, false
	}
	pos += int(tokenLen)

	lengthField, n, ok := decodeVarint(raw[pos:])
	if !ok {
		return nil, false
	}
	pnOffset := pos + n
	if pnOffset+int(lengthField) > len(raw) {
		return nil, false
	}

	client, _ := deriveInitialKeys(mustHexDecode(hdr.DCID), hdr.Version)

	sampleOffset := pnOffset + 4
	if sampleOffset+aes128SampleLen > len(raw) {
		return nil, false
	}
	sample := raw[sampleOffset : sampleOffset+aes128SampleLen]
	mask, err := headerProtectionMask(client.hpKey, sample)
	if err != nil {
		return nil, false
	}

	firstByte := raw[0] ^ (mask[0] & 0x0f) // long header: only low 4 bits protected
	pnLen := int(firstByte&0x03) + 1

	unprotectedHeader := make([]byte, pnOffset+pnLen)
	copy(unprotectedHeader, raw[:pnOffset])
	unprotectedHeader[0] = firstByte
	for i := 0; i < pnLen; i++ {
		unprotectedHeader[pnOffset+i] = raw[pnOffset+i] ^ mask[1+i]
	}

	var packetNumber uint64
	for i := 0; i < pnLen; i++ {
		packetNumber = packetNumber<<8 | uint64(unprotectedHeader[pnOffset+i])
	}

	ciphertextStart := pnOffset + pnLen
	ciphertextEnd := pnOffset + int(lengthField)
	if ciphertextEnd > len(raw) || ciphertextStart > ciphertextEnd {
		return nil, false
	}
	ciphertext := raw[ciphertextStart:ciphertextEnd]

	plaintext, err := aeadOpen(client.key, client.iv, packetNumber, unprotectedHeader, ciphertext)
	if err != nil {
		return nil, false
	}

	frames := extractCryptoFrames(plaintext)
	if len(frames) == 0 {
		return nil, false
	}
	ch := reassembleClientHello(map[uint64][]byte{}, frames)
	if len(ch) == 0 {
		return nil, false
	}
	return ch, true
}

func mustHexDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
