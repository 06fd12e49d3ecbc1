package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// initialSalt returns the version-specific salt used to derive the
// Initial secret from the client's destination connection id (RFC 9001
// §5.2, RFC 9369 §3.2).
func initialSalt(v Version) []byte {
	switch v {
	case VersionRFC9369:
		return []byte{
			0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb, 0x81, 0x93, 0x81, 0xbe, 0x6e, 0x26, 0x9d,
			0xcb, 0xf9, 0xbd, 0x2e, 0xd9,
		}
	case VersionDraft29:
		return []byte{
			0xaf, 0xbf, 0xec, 0x28, 0x99, 0x93, 0xd2, 0x4c, 0x9e, 0x97, 0x86, 0xf1, 0x9c, 0x61, 0x11,
			0xe0, 0x43, 0x90, 0xa8, 0x99,
		}
	case VersionDraft28, VersionDraft27:
		return []byte{
			0xc3, 0xee, 0xf7, 0x12, 0xc7, 0x2e, 0xbb, 0x5a, 0x11, 0xa7, 0xd2, 0x43, 0x2b, 0xb4, 0x63,
			0x65, 0xbe, 0xf9, 0xf5, 0x02,
		}
	default: // VersionRFC9000 and unknown-but-probed
		return []byte{
			0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c,
			0xad, 0xcc, 0xbb, 0x7f, 0x0a,
		}
	}
}

const (
	aes128KeyLen   = 16
	aes128IVLen    = 12
	aes128TagLen   = 16
	aes128SampleLen = 16
)

// initialKeys holds everything needed to remove header protection and
// decrypt Initial packets for one direction (client or server).
type initialKeys struct {
	key   []byte
	iv    []byte
	hpKey []byte
}

// deriveInitialKeys derives the client and server Initial key sets from
// the client's chosen destination connection id (RFC 9001 §5.2).
func deriveInitialKeys(dcid []byte, version Version) (client, server initialKeys) {
	salt := initialSalt(version)
	initialSecret := hkdfExtract(salt, dcid)

	clientSecret := hkdfExpandLabel(initialSecret, "client in", sha256.Size)
	serverSecret := hkdfExpandLabel(initialSecret, "server in", sha256.Size)

	client = initialKeys{
		key:   hkdfExpandLabel(clientSecret, "quic key", aes128KeyLen),
		iv:    hkdfExpandLabel(clientSecret, "quic iv", aes128IVLen),
		hpKey: hkdfExpandLabel(clientSecret, "quic hp", aes128KeyLen),
	}
	server = initialKeys{
		key:   hkdfExpandLabel(serverSecret, "quic key", aes128KeyLen),
		iv:    hkdfExpandLabel(serverSecret, "quic iv", aes128IVLen),
		hpKey: hkdfExpandLabel(serverSecret, "quic hp", aes128KeyLen),
	}
	return client, server
}

func hkdfExtract(salt, ikm []byte) []byte {
	h := hkdf.Extract(sha256.New, ikm, salt)
	return h
}

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446 §7.1)
// with an empty context, the shape QUIC's key schedule uses throughout.
func hkdfExpandLabel(secret []byte, label string, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(length))
	info = append(info, lenBuf[:]...)
	info = append(info, byte(len(fullLabel)))
	info = append(info, []byte(fullLabel)...)
	info = append(info, 0) // empty context

	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// Expand only fails if length exceeds 255*hash size, which never
		// happens for the fixed 12/16-byte QUIC key material.
		panic(err)
	}
	return out
}

// headerProtectionMask computes the 5-byte mask used to remove (or apply)
// QUIC header protection, per RFC 9001 §5.4.
func headerProtectionMask(hpKey, sample []byte) ([]byte, error) {
	block, err := aes.NewCipher(hpKey)
	if err != nil {
		return nil, errCryptoFail
	}
	if len(sample) != block.BlockSize() {
		return nil, errCryptoFail
	}
	mask := make([]byte, block.BlockSize())
	block.Encrypt(mask, sample)
	return mask[:5], nil
}

// aeadOpen decrypts an AEAD_AES_128_GCM-protected Initial packet payload,
// computing the per-packet nonce from the IV and packet number per RFC
// 9001 §5.3.
func aeadOpen(key, iv []byte, packetNumber uint64, additionalData, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errCryptoFail
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errCryptoFail
	}
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	var pnBytes [8]byte
	binary.BigEndian.PutUint64(pnBytes[:], packetNumber)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-8+i] ^= pnBytes[i]
	}
	return aead.Open(nil, nonce, ciphertext, additionalData)
}
