package quic

import "github.com/pkg/errors"

var (
	errPacketTooShort = errors.New("quic: packet too short")
	errFixedBitNotSet = errors.New("quic: fixed bit not set")
	errUnknownVersion = errors.New("quic: unknown version")
	errCryptoFail     = errors.New("quic: crypto operation failed")
)
