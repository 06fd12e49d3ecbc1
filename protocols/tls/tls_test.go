package tls

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/protocols"
)

func tlsRecord(contentType byte, payload []byte) []byte {
	out := []byte{contentType, 0x03, 0x03, byte(len(payload) >> 8), byte(len(payload))}
	return append(out, payload...)
}

func handshakeMessage(msgType byte, body []byte) []byte {
	n := len(body)
	out := []byte{msgType, byte(n >> 16), byte(n >> 8), byte(n)}
	return append(out, body...)
}

func buildClientHello(sni string) []byte {
	body := []byte{0x03, 0x03} // version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session id len
	// cipher suites: one suite
	body = append(body, 0x00, 0x02, 0xc0, 0x2f)
	body = append(body, 0x01, 0x00) // compression methods: 1, null

	var ext []byte
	if sni != "" {
		nameBody := append([]byte{0x00, byte(len(sni) >> 8), byte(len(sni))}, []byte(sni)...)
		list := append([]byte{byte(len(nameBody) >> 8), byte(len(nameBody))}, nameBody...)
		ext = append(ext, 0x00, 0x00, byte(len(list)>>8), byte(len(list)))
		ext = append(ext, list...)
	}
	body = append(body, byte(len(ext)>>8), byte(len(ext)))
	body = append(body, ext...)
	return body
}

func TestProbeRecognizesHandshakeRecord(t *testing.T) {
	p := NewParser()
	rec := tlsRecord(recordHandshake, handshakeMessage(hsClientHello, buildClientHello("example.com")))
	require.Equal(t, protocols.ProbeCertain, p.Probe(protocols.PDU{Payload: rec}))
}

func TestProbeRejectsNonTLS(t *testing.T) {
	p := NewParser()
	require.Equal(t, protocols.ProbeNotForUs, p.Probe(protocols.PDU{Payload: []byte("GET / HTTP/1.1\r\n")}))
}

func TestParseClientHelloExtractsSNI(t *testing.T) {
	p := NewParser().(*Parser)
	rec := tlsRecord(recordHandshake, handshakeMessage(hsClientHello, buildClientHello("example.com")))
	res := p.Parse(protocols.PDU{Payload: rec})
	require.Equal(t, protocols.ParseContinueOutcome, res.Outcome)
	require.NotNil(t, p.handshake.ClientHello)
	require.Equal(t, "example.com", p.handshake.ClientHello.SNI)
	require.NotEmpty(t, p.handshake.JA3())
	require.Len(t, p.handshake.JA3MD5(), 32)
}

func TestChangeCipherSpecTerminatesAfterHelloDone(t *testing.T) {
	p := NewParser().(*Parser)
	p.state = stateServerHelloDone
	rec := tlsRecord(recordChangeCipherSpec, []byte{0x01})
	res := p.Parse(protocols.PDU{Payload: rec})
	require.Equal(t, protocols.ParseDoneOutcome, res.Outcome)
	require.True(t, p.done)
}

func TestDrainSessionsEmptyWhenNothingObserved(t *testing.T) {
	p := NewParser()
	require.Nil(t, p.DrainSessions())
}

func TestMoreSessionsExpectedAlwaysFalse(t *testing.T) {
	p := NewParser()
	require.False(t, p.MoreSessionsExpected())
}

func TestFilterFieldExposesSNIAndJA3(t *testing.T) {
	h := &Handshake{ClientHello: &ClientHelloInfo{Version: 0x0303, CipherSuites: []uint16{0xc02f}, SNI: "example.com"}}
	v, ok := h.FilterField("sni")
	require.True(t, ok)
	require.Equal(t, "example.com", v)

	v, ok = h.FilterField("ja3")
	require.True(t, ok)
	require.Equal(t, h.JA3(), v)

	_, ok = h.FilterField("unknown")
	require.False(t, ok)
}

func TestFilterFieldMissingClientHello(t *testing.T) {
	h := &Handshake{}
	_, ok := h.FilterField("sni")
	require.False(t, ok)
}
