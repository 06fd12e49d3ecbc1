package ssh

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/flowkey"
	"github.com/flowtap/flowtap/protocols"
)

func versionLine(s string) []byte {
	return []byte(s + "\r\n")
}

// buildBinaryPacket wraps a payload (message type byte + body) in the SSH
// binary packet protocol framing: uint32 length, byte padding length,
// payload, padding (RFC 4253 §6). No MAC, since key exchange is cleartext.
func buildBinaryPacket(payload []byte) []byte {
	const paddingLen = 8
	body := append(append([]byte{}, payload...), make([]byte, paddingLen)...)
	packetLen := 1 + len(body) // padding-length byte + body
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(packetLen))
	out = append(out, byte(paddingLen))
	out = append(out, body...)
	return out
}

func sshString(s string) []byte {
	out := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(out, uint32(len(s)))
	copy(out[4:], s)
	return out
}

func nameList(names string) []byte {
	return sshString(names)
}

func buildKexInit() []byte {
	body := []byte{msgKexInit}
	body = append(body, make([]byte, 16)...) // cookie
	lists := []string{
		"curve25519-sha256",
		"ssh-ed25519",
		"aes128-ctr",
		"aes128-ctr",
		"hmac-sha2-256",
		"hmac-sha2-256",
		"none",
		"none",
		"",
		"",
	}
	for _, l := range lists {
		body = append(body, nameList(l)...)
	}
	body = append(body, 0) // first_kex_packet_follows = false
	body = append(body, 0, 0, 0, 0) // reserved
	return body
}

func TestProbeRecognizesIdentificationString(t *testing.T) {
	p := NewParser()
	require.Equal(t, protocols.ProbeCertain, p.Probe(protocols.PDU{Payload: versionLine("SSH-2.0-OpenSSH_9.3")}))
}

func TestProbeUnsureOnShortData(t *testing.T) {
	p := NewParser()
	require.Equal(t, protocols.ProbeUnsure, p.Probe(protocols.PDU{Payload: []byte("SS")}))
}

func TestProbeRejectsNonSSH(t *testing.T) {
	p := NewParser()
	require.Equal(t, protocols.ProbeNotForUs, p.Probe(protocols.PDU{Payload: []byte("GET / HTTP/1.1\r\n")}))
}

func TestParseVersionExchangeBothSides(t *testing.T) {
	p := NewParser().(*Parser)

	r := p.Parse(protocols.PDU{Payload: versionLine("SSH-2.0-OpenSSH_9.3"), Dir: flowkey.DirOrig})
	require.Equal(t, protocols.ParseContinueOutcome, r.Outcome)
	require.NotNil(t, p.tx.ClientVersion)
	require.Equal(t, "2.0", p.tx.ClientVersion.ProtoVersion)
	require.Equal(t, "OpenSSH_9.3", p.tx.ClientVersion.SoftwareVersion)

	r = p.Parse(protocols.PDU{Payload: versionLine("SSH-2.0-OpenSSH_8.9p1 Ubuntu-3"), Dir: flowkey.DirResp})
	require.Equal(t, protocols.ParseContinueOutcome, r.Outcome)
	require.NotNil(t, p.tx.ServerVersion)
	require.Equal(t, "Ubuntu-3", p.tx.ServerVersion.Comments)
}

func TestParseKexInitPopulatesAlgorithmLists(t *testing.T) {
	p := NewParser().(*Parser)
	p.Parse(protocols.PDU{Payload: versionLine("SSH-2.0-OpenSSH_9.3"), Dir: flowkey.DirOrig})

	pkt := buildBinaryPacket(buildKexInit())
	r := p.Parse(protocols.PDU{Payload: pkt, Dir: flowkey.DirOrig})
	require.Equal(t, protocols.ParseContinueOutcome, r.Outcome)
	require.NotNil(t, p.tx.ClientKex)
	require.Equal(t, []string{"curve25519-sha256"}, p.tx.ClientKex.KexAlgorithms)
	require.Equal(t, []string{"ssh-ed25519"}, p.tx.ClientKex.ServerHostKeyAlgorithms)
	require.False(t, p.tx.ClientKex.FirstKexPacketFollows)
}

func TestNewKeysFromBothSidesCompletesSession(t *testing.T) {
	p := NewParser().(*Parser)
	p.Parse(protocols.PDU{Payload: versionLine("SSH-2.0-OpenSSH_9.3"), Dir: flowkey.DirOrig})
	p.Parse(protocols.PDU{Payload: versionLine("SSH-2.0-OpenSSH_8.9"), Dir: flowkey.DirResp})

	clientNewKeys := buildBinaryPacket([]byte{msgNewKeys})
	r := p.Parse(protocols.PDU{Payload: clientNewKeys, Dir: flowkey.DirOrig})
	require.Equal(t, protocols.ParseContinueOutcome, r.Outcome)
	require.True(t, p.tx.ClientNewKeys)

	serverNewKeys := buildBinaryPacket([]byte{msgNewKeys})
	r = p.Parse(protocols.PDU{Payload: serverNewKeys, Dir: flowkey.DirResp})
	require.Equal(t, protocols.ParseDoneOutcome, r.Outcome)
	require.True(t, p.tx.ServerNewKeys)

	session, ok := p.RemoveSession(r.SessionID)
	require.True(t, ok)
	tx := session.Data.(*Transaction)
	require.True(t, tx.keyExchangeComplete())
}

func TestParseServiceRequestAndAccept(t *testing.T) {
	p := NewParser().(*Parser)
	p.Parse(protocols.PDU{Payload: versionLine("SSH-2.0-OpenSSH_9.3"), Dir: flowkey.DirOrig})
	p.Parse(protocols.PDU{Payload: versionLine("SSH-2.0-OpenSSH_8.9"), Dir: flowkey.DirResp})

	reqBody := append([]byte{msgServiceRequest}, sshString("ssh-userauth")...)
	p.Parse(protocols.PDU{Payload: buildBinaryPacket(reqBody), Dir: flowkey.DirOrig})
	require.NotNil(t, p.tx.ServiceReq)
	require.Equal(t, "ssh-userauth", p.tx.ServiceReq.ServiceName)

	accBody := append([]byte{msgServiceAccept}, sshString("ssh-userauth")...)
	p.Parse(protocols.PDU{Payload: buildBinaryPacket(accBody), Dir: flowkey.DirResp})
	require.NotNil(t, p.tx.ServiceAcc)
	require.Equal(t, "ssh-userauth", p.tx.ServiceAcc.ServiceName)
}

func TestDrainSessionsReturnsPartialTransaction(t *testing.T) {
	p := NewParser().(*Parser)
	p.Parse(protocols.PDU{Payload: versionLine("SSH-2.0-OpenSSH_9.3"), Dir: flowkey.DirOrig})

	sessions := p.DrainSessions()
	require.Len(t, sessions, 1)
	tx := sessions[0].Data.(*Transaction)
	require.NotNil(t, tx.ClientVersion)
	require.Nil(t, tx.ServerVersion)
}

func TestMoreSessionsExpectedAlwaysFalse(t *testing.T) {
	p := NewParser()
	require.False(t, p.MoreSessionsExpected())
}

func TestFilterFieldExposesClientSoftware(t *testing.T) {
	tx := &Transaction{ClientVersion: &VersionExchange{ProtoVersion: "2.0", SoftwareVersion: "OpenSSH_9.3"}}
	v, ok := tx.FilterField("client_software")
	require.True(t, ok)
	require.Equal(t, "OpenSSH_9.3", v)

	_, ok = tx.FilterField("key_exchange_complete")
	require.False(t, ok)
}
