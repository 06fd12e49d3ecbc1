package dns

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/protocols"
)

func buildQuery(id uint16, name string) []byte {
	msg := layers.DNS{
		ID:      id,
		QR:      false,
		OpCode:  layers.DNSOpCodeQuery,
		QDCount: 1,
		Questions: []layers.DNSQuestion{
			{Name: []byte(name), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := msg.SerializeTo(buf, opts); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func buildResponse(id uint16, name string) []byte {
	msg := layers.DNS{
		ID:      id,
		QR:      true,
		OpCode:  layers.DNSOpCodeQuery,
		ANCount: 1,
		Answers: []layers.DNSResourceRecord{
			{Name: []byte(name), Type: layers.DNSTypeA, Class: layers.DNSClassIN, IP: []byte{1, 2, 3, 4}},
		},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := msg.SerializeTo(buf, opts); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestProbeAcceptsQueryWithQuestion(t *testing.T) {
	p := NewParser()
	require.Equal(t, protocols.ProbeCertain, p.Probe(protocols.PDU{Payload: buildQuery(1, "example.com")}))
}

func TestProbeRejectsGarbage(t *testing.T) {
	p := NewParser()
	require.Equal(t, protocols.ProbeNotForUs, p.Probe(protocols.PDU{Payload: []byte{0xff, 0xff, 0xff}}))
}

func TestQueryThenResponseCompletesTransaction(t *testing.T) {
	p := NewParser()
	r1 := p.Parse(protocols.PDU{Payload: buildQuery(42, "example.com")})
	require.Equal(t, protocols.ParseContinueOutcome, r1.Outcome)

	r2 := p.Parse(protocols.PDU{Payload: buildResponse(42, "example.com")})
	require.Equal(t, protocols.ParseDoneOutcome, r2.Outcome)
	require.Equal(t, r1.SessionID, r2.SessionID)

	session, ok := p.RemoveSession(r2.SessionID)
	require.True(t, ok)
	tx := session.Data.(*Transaction)
	require.NotNil(t, tx.Query)
	require.NotNil(t, tx.Response)
}

func TestResponseBeforeQueryStillPairs(t *testing.T) {
	p := NewParser()
	r1 := p.Parse(protocols.PDU{Payload: buildResponse(7, "a.com")})
	require.Equal(t, protocols.ParseContinueOutcome, r1.Outcome)

	r2 := p.Parse(protocols.PDU{Payload: buildQuery(7, "a.com")})
	require.Equal(t, protocols.ParseDoneOutcome, r2.Outcome)
}

func TestDrainSessionsReturnsIncompleteTransactions(t *testing.T) {
	p := NewParser()
	p.Parse(protocols.PDU{Payload: buildQuery(9, "pending.com")})
	sessions := p.DrainSessions()
	require.Len(t, sessions, 1)
}

func TestMoreSessionsExpectedAlwaysTrue(t *testing.T) {
	p := NewParser()
	require.True(t, p.MoreSessionsExpected())
}

func TestFilterFieldExposesQname(t *testing.T) {
	tx := &Transaction{Query: &Query{Questions: []layers.DNSQuestion{{Name: []byte("example.com")}}}}
	v, ok := tx.FilterField("qname")
	require.True(t, ok)
	require.Equal(t, "example.com", v)

	_, ok = tx.FilterField("response_code")
	require.False(t, ok)
}
