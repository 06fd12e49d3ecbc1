package flowkey

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirection(t *testing.T) {
	a := SocketAddr{IP: net.ParseIP("10.0.0.1"), Port: 54321}
	b := SocketAddr{IP: net.ParseIP("10.0.0.2"), Port: 80}

	ft := New(a, b, ProtoTCP)
	require.Equal(t, DirOrig, ft.Direction(a))
	require.Equal(t, DirResp, ft.Direction(b))
}

func TestSymmetricHashIgnoresDirection(t *testing.T) {
	a := SocketAddr{IP: net.ParseIP("10.0.0.1"), Port: 54321}
	b := SocketAddr{IP: net.ParseIP("10.0.0.2"), Port: 80}

	fwd := New(a, b, ProtoTCP)
	rev := New(b, a, ProtoTCP)
	require.Equal(t, fwd.SymmetricHash(), rev.SymmetricHash())
}
