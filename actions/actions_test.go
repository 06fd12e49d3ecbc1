package actions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdatePreservesTerminal(t *testing.T) {
	a := Actions{}
	a = a.Update(Actions{Data: ConnDataTrack, Terminal: ConnDataTrack})
	require.Equal(t, ConnDataTrack, a.Data)
	require.Equal(t, ConnDataTrack, a.Terminal)

	// A later stage matches SessionDeliver, non-terminal.
	a = a.Update(Actions{Data: SessionDeliver, Terminal: 0})
	require.True(t, a.Has(ConnDataTrack), "terminal bit must survive")
	require.True(t, a.Has(SessionDeliver))

	// Clearing SessionDeliver (delivered already) must not drop the terminal bit.
	a = a.Clear(SessionDeliver)
	require.False(t, a.Has(SessionDeliver))
	require.True(t, a.Has(ConnDataTrack))
}

func TestEmptyDestroysEntry(t *testing.T) {
	require.True(t, Actions{}.Empty())
	require.False(t, Actions{Data: ConnTracked}.Empty())
}

func TestTerminalSubsetOfData(t *testing.T) {
	a := Actions{}
	a = a.Update(Actions{Data: PacketTrack | ConnParse, Terminal: ConnParse})
	require.Equal(t, a.Terminal, a.Data&a.Terminal)
}
