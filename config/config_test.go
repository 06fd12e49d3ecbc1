package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowtap.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const offlineBody = `
main_core = 0

[mempool]
capacity = 1024
cache_size = 32

[conntrack]
max_connections = 1000
max_out_of_order = 16
timeout_resolution_ms = 100
udp_inactivity_timeout_ms = 30000
tcp_inactivity_timeout_ms = 300000
tcp_establish_timeout_ms = 10000

[offline]
pcap = "testdata/sample.pcap"
mtu = 1500
`

func TestLoadOfflineConfig(t *testing.T) {
	path := writeTemp(t, offlineBody)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "testdata/sample.pcap", cfg.Offline.Pcap)
	require.Nil(t, cfg.Online)
	require.Equal(t, uint32(1000), cfg.Conntrack.MaxConnections)
}

func TestValidateRejectsNeitherOnlineNorOffline(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBothOnlineAndOffline(t *testing.T) {
	cfg := &Config{Online: &Online{}, Offline: &Offline{Pcap: "x"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsPortWithNoCores(t *testing.T) {
	cfg := &Config{Online: &Online{Ports: []Port{{Device: "eth0"}}}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsSinkWithTooFewBuckets(t *testing.T) {
	cfg := &Config{Online: &Online{Ports: []Port{{
		Device: "eth0",
		Cores:  []int{1},
		Sink:   &Sink{Core: 2, NBBuckets: 0},
	}}}}
	require.Error(t, cfg.Validate())
}
