package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowtap/flowtap/config"
)

func TestNewProtocolRegistryRegistersEveryParser(t *testing.T) {
	registry := newProtocolRegistry()
	require.ElementsMatch(t, []string{"tls", "dns", "http", "quic", "ssh"}, registry.Protocols())
}

func TestPollIntervalDefaultsWhenUnset(t *testing.T) {
	cfg := &config.Config{Online: &config.Online{}}
	require.Equal(t, time.Second, pollInterval(cfg))
}

func TestPollIntervalUsesConfiguredValue(t *testing.T) {
	cfg := &config.Config{Online: &config.Online{Monitor: &config.Monitor{PollIntervalMS: 250}}}
	require.Equal(t, 250*time.Millisecond, pollInterval(cfg))
}

func TestOpenCSVDumpReturnsNilWhenPathEmpty(t *testing.T) {
	require.Nil(t, openCSVDump(""))
}

func TestOpenCSVDumpOpensFileForAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	dump := openCSVDump(path)
	require.NotNil(t, dump)

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestOpenAssignmentsRejectsMissingOfflinePcap(t *testing.T) {
	cfg := &config.Config{Offline: &config.Offline{Pcap: filepath.Join(t.TempDir(), "does-not-exist.pcap")}}
	_, _, err := openAssignments(context.Background(), cfg)
	require.Error(t, err)
}
