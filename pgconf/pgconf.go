// Package pgconf renders the postgresql.conf fragments applied to each
// cluster node. All functions are pure: the same inputs always produce
// byte-identical output.
package pgconf

import (
	"fmt"
	"strings"

	"pgraftctl/topology"
)

const (
	// ConsensusPrefix namespaces every consensus setting so it can be
	// stripped from a configuration file inherited via base backup.
	ConsensusPrefix = "pgraft."

	BeginMarker = "# BEGIN pgraft"
	EndMarker   = "# END pgraft"

	ExtensionName = "pgraft"
)

// Settings holds the consensus tuning constants and paths shared by every
// node of a cluster.
type Settings struct {
	DataDir           string
	ClusterToken      string
	ElectionTimeoutMs int
	HeartbeatMs       int
	SnapshotCount     int
	LogLevel          string
}

func DefaultSettings() Settings {
	return Settings{
		DataDir:           "/var/lib/postgresql/pgraft-data",
		ClusterToken:      "pgraft-cluster",
		ElectionTimeoutMs: 1000,
		HeartbeatMs:       100,
		SnapshotCount:     10000,
		LogLevel:          "info",
	}
}

type setting struct {
	key   string
	value string
}

func quoted(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ShellQuote quotes s as a single POSIX shell word.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func writeSettings(b *strings.Builder, settings []setting) {
	for _, s := range settings {
		fmt.Fprintf(b, "%s = %s\n", s.key, s.value)
	}
}

// ReplicationSenders is the number of WAL senders and replication slots
// the primary must allow. A base backup with streamed WAL holds two senders
// while every previously attached replica holds one.
func ReplicationSenders(topo *topology.Topology) int {
	return topo.ReplicaCount() + 1
}

// RenderReplication renders the base streaming replication settings. They
// are applied to the primary before any replica is backed up, so every
// replica inherits them.
func RenderReplication(topo *topology.Topology) string {
	senders := ReplicationSenders(topo)

	var b strings.Builder
	b.WriteString("# streaming replication\n")
	writeSettings(&b, []setting{
		{"wal_level", "replica"},
		{"max_wal_senders", fmt.Sprint(senders)},
		{"max_replication_slots", fmt.Sprint(senders)},
		{"hot_standby", "on"},
	})
	return b.String()
}

// RenderConsensus renders the consensus section of one node, delimited by
// BeginMarker and EndMarker.
func RenderConsensus(node topology.NodeSpec, topo *topology.Topology, s Settings) string {
	var b strings.Builder
	b.WriteString(BeginMarker + "\n")
	writeSettings(&b, []setting{
		{"shared_preload_libraries", quoted(ExtensionName)},
		{ConsensusPrefix + "name", quoted(node.Name)},
		{ConsensusPrefix + "data_dir", quoted(s.DataDir)},
		{ConsensusPrefix + "initial_cluster", quoted(topo.PeerList())},
		{ConsensusPrefix + "initial_cluster_state", quoted("new")},
		{ConsensusPrefix + "initial_cluster_token", quoted(s.ClusterToken)},
		{ConsensusPrefix + "initial_advertise_peer_urls", quoted(node.PeerURL())},
		{ConsensusPrefix + "listen_peer_urls", quoted(fmt.Sprintf("http://0.0.0.0:%d", node.ConsensusPort))},
		{ConsensusPrefix + "listen_client_urls", quoted(fmt.Sprintf("http://0.0.0.0:%d", node.MetricsPort))},
		{ConsensusPrefix + "advertise_client_urls", quoted(fmt.Sprintf("http://%s:%d", node.Handle, node.MetricsPort))},
		{ConsensusPrefix + "listen_metrics_urls", quoted(fmt.Sprintf("http://0.0.0.0:%d/metrics", node.MetricsPort))},
		{ConsensusPrefix + "election_timeout", fmt.Sprint(s.ElectionTimeoutMs)},
		{ConsensusPrefix + "heartbeat_interval", fmt.Sprint(s.HeartbeatMs)},
		{ConsensusPrefix + "snapshot_count", fmt.Sprint(s.SnapshotCount)},
		{ConsensusPrefix + "log_level", quoted(s.LogLevel)},
	})
	b.WriteString(EndMarker + "\n")
	return b.String()
}

// Render returns the complete generated configuration of a node: the
// replication section followed by its consensus section.
func Render(node topology.NodeSpec, topo *topology.Topology, s Settings) string {
	return RenderReplication(topo) + "\n" + RenderConsensus(node, topo, s)
}

// StripConsensus removes the marked consensus section, and any stray
// namespaced consensus lines, from a configuration file.
func StripConsensus(conf string) string {
	var b strings.Builder
	inSection := false
	for _, line := range strings.SplitAfter(conf, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == BeginMarker:
			inSection = true
			continue
		case trimmed == EndMarker:
			inSection = false
			continue
		case inSection:
			continue
		case strings.HasPrefix(trimmed, ConsensusPrefix):
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

// StripCommand is the in-node equivalent of StripConsensus, run against the
// configuration file at path before a fresh consensus section is appended.
func StripCommand(path string) []string {
	script := fmt.Sprintf(
		"sed -i -e '/^%s$/,/^%s$/d' -e '/^[[:space:]]*%s/d' %s",
		BeginMarker, EndMarker, strings.ReplaceAll(ConsensusPrefix, ".", `\.`), path,
	)
	return []string{"sh", "-c", script}
}

// AppendCommand appends the file at src to the configuration file at dst.
func AppendCommand(src, dst string) []string {
	return []string{"sh", "-c", fmt.Sprintf("cat %s >> %s", src, dst)}
}

// HBAReplicationLine is the pg_hba.conf entry allowing replicas to stream
// from the primary.
func HBAReplicationLine(role string) string {
	return fmt.Sprintf("host replication %s all trust", role)
}

// EnsureLineCommand appends line to path unless it is already present.
func EnsureLineCommand(line, path string) []string {
	return []string{"sh", "-c", fmt.Sprintf("grep -qxF %s %s || echo %s >> %s", ShellQuote(line), path, ShellQuote(line), path)}
}
