package control

import (
	"path/filepath"
	"testing"
	"time"
)

func TestServer_StartStopFetchStatus(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "test.sock")

	provider := func() Status {
		return Status{
			Node:          "test-node",
			WorkspaceID:   "ws-1",
			RelayURL:      "wss://relay.example.dev",
			UptimeSeconds: 42.5,
			Peers: []PeerStatus{
				{
					ID:             "laptop",
					DisplayName:    "Laptop",
					Transport:      "direct",
					ConnectedSince: time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
				},
			},
		}
	}

	srv := NewServer(socketPath, provider, nil)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	status, err := FetchStatus(socketPath)
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}

	if status.Node != "test-node" {
		t.Errorf("Node = %q, want %q", status.Node, "test-node")
	}
	if status.WorkspaceID != "ws-1" {
		t.Errorf("WorkspaceID = %q, want %q", status.WorkspaceID, "ws-1")
	}
	if len(status.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(status.Peers))
	}
	if status.Peers[0].ID != "laptop" {
		t.Errorf("Peers[0].ID = %q, want %q", status.Peers[0].ID, "laptop")
	}
	if status.Peers[0].Transport != "direct" {
		t.Errorf("Peers[0].Transport = %q, want %q", status.Peers[0].Transport, "direct")
	}
}

func TestFetchStatus_NoServer(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "nonexistent.sock")

	_, err := FetchStatus(socketPath)
	if err == nil {
		t.Fatal("expected error when server is not running, got nil")
	}
}
