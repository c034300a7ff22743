package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/nightjar/pkg/meshcrypto"
	"github.com/kuuji/nightjar/pkg/overlay"

	"github.com/kuuji/nightjar/internal/bootstrap"
	"github.com/kuuji/nightjar/internal/config"
	"github.com/kuuji/nightjar/internal/control"
	"github.com/kuuji/nightjar/internal/mesh"
	"github.com/kuuji/nightjar/internal/transport/direct"
	"github.com/kuuji/nightjar/internal/transport/local"
	"github.com/kuuji/nightjar/internal/transport/relay"
	"github.com/kuuji/nightjar/internal/turn"
)

var (
	joinName     string
	joinColor    string
	joinRelayURL string
	joinKey      string
	joinNoLocal  bool
)

var joinCmd = &cobra.Command{
	Use:   "join <workspace-id>",
	Short: "Join a workspace and exchange sync frames over stdin/stdout",
	Long: `Join a workspace mesh and run until interrupted.

Each line read from stdin is treated as "<doc-id>\t<plaintext>" and
broadcast as an encrypted sync update. Each inbound sync update is
decrypted and each awareness event summarized, and both are printed to
stdout as JSON lines, so this process can
stand in for a real CRDT engine in tests and demos.

If the workspace has not been joined before on this node, you will be
prompted for its key (or can generate one with 'nightjar-node genkey').`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinName, "name", "", "display name advertised to peers (default: hostname)")
	joinCmd.Flags().StringVar(&joinColor, "color", "", "UI accent color advertised to peers")
	joinCmd.Flags().StringVar(&joinRelayURL, "relay", "", "rendezvous server URL (overrides config)")
	joinCmd.Flags().StringVar(&joinKey, "key", "", "workspace key, base64 (prompted interactively if omitted and not already known)")
	joinCmd.Flags().BoolVar(&joinNoLocal, "no-local", false, "disable local-network discovery")
}

func runJoin(cmd *cobra.Command, args []string) error {
	workspaceID := args[0]
	cfgPath := resolvedConfigPath()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	if joinName != "" {
		cfg.Node.Name = joinName
	}
	if cfg.Node.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Node.Name = host
		} else {
			cfg.Node.Name = "nightjar-node"
		}
	}
	if joinColor != "" {
		cfg.Node.Color = joinColor
	}
	if joinRelayURL != "" {
		cfg.Relay.ServerURL = joinRelayURL
	}

	if err := ensureWorkspaceEntry(cfg, workspaceID); err != nil {
		return err
	}
	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		globalLogger.Warn("saving config", "error", err)
	}

	ws := cfg.Workspaces[workspaceID]
	relayURL := ws.RelayURL
	if relayURL == "" {
		relayURL = cfg.Relay.ServerURL
	}
	if relayURL == "" {
		return fmt.Errorf("no relay server configured — pass --relay or set relay.server_url")
	}

	self, err := overlay.NewPeerID()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	iceCfg := direct.ICEConfig{STUNServers: cfg.STUN.Servers}
	if cfg.Relay.TURNSecret != "" && cfg.Relay.TURNServerURL != "" {
		username, password := turn.GenerateCredentials(cfg.Relay.TURNSecret, self.String(), 0)
		iceCfg.TURNServerURL = cfg.Relay.TURNServerURL
		iceCfg.TURNUsername = username
		iceCfg.TURNCredential = password
	}

	m := mesh.New(mesh.Config{
		Self:        self,
		DisplayName: cfg.Node.Name,
		Color:       cfg.Node.Color,
		Direct:      direct.Config{ICE: iceCfg, Logger: globalLogger},
		RelayURL:    relayURL,
		Relay:       relay.Config{ServerURL: relayURL, Logger: globalLogger},
		Local:       localConfig(),
		Bootstrap:   bootstrap.Config{Logger: globalLogger},
		Logger:      globalLogger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()
	ctrl := control.NewServer(control.ResolveSocketPath(), func() control.Status {
		peers := m.ConnectedPeers()
		out := make([]control.PeerStatus, len(peers))
		for i, p := range peers {
			transportName := "relay"
			if p.Direct {
				transportName = "direct"
			} else if p.DHTKey != "" {
				transportName = "dht"
			}
			out[i] = control.PeerStatus{
				ID:          p.PeerID.String(),
				DisplayName: p.DisplayName,
				Transport:   transportName,
			}
		}
		return control.Status{
			Node:          cfg.Node.Name,
			WorkspaceID:   workspaceID,
			RelayURL:      relayURL,
			UptimeSeconds: time.Since(startedAt).Seconds(),
			Peers:         out,
		}
	}, globalLogger)
	if err := ctrl.Start(); err != nil {
		globalLogger.Warn("control server did not start", "error", err)
	} else {
		defer ctrl.Stop()
	}

	if err := writePIDFile(); err != nil {
		globalLogger.Warn("writing pid file", "error", err)
	} else {
		defer removePIDFile()
	}

	key := ws.Key
	if err := m.JoinWorkspace(ctx, workspaceID, bootstrap.JoinParams{RelayURL: relayURL}); err != nil {
		return fmt.Errorf("joining workspace: %w", err)
	}
	globalLogger.Info("joined workspace", "workspace", workspaceID, "relay", relayURL, "self", self.String())

	go pumpStdin(ctx, m, key)
	go pumpEvents(ctx, m, key)

	<-ctx.Done()
	globalLogger.Info("leaving workspace")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Destroy(shutdownCtx)
}

// ensureWorkspaceEntry makes sure cfg.Workspaces[workspaceID] has a non-zero
// key, either from --key, an existing saved entry, or an interactive prompt.
func ensureWorkspaceEntry(cfg *config.Config, workspaceID string) error {
	if cfg.Workspaces == nil {
		cfg.Workspaces = make(map[string]config.WorkspaceEntry)
	}
	entry := cfg.Workspaces[workspaceID]

	if joinKey != "" {
		key, err := overlay.ParseWorkspaceKey(joinKey)
		if err != nil {
			return fmt.Errorf("parsing --key: %w", err)
		}
		entry.Key = key
	}

	if !entry.Key.IsZero() {
		cfg.Workspaces[workspaceID] = entry
		return nil
	}

	var (
		keyInput string
		generate bool
	)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("No key known for workspace %q", workspaceID)).
				Description("Generate a new key, or paste one shared by an existing member?").
				Affirmative("Generate new").
				Negative("Paste existing").
				Value(&generate),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace key (base64)").
				Value(&keyInput).
				Validate(func(s string) error {
					_, err := overlay.ParseWorkspaceKey(s)
					return err
				}),
		).WithHideFunc(func() bool { return generate }),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("prompting for workspace key: %w", err)
	}

	if generate {
		key, err := overlay.GenerateWorkspaceKey()
		if err != nil {
			return fmt.Errorf("generating workspace key: %w", err)
		}
		entry.Key = key
		fmt.Fprintf(os.Stderr, "Generated workspace key: %s\nShare it with invitees via 'nightjar-node invite'.\n", key.String())
	} else {
		key, err := overlay.ParseWorkspaceKey(keyInput)
		if err != nil {
			return fmt.Errorf("parsing workspace key: %w", err)
		}
		entry.Key = key
	}
	if entry.Name == "" {
		entry.Name = workspaceID
	}
	cfg.Workspaces[workspaceID] = entry
	return nil
}

func localConfig() *local.Config {
	if joinNoLocal {
		return nil
	}
	return &local.Config{}
}

// pumpStdin reads "<doc-id>\t<plaintext>" lines from stdin, encrypts each
// plaintext under the workspace key, and broadcasts it as a sync update.
func pumpStdin(ctx context.Context, m *mesh.Manager, key overlay.WorkspaceKey) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		docID, text, ok := strings.Cut(line, "\t")
		if !ok {
			globalLogger.Warn("ignoring malformed stdin line, want '<doc-id>\\t<text>'", "line", line)
			continue
		}
		ciphertext, err := meshcrypto.EncryptUpdate([]byte(text), key[:])
		if err != nil {
			globalLogger.Error("encrypting update", "doc", docID, "error", err)
			continue
		}
		if err := m.SendUpdate(ctx, docID, ciphertext); err != nil {
			globalLogger.Error("sending update", "doc", docID, "error", err)
		}
	}
}

// pumpEvents decrypts inbound sync/awareness events under the workspace key
// and prints them to stdout as newline-delimited JSON.
func pumpEvents(ctx context.Context, m *mesh.Manager, key overlay.WorkspaceKey) {
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.Updates():
			if !ok {
				return
			}
			plaintext, err := meshcrypto.DecryptUpdate(ev.Ciphertext, key[:])
			if err != nil {
				globalLogger.Warn("dropping update that failed to decrypt", "peer", ev.Peer, "doc", ev.DocID, "error", err)
				continue
			}
			_ = enc.Encode(map[string]string{
				"type": "update", "peer": ev.Peer.String(), "doc_id": ev.DocID, "text": string(plaintext),
			})
		case ev, ok := <-m.Awareness():
			if !ok {
				return
			}
			_ = enc.Encode(map[string]any{
				"type": "awareness", "peer": ev.Peer.String(), "doc_id": ev.DocID, "keys": len(ev.States),
			})
		case err, ok := <-m.Errors():
			if !ok {
				return
			}
			globalLogger.Warn("transport error", "error", err)
		}
	}
}

// pidFilePath places the running join process's PID alongside the control
// socket, so 'nightjar-node leave' can find it without a shared daemon.
func pidFilePath() string {
	return filepath.Join(filepath.Dir(control.ResolveSocketPath()), "nightjar-node.pid")
}

func writePIDFile() error {
	dir := filepath.Dir(pidFilePath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func removePIDFile() {
	_ = os.Remove(pidFilePath())
}
