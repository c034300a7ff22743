package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kuuji/nightjar/internal/config"
)

var inviteCmd = &cobra.Command{
	Use:   "invite <workspace-id>",
	Short: "Print a join link and QR code for a workspace",
	Long: `Print a "nightjar://join" link encoding the workspace id, its key, and
its relay server, plus a QR code of the same link.

There is no invite-code server in this design — the link itself carries
everything a new peer needs to run 'nightjar-node join'. Anyone who can
see it can join the workspace, so share it the way you'd share a
password (out of band, not in a public channel).`,
	Args: cobra.ExactArgs(1),
	RunE: runInvite,
}

func runInvite(cmd *cobra.Command, args []string) error {
	workspaceID := args[0]
	cfgPath := resolvedConfigPath()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w (run 'nightjar-node join %s' first)", err, workspaceID)
	}

	ws, ok := cfg.Workspaces[workspaceID]
	if !ok || ws.Key.IsZero() {
		return fmt.Errorf("workspace %q is not known on this node — run 'nightjar-node join %s' first", workspaceID, workspaceID)
	}

	relayURL := ws.RelayURL
	if relayURL == "" {
		relayURL = cfg.Relay.ServerURL
	}
	if relayURL == "" {
		return fmt.Errorf("no relay server configured for workspace %q", workspaceID)
	}

	link := buildInviteLink(workspaceID, ws.Key.String(), relayURL)

	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}

	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "Invite link: %s\n", link)
	fmt.Fprintln(os.Stderr, "Share this with whoever you want to invite, then have them run:")
	fmt.Fprintf(os.Stderr, "  nightjar-node join %s --key <key> --relay %s\n", workspaceID, relayURL)

	return nil
}

// buildInviteLink encodes a workspace join as a "nightjar://join" URL: the
// workspace id as the host, and its key/relay as query parameters.
func buildInviteLink(workspaceID, key, relayURL string) string {
	v := url.Values{}
	v.Set("key", key)
	v.Set("relay", relayURL)
	u := url.URL{
		Scheme:   "nightjar",
		Host:     "join",
		Path:     "/" + workspaceID,
		RawQuery: v.Encode(),
	}
	return u.String()
}
