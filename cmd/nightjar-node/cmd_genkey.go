package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/nightjar/pkg/overlay"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new workspace key",
	Long: `Generate a new random 32-byte workspace key, base64-encoded.

The key is printed to stdout (pipe-friendly). Share it out of band with
whoever you want to invite into the workspace — anyone holding it can
decrypt that workspace's sync traffic, so treat it like a password.

Example:
  nightjar-node genkey`,
	RunE: runGenkey,
}

func runGenkey(cmd *cobra.Command, args []string) error {
	key, err := overlay.GenerateWorkspaceKey()
	if err != nil {
		return fmt.Errorf("generating workspace key: %w", err)
	}
	fmt.Println(key.String())
	return nil
}
