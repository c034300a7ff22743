package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var leaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Stop a running 'nightjar-node join' process",
	Long: `Signal a running "nightjar-node join" process to leave its workspace
and exit gracefully.

If join is running in the foreground, press Ctrl+C instead.`,
	RunE: runLeave,
}

func runLeave(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(pidFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no running node found (is 'nightjar-node join' running?)")
		}
		return fmt.Errorf("reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("pid file is corrupt: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}

	fmt.Fprintf(os.Stderr, "Sent leave signal to nightjar-node (pid %d).\n", pid)
	return nil
}
