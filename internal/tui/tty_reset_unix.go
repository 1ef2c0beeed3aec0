//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores terminal modes after bubbletea exits
// abnormally. Failures are ignored.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		// Not a TTY, nothing to fix.
		return
	}

	// Go through /dev/tty so a redirected stdin doesn't matter.
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
