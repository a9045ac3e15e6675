// ABOUTME: Live one-line session status for interactive terminals
// ABOUTME: Redraws the state of every session until the context ends
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/harper/motion-cue-streamer/internal/domain/playback"
)

const statusInterval = 500 * time.Millisecond

func showStatus(ctx context.Context, mgr interface{ List() []*playback.Session }) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-ticker.C:
		}

		width, _, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil {
			width = 80
		}
		fmt.Print(formatStatusLine(mgr.List(), width))
	}
}

// formatStatusLine renders one carriage-return prefixed line, cut to width.
func formatStatusLine(sessions []*playback.Session, width int) string {
	if width < 2 {
		width = 80
	}
	parts := make([]string, 0, len(sessions))
	for _, s := range sessions {
		parts = append(parts, fmt.Sprintf("%s %s/%s %s loop=%d t=%.1fs",
			s.ID(), s.State(), s.Mode(), s.Status(), s.LoopCount(), s.PlayTime().Seconds()))
	}
	line := strings.Join(parts, " | ")
	if len(line) > width-1 {
		line = line[:width-1]
	}
	return fmt.Sprintf("\r%-*s", width-1, line)
}
