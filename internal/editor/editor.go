// Package editor launches the user-configured editor command as a blocking
// child process, per spec.md §4.4.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// suspiciouslyFastExit is the heuristic threshold from spec.md §4.4: an
// editor that exits successfully in under this long likely forgot to pass
// a --wait-style flag to its actual GUI process.
const suspiciouslyFastExit = 500 * time.Millisecond

// RunBlocking shells out to `/bin/sh -c "<editorCommand> \"<filePath>\""`,
// inheriting stdin/stdout/stderr, and waits for the child to exit. A
// non-zero exit or a suspiciously fast successful exit is logged as a
// warning but is not itself an error — the session still emits `close` once
// this returns.
func RunBlocking(ctx context.Context, editorCommand, filePath string) error {
	shellCmd := fmt.Sprintf("%s %q", editorCommand, filePath)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shellCmd)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		// The editor ran and exited non-zero; that's the user's business,
		// not a reason to abort the session — close is still owed.
		slog.Warn("editor exited non-zero", "command", editorCommand, "path", filePath, "exit_code", exitErr.ExitCode())
	case err != nil:
		slog.Warn("failed to spawn editor", "command", editorCommand, "path", filePath, "error", err)
		return fmt.Errorf("editor: %w", err)
	case elapsed < suspiciouslyFastExit:
		slog.Warn("editor exited unusually fast; it may be missing a --wait-style flag",
			"command", editorCommand, "path", filePath, "elapsed", elapsed)
	}

	return nil
}
