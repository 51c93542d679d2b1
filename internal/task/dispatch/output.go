package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pewsched/internal/task/registry"
)

// writeOutput stores captured output at the task's declared target and
// returns the path used as the outcome's OutputRef.
func writeOutput(target registry.Output, taskID, runID string, started time.Time, out []byte) (string, error) {
	path := strings.TrimSpace(target.Path)
	if path == "" {
		return "", nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "output dir %s", dir)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if target.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return "", errors.Wrapf(err, "open output %s", path)
	}
	defer f.Close()

	if target.Append {
		if _, err := fmt.Fprintf(f, "=== %s run=%s started=%s\n", taskID, runID, started.Format(time.RFC3339)); err != nil {
			return "", errors.Wrapf(err, "write output %s", path)
		}
	}
	if _, err := f.Write(out); err != nil {
		return "", errors.Wrapf(err, "write output %s", path)
	}
	return path, nil
}
