package procwatch

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/presencelink/agent/internal/logging"
)

var log = logging.L("procwatch")

// Watcher yields the subset of configured markers currently matched by a
// running process. The session manager polls it on a timer.
type Watcher interface {
	Snapshot(ctx context.Context) ([]string, error)
}

// ProcessWatcher matches configured process names (markers) against a
// point-in-time snapshot of the local process table.
type ProcessWatcher struct {
	markers []marker

	// listNames is swappable in tests; defaults to the gopsutil snapshot.
	listNames func(ctx context.Context) ([]string, error)
}

type marker struct {
	original string // as configured, returned to callers
	folded   string // lowercase, used for matching
}

// New creates a watcher for the given marker names. Matching is
// case-insensitive; returned markers keep their configured spelling.
func New(markers []string) *ProcessWatcher {
	ms := make([]marker, 0, len(markers))
	for _, m := range markers {
		ms = append(ms, marker{original: m, folded: strings.ToLower(m)})
	}
	return &ProcessWatcher{
		markers:   ms,
		listNames: listProcessNames,
	}
}

// Snapshot returns the markers whose process is currently running, in the
// order the process table enumerates them. Processes that cannot be read
// are skipped rather than failing the snapshot.
func (w *ProcessWatcher) Snapshot(ctx context.Context) ([]string, error) {
	names, err := w.listNames(ctx)
	if err != nil {
		return nil, err
	}

	var active []string
	seen := make(map[string]bool, len(w.markers))
	for _, name := range names {
		folded := strings.ToLower(name)
		for _, m := range w.markers {
			if m.folded == folded && !seen[m.folded] {
				seen[m.folded] = true
				active = append(active, m.original)
			}
		}
	}
	return active, nil
}

// listProcessNames snapshots all process names. Individual processes that
// disappear or deny access mid-scan are skipped.
func listProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(procs))
	skipped := 0
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			skipped++
			continue
		}
		names = append(names, name)
	}

	if skipped > 0 {
		log.Debug("process snapshot skipped processes", "skipped", skipped, "total", len(procs))
	}
	return names, nil
}
