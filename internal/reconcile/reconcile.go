package reconcile

import (
	"strings"
	"sync"

	"github.com/presencelink/agent/internal/logging"
)

var log = logging.L("reconcile")

// PushFunc applies a persona name to the remote service.
type PushFunc func(name string) error

// Reconciler compares the persona implied by current process activity
// against the last successfully pushed one and pushes at most once per
// change. All mutation happens from the poll tick, so no locking is needed
// for the reconcile path itself; the mutex only guards concurrent reads of
// LastPushed from status surfaces.
type Reconciler struct {
	personas       map[string]string // folded marker → persona name
	defaultPersona string
	push           PushFunc

	mu         sync.Mutex
	lastPushed string
}

// New creates a reconciler. The default persona is treated as already
// pushed, so the first tick only pushes when a mapped process is running.
func New(personas map[string]string, defaultPersona string, push PushFunc) *Reconciler {
	folded := make(map[string]string, len(personas))
	for proc, persona := range personas {
		folded[strings.ToLower(proc)] = persona
	}
	return &Reconciler{
		personas:       folded,
		defaultPersona: defaultPersona,
		push:           push,
		lastPushed:     defaultPersona,
	}
}

// Reconcile computes the desired persona from the active marker set and
// pushes it if it differs from the last pushed value. Tie-break when
// several markers are active: first match in the given order. On push
// failure the last-pushed value is left unchanged so the next tick retries
// the same desired value.
func (r *Reconciler) Reconcile(activeMarkers []string) (bool, error) {
	desired := r.defaultPersona
	for _, m := range activeMarkers {
		if persona, ok := r.personas[strings.ToLower(m)]; ok {
			desired = persona
			break
		}
	}

	if desired == r.LastPushed() {
		return false, nil
	}

	if err := r.push(desired); err != nil {
		log.Warn("persona push failed, will retry next tick", "persona", desired, "error", err)
		return false, err
	}

	r.mu.Lock()
	r.lastPushed = desired
	r.mu.Unlock()
	log.Info("persona pushed", "persona", desired)
	return true, nil
}

// LastPushed returns the last persona successfully pushed.
func (r *Reconciler) LastPushed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPushed
}
