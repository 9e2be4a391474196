package procwatch

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func fakeWatcher(markers []string, names []string) *ProcessWatcher {
	w := New(markers)
	w.listNames = func(ctx context.Context) ([]string, error) {
		return names, nil
	}
	return w
}

func TestSnapshotMatchesCaseInsensitively(t *testing.T) {
	w := fakeWatcher([]string{"Alpha.bin"}, []string{"systemd", "ALPHA.BIN", "bash"})

	got, err := w.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"Alpha.bin"}) {
		t.Fatalf("Snapshot() = %v, want [Alpha.bin]", got)
	}
}

func TestSnapshotPreservesEnumerationOrder(t *testing.T) {
	w := fakeWatcher(
		[]string{"alpha.bin", "beta.exe"},
		[]string{"beta.exe", "other", "alpha.bin"},
	)

	got, err := w.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"beta.exe", "alpha.bin"}) {
		t.Fatalf("Snapshot() = %v, want process-table order [beta.exe alpha.bin]", got)
	}
}

func TestSnapshotDeduplicatesProcesses(t *testing.T) {
	w := fakeWatcher([]string{"alpha.bin"}, []string{"alpha.bin", "alpha.bin", "alpha.bin"})

	got, err := w.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Snapshot() = %v, want single match", got)
	}
}

func TestSnapshotEmptyWhenNothingMatches(t *testing.T) {
	w := fakeWatcher([]string{"alpha.bin"}, []string{"systemd", "bash"})

	got, err := w.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("Snapshot() = %v, want empty", got)
	}
}

func TestSnapshotPropagatesListError(t *testing.T) {
	w := New([]string{"alpha.bin"})
	w.listNames = func(ctx context.Context) ([]string, error) {
		return nil, errors.New("process table unavailable")
	}

	if _, err := w.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error from failing lister")
	}
}

func TestRealSnapshotDoesNotError(t *testing.T) {
	// Smoke test against the real process table.
	w := New([]string{"definitely-not-a-real-process.xyz"})
	got, err := w.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot against real process table: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unexpected match: %v", got)
	}
}
