package config

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Sentinel file names the Watcher looks for under ControlFlagDir. Their
// presence (any content, including zero bytes) flips the corresponding
// switch; removing the file flips it back.
const (
	FlagEmergencyBypass  = "EMERGENCY_BYPASS"
	FlagDisableReconcile = "DISABLE_RECONCILIATION"
)

// Flags is the current state of the emergency switches, read with Snapshot.
type Flags struct {
	EmergencyBypass       bool
	DisableReconciliation bool
}

// Watcher watches ControlFlagDir for the creation/removal of the two
// emergency sentinel files, letting an operator flip EMERGENCY_BYPASS or
// DISABLE_RECONCILIATION by dropping or deleting a zero-byte file rather
// than restarting the process. Grounded on the teacher's knowledge indexer
// fsnotify idiom (internal/knowledge/indexer.go in the jaakkos-stringwork
// donor repo): Add the directory, loop on Events/Errors until ctx is done.
type Watcher struct {
	dir    string
	logger *log.Logger

	mu    sync.RWMutex
	flags Flags

	watcher *fsnotify.Watcher
}

// NewWatcher returns a Watcher over dir. The directory is created if it does
// not exist so a missing registry/control/ doesn't prevent startup.
func NewWatcher(dir string, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &Watcher{dir: dir, logger: logger}
	w.refresh()
	return w, nil
}

// Snapshot returns the current flag state.
func (w *Watcher) Snapshot() Flags {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.flags
}

// refresh stats both sentinel files directly, used both at construction and
// as a fsnotify-event-driven refresh rather than trusting event names alone
// (a rename or batched write can arrive without a clean Create/Remove op).
func (w *Watcher) refresh() {
	bypass := fileExists(filepath.Join(w.dir, FlagEmergencyBypass))
	disable := fileExists(filepath.Join(w.dir, FlagDisableReconcile))

	w.mu.Lock()
	changed := w.flags.EmergencyBypass != bypass || w.flags.DisableReconciliation != disable
	w.flags = Flags{EmergencyBypass: bypass, DisableReconciliation: disable}
	w.mu.Unlock()

	if changed {
		w.logger.Printf("config: control flags now EMERGENCY_BYPASS=%v DISABLE_RECONCILIATION=%v", bypass, disable)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Run starts the fsnotify loop and blocks until ctx is cancelled. If the
// watcher cannot be created (e.g. inotify limits exhausted), it logs and
// returns nil rather than treating degraded emergency-flag responsiveness
// as fatal — Snapshot still reflects whatever refresh saw at construction.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("config: control flag watcher disabled: %v", err)
		return nil
	}
	w.watcher = fw
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		w.logger.Printf("config: watch %s: %v", w.dir, err)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != FlagEmergencyBypass && filepath.Base(event.Name) != FlagDisableReconcile {
				continue
			}
			w.refresh()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("config: control flag watcher error: %v", err)
		}
	}
}
