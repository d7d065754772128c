package taxonomy

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// Store holds the live Automaton behind an atomic pointer so readers never
// block on a reload and a reload never blocks on readers — the same
// copy-on-write swap idiom the teacher's metadata manager uses for its
// embedded model catalog, applied here to a filesystem-backed, hot
// reloadable one instead.
type Store struct {
	dir     string
	current atomic.Pointer[compiled]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

type compiled struct {
	automaton *Automaton
	entries   []*TaxonomyEntry
}

// NewStore loads dir once and returns a Store ready to serve lookups.
// Call Watch to begin hot-reloading on file changes.
func NewStore(dir string) (*Store, error) {
	automaton, entries, err := LoadAndBuild(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir}
	s.current.Store(&compiled{automaton: automaton, entries: entries})
	return s, nil
}

// Automaton returns the currently active compiled automaton.
func (s *Store) Automaton() *Automaton {
	return s.current.Load().automaton
}

// Entries returns the currently active taxonomy entries (for admin/debug
// inspection, not on the routing hot path).
func (s *Store) Entries() []*TaxonomyEntry {
	return s.current.Load().entries
}

// Reload re-reads and recompiles the taxonomy directory, swapping it in
// atomically on success. A failed reload leaves the previous automaton in
// place and returns the error.
func (s *Store) Reload() error {
	automaton, entries, err := LoadAndBuild(s.dir)
	if err != nil {
		L_warn("taxonomy: reload failed, keeping previous automaton", "dir", s.dir, "error", err)
		return err
	}
	s.current.Store(&compiled{automaton: automaton, entries: entries})
	L_info("taxonomy: reloaded", "dir", s.dir, "entries", len(entries))
	return nil
}

// Watch starts an fsnotify watch on the taxonomy directory and reloads on
// any write/create/rename event, debounced to coalesce bursts of events
// from editors that rewrite a file via a temp-file-then-rename.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the scenario subdirectory when it exists, otherwise the root so
	// creating routing_scenarios/ later still triggers a reload.
	target := filepath.Join(s.dir, ScenarioSubdir)
	if _, err := os.Stat(target); err != nil {
		target = s.dir
	}
	if err := w.Add(target); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	s.done = make(chan struct{})

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	const debounce = 200 * time.Millisecond
	var timer *time.Timer

	reload := func() {
		if err := s.Reload(); err != nil {
			L_error("taxonomy: hot reload failed", "error", err)
		}
	}

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			L_warn("taxonomy: watch error", "error", err)

		case <-s.done:
			return
		}
	}
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}
