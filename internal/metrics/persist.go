package metrics

import (
	"sync"
	"time"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/atomicfile"
	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// Persister writes periodic atomic snapshots of a Manager to disk, so a
// restart doesn't silently discard the operational record. Snapshots are
// observability artifacts, not state: they are never read back into the
// Manager, only by humans and tooling.
type Persister struct {
	manager  *Manager
	path     string
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPersister builds a snapshot loop for manager. interval <= 0 defaults
// to one minute.
func NewPersister(manager *Manager, path string, interval time.Duration) *Persister {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Persister{
		manager:  manager,
		path:     path,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the snapshot loop.
func (p *Persister) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.save()
			case <-p.stopCh:
				p.save() // final snapshot on shutdown
				return
			}
		}
	}()
}

// Stop writes one last snapshot and halts the loop.
func (p *Persister) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Persister) save() {
	snap := p.manager.Snapshot(64)
	if err := atomicfile.WriteJSON(p.path, snap, 0o640); err != nil {
		L_warn("metrics: snapshot persist failed", "path", p.path, "error", err)
		return
	}
	L_trace("metrics: snapshot persisted", "path", p.path)
}
