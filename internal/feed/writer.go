// Package feed persists bus events to .runtime/events.jsonl and tails
// that file back out. The daemon runs one Writer; consoles and `tower
// dash` read through a Follower, so they survive daemon restarts and
// never need a direct connection to it.
package feed

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/eventbus"
	"github.com/steveyegge/tower/internal/util"
)

// maxFeedFileSize caps events.jsonl. When an append pushes the file
// past it, the older half is dropped.
const maxFeedFileSize = 10 * 1024 * 1024

// Writer drains the bus into the event feed file.
type Writer struct {
	root        string
	bus         *eventbus.Bus
	maxFileSize int64

	unsubscribe func()
	wg          sync.WaitGroup
}

// NewWriter creates a feed writer for the fleet root.
func NewWriter(root string, bus *eventbus.Bus) *Writer {
	return &Writer{root: root, bus: bus, maxFileSize: maxFeedFileSize}
}

// Start subscribes to the bus and begins appending.
func (w *Writer) Start() error {
	if err := os.MkdirAll(constants.RuntimeDir(w.root), 0755); err != nil {
		return err
	}

	events, unsubscribe := w.bus.Subscribe()
	w.unsubscribe = unsubscribe

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for ev := range events {
			w.append(ev)
		}
	}()
	return nil
}

// Stop detaches from the bus and waits for in-flight appends.
func (w *Writer) Stop() {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	w.wg.Wait()
}

// append writes one event line. Failures are swallowed: the feed is a
// convenience surface, and the daemon log still has the primary
// record.
func (w *Writer) append(ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')

	path := constants.EventsPath(w.root)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	_, _ = f.Write(data)
	_ = f.Close()

	w.truncateIfNeeded(path)
}

// truncateIfNeeded keeps the feed file bounded. When over the cap it
// rewrites the file with the newest half, aligned to a line boundary
// so every remaining line stays valid JSON.
func (w *Writer) truncateIfNeeded(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= w.maxFileSize {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	keepFrom := int64(len(data)) - w.maxFileSize/2
	if keepFrom <= 0 {
		return
	}
	// Step forward to the start of the next whole line.
	for keepFrom < int64(len(data)) && data[keepFrom-1] != '\n' {
		keepFrom++
	}

	_ = util.AtomicWriteFile(path, data[keepFrom:], 0644)
}
