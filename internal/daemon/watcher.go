package daemon

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/tower/internal/constants"
)

// queuePollInterval is the fallback poll cadence for the command
// directory, a safety net for events fsnotify misses (network
// filesystems, watch-limit exhaustion).
const queuePollInterval = 5 * time.Second

// queueWatcher wakes the daemon when command queue files change.
// Wakeups are delivered on C, coalesced: a burst of writes lands as a
// single pending wakeup.
type queueWatcher struct {
	C chan struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// newQueueWatcher watches the fleet's command directory. If fsnotify
// is unavailable the watcher degrades to polling only.
func newQueueWatcher(root string, logf func(string, ...interface{})) *queueWatcher {
	dir := constants.CommandsDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logf("Queue watcher: cannot create %s: %v", dir, err)
	}

	qw := &queueWatcher{
		C:    make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logf("Queue watcher: fsnotify unavailable (%v), polling only", err)
	} else if err := w.Add(dir); err != nil {
		logf("Queue watcher: cannot watch %s (%v), polling only", dir, err)
		_ = w.Close()
	} else {
		qw.watcher = w
	}

	qw.wg.Add(1)
	go qw.run(logf)
	return qw
}

func (qw *queueWatcher) run(logf func(string, ...interface{})) {
	defer qw.wg.Done()

	// Selecting on nil channels blocks forever, so poll-only mode just
	// leaves the fsnotify cases inert.
	var events chan fsnotify.Event
	var errors chan error
	if qw.watcher != nil {
		events = qw.watcher.Events
		errors = qw.watcher.Errors
	}

	poll := time.NewTicker(queuePollInterval)
	defer poll.Stop()

	for {
		select {
		case <-qw.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				qw.kick()
			}
		case err, ok := <-errors:
			if !ok {
				return
			}
			logf("Queue watcher error: %v", err)
		case <-poll.C:
			qw.kick()
		}
	}
}

// kick delivers a wakeup without blocking; a wakeup already pending
// covers this one.
func (qw *queueWatcher) kick() {
	select {
	case qw.C <- struct{}{}:
	default:
	}
}

// Stop shuts the watcher down and waits for its goroutine.
func (qw *queueWatcher) Stop() {
	close(qw.done)
	if qw.watcher != nil {
		_ = qw.watcher.Close()
	}
	qw.wg.Wait()
}
