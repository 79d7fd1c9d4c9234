package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/tower/internal/constants"
	"github.com/steveyegge/tower/internal/eventbus"
)

// pollInterval is how often the follower checks the feed file for new
// lines.
const pollInterval = 100 * time.Millisecond

// Follower tails the event feed file, delivering events appended
// after Start.
type Follower struct {
	root   string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFollower creates a follower for the fleet root.
func NewFollower(root string) *Follower {
	ctx, cancel := context.WithCancel(context.Background())
	return &Follower{root: root, ctx: ctx, cancel: cancel}
}

// Start opens the feed and begins tailing from its current end. The
// returned channel closes when the follower stops.
func (f *Follower) Start() (<-chan eventbus.Event, error) {
	path := constants.EventsPath(f.root)

	file, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening event feed: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("seeking to feed end: %w", err)
	}

	out := make(chan eventbus.Event, 100)
	f.wg.Add(1)
	go f.run(file, out)
	return out, nil
}

// Stop ends the tail and closes the event channel.
func (f *Follower) Stop() {
	f.cancel()
	f.wg.Wait()
}

func (f *Follower) run(file *os.File, out chan<- eventbus.Event) {
	defer f.wg.Done()
	defer file.Close()
	defer close(out)

	reader := bufio.NewReader(file)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					break
				}
				ev, ok := decodeLine(line)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-f.ctx.Done():
					return
				}
			}
		}
	}
}

func decodeLine(line string) (eventbus.Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return eventbus.Event{}, false
	}
	var ev eventbus.Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return eventbus.Event{}, false
	}
	return ev, true
}

// readRecentWindow bounds how far back ReadRecent looks in a large
// feed file.
const readRecentWindow = 256 * 1024

// ReadRecent returns up to n of the newest feed events, oldest first.
// Only the file's tail is read, so this stays cheap on long-lived
// fleets.
func ReadRecent(root string, n int) ([]eventbus.Event, error) {
	if n <= 0 {
		return nil, nil
	}

	path := constants.EventsPath(root)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event feed: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("statting event feed: %w", err)
	}

	offset := info.Size() - readRecentWindow
	skipFirst := false
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking event feed: %w", err)
		}
		// The window almost certainly starts mid-line.
		skipFirst = true
	}

	var events []eventbus.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if skipFirst {
			skipFirst = false
			continue
		}
		if ev, ok := decodeLine(scanner.Text()); ok {
			events = append(events, ev)
		}
	}

	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
