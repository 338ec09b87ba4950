// Package watch wraps fsnotify with the coalescing behavior the engine's
// remote list needs: a burst of filesystem events within a short window
// collapses into a single "changed" notification, and directories are
// always re-read in full rather than diffed.
package watch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultCoalesceWindow is the burst window: a burst of FS events within
// 100 ms yields one reload.
const DefaultCoalesceWindow = 100 * time.Millisecond

// Coalescer watches a set of paths (files or directories) and delivers one
// Changed() notification per burst of underlying fsnotify events.
type Coalescer struct {
	log     logrus.FieldLogger
	watcher *fsnotify.Watcher
	window  time.Duration
	changed chan struct{}

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// New creates a Coalescer with the default 100ms coalescing window.
func New(log logrus.FieldLogger) (*Coalescer, error) {
	return NewWithWindow(log, DefaultCoalesceWindow)
}

// NewWithWindow creates a Coalescer with a caller-specified coalescing
// window (tests use this to avoid real-time sleeps).
func NewWithWindow(log logrus.FieldLogger, window time.Duration) (*Coalescer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	c := &Coalescer{
		log:     log,
		watcher: w,
		window:  window,
		changed: make(chan struct{}, 1),
	}
	go c.pump()
	return c, nil
}

// Add starts watching path (file or directory).
func (c *Coalescer) Add(path string) error {
	return c.watcher.Add(path)
}

// Changed returns the channel that receives one signal per coalesced burst.
func (c *Coalescer) Changed() <-chan struct{} {
	return c.changed
}

// Close stops the underlying watcher.
func (c *Coalescer) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	return c.watcher.Close()
}

func (c *Coalescer) pump() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.log.WithField("path", event.Name).Debug("filesystem event observed")
			c.arm()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.WithError(err).Warn("filesystem watcher error")
		}
	}
}

// arm (re)starts the coalescing timer; the first event of a burst schedules
// a single delayed notification, and subsequent events within the window
// just reset that timer instead of queuing more work.
func (c *Coalescer) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, c.fire)
}

func (c *Coalescer) fire() {
	select {
	case c.changed <- struct{}{}:
	default:
		// a notification is already pending consumption; the reload it
		// triggers will observe the latest directory state anyway.
	}
}
