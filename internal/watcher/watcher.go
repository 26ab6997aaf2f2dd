// Package watcher discovers dump files dropped into a directory. It watches
// the directory (not recursively) with fsnotify, scans it once at start-up,
// and delivers a path only after the file's size and modification time have
// stayed unchanged for the settle window, so half-copied files are not
// picked up.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options configures a Watcher.
type Options struct {
	Dir    string
	Prefix string
	Suffix string
	// Settle is how long a file must stay unchanged before delivery.
	Settle time.Duration
	// Poll is the stability check interval; 0 derives it from Settle.
	Poll time.Duration
}

// Watcher delivers stable, matching files from one directory.
type Watcher struct {
	opt     Options
	fw      *fsnotify.Watcher
	initial []string
}

// New returns a Watcher for opt.
func New(opt Options) *Watcher {
	if opt.Poll <= 0 {
		opt.Poll = opt.Settle / 4
		if opt.Poll < 50*time.Millisecond {
			opt.Poll = 50 * time.Millisecond
		}
	}
	return &Watcher{opt: opt}
}

// Match reports whether a base file name follows the naming convention.
func (w *Watcher) Match(name string) bool {
	return strings.HasPrefix(name, w.opt.Prefix) && strings.HasSuffix(name, w.opt.Suffix)
}

// Start registers the directory with fsnotify and scans the files already
// present. Errors here mean the directory cannot be watched at all. Run
// calls Start when it has not been called yet.
func (w *Watcher) Start() error {
	if w.fw != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if err := fw.Add(w.opt.Dir); err != nil {
		fw.Close()
		return fmt.Errorf("watcher: watch %s: %w", w.opt.Dir, err)
	}
	initial, err := w.scan()
	if err != nil {
		fw.Close()
		return err
	}
	w.fw, w.initial = fw, initial
	return nil
}

// Run watches until ctx is done and sends each stable file path on out at
// most once while the file stays in the directory. A file that is removed or
// renamed away and then reappears is delivered again. Run closes out before
// returning.
func (w *Watcher) Run(ctx context.Context, out chan<- string) error {
	defer close(out)

	if err := w.Start(); err != nil {
		return err
	}
	fw := w.fw
	defer fw.Close()

	tr := newTracker(w.opt.Settle)

	// Files already present count as candidates, in name order.
	now := time.Now()
	for _, p := range w.initial {
		w.observe(tr, p, now)
	}
	log.Printf("watcher: watching dir=%s prefix=%q suffix=%q settle=%s initial=%d",
		w.opt.Dir, w.opt.Prefix, w.opt.Suffix, w.opt.Settle, len(w.initial))

	ticker := time.NewTicker(w.opt.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("watcher: stopping dir=%s", w.opt.Dir)
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher: event channel closed")
			}
			if !w.Match(filepath.Base(ev.Name)) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				tr.forget(ev.Name)
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				w.observe(tr, ev.Name, time.Now())
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher: error channel closed")
			}
			log.Printf("watcher: error err=%v", err)

		case now := <-ticker.C:
			for _, p := range tr.pending() {
				w.observe(tr, p, now)
			}
			for _, p := range tr.ready(now) {
				select {
				case out <- p:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// scan lists matching regular files in the directory, sorted by name.
func (w *Watcher) scan() ([]string, error) {
	entries, err := os.ReadDir(w.opt.Dir)
	if err != nil {
		return nil, fmt.Errorf("watcher: scan %s: %w", w.opt.Dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !w.Match(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(w.opt.Dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// observe records the current size and modification time of path. A path
// that vanished is forgotten.
func (w *Watcher) observe(tr *tracker, path string, now time.Time) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		tr.forget(path)
		return
	}
	tr.observe(path, fi.Size(), fi.ModTime(), now)
}

// tracker holds the stability state of candidate files. It has no I/O so the
// settle rules can be tested with synthetic clocks.
type tracker struct {
	settle    time.Duration
	files     map[string]*candidate
	delivered map[string]bool
}

type candidate struct {
	size   int64
	mod    time.Time
	stable time.Time // when the current size/mod were first seen
}

func newTracker(settle time.Duration) *tracker {
	return &tracker{
		settle:    settle,
		files:     map[string]*candidate{},
		delivered: map[string]bool{},
	}
}

func (t *tracker) observe(path string, size int64, mod time.Time, now time.Time) {
	if t.delivered[path] {
		return
	}
	c, ok := t.files[path]
	if !ok || c.size != size || !c.mod.Equal(mod) {
		t.files[path] = &candidate{size: size, mod: mod, stable: now}
	}
}

func (t *tracker) forget(path string) {
	delete(t.files, path)
	delete(t.delivered, path)
}

// pending lists candidates not yet delivered, sorted by path.
func (t *tracker) pending() []string {
	out := make([]string, 0, len(t.files))
	for p := range t.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ready returns the candidates unchanged for at least the settle window and
// marks them delivered.
func (t *tracker) ready(now time.Time) []string {
	var out []string
	for _, p := range t.pending() {
		if now.Sub(t.files[p].stable) < t.settle {
			continue
		}
		out = append(out, p)
		delete(t.files, p)
		t.delivered[p] = true
	}
	return out
}
