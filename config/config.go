// Package config implements the flat configuration oracle of §6: a
// directory of small text files, one setting per file name, each holding
// zero or more lines of value. Reload is triggered either by the Control
// Channel's "reload" command or by a filesystem change notification, using
// github.com/fsnotify/fsnotify to watch the configuration directory the
// way the teacher pack's retrieved examples use it for hot configuration
// reload.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mxvane/qsmtpd/lalog"
)

// Oracle answers Get(key) with the lines of the file named key inside Dir,
// caching the parsed result until Reload or a watched filesystem event
// invalidates it.
type Oracle struct {
	Dir    string
	Logger lalog.Logger

	mu       sync.RWMutex
	cache    map[string][]string
	watcher  *fsnotify.Watcher
	onChange []func()
}

// NewOracle constructs an Oracle rooted at dir. Call Load once before the
// first Get, and Watch if filesystem-triggered reload is wanted.
func NewOracle(dir string, logger lalog.Logger) *Oracle {
	return &Oracle{Dir: dir, Logger: logger, cache: make(map[string][]string)}
}

// Load reads every regular file directly inside Dir into the cache,
// replacing whatever was previously cached.
func (o *Oracle) Load() error {
	entries, err := os.ReadDir(o.Dir)
	if err != nil {
		return err
	}
	cache := make(map[string][]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		lines, err := readLines(filepath.Join(o.Dir, entry.Name()))
		if err != nil {
			o.Logger.Warning("Load", err, "skipping unreadable config file %s", entry.Name())
			continue
		}
		cache[entry.Name()] = lines
	}
	o.mu.Lock()
	o.cache = cache
	o.mu.Unlock()
	return nil
}

// Get returns the lines of key's file and whether it was present at the
// last Load/Reload.
func (o *Oracle) Get(key string) ([]string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	lines, ok := o.cache[key]
	return lines, ok
}

// GetFirst returns the first line of key's file, or def if key is absent
// or empty, the common case for single-valued settings (§6).
func (o *Oracle) GetFirst(key, def string) string {
	lines, ok := o.Get(key)
	if !ok || len(lines) == 0 {
		return def
	}
	return lines[0]
}

// OnChange registers a callback invoked after every successful Reload,
// whether triggered by the Control Channel or by Watch's filesystem
// notifications.
func (o *Oracle) OnChange(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onChange = append(o.onChange, fn)
}

// Reload re-reads Dir and runs every registered OnChange callback. It is
// the function the Control Channel's "reload" command and Watch's
// filesystem notifications both call.
func (o *Oracle) Reload() error {
	if err := o.Load(); err != nil {
		return err
	}
	o.mu.RLock()
	callbacks := append([]func(){}, o.onChange...)
	o.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Watch starts an fsnotify watch on Dir and calls Reload whenever a file
// inside it is created, written, removed, or renamed. It runs until Close
// is called.
func (o *Oracle) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(o.Dir); err != nil {
		watcher.Close()
		return err
	}
	o.mu.Lock()
	o.watcher = watcher
	o.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := o.Reload(); err != nil {
					o.Logger.Warning("Watch", err, "reload triggered by filesystem event failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				o.Logger.Warning("Watch", err, "fsnotify watcher reported an error")
			}
		}
	}()
	return nil
}

// Close stops the filesystem watch, if one was started.
func (o *Oracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.watcher == nil {
		return nil
	}
	err := o.watcher.Close()
	o.watcher = nil
	return err
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
