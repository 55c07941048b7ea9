package local

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/gobeaver/metafs"
	"github.com/gobwas/glob"
)

// fsWatcher wraps fsnotify.Watcher with a simpler interface
type fsWatcher interface {
	Add(path string) error
	Close() error
	Events() <-chan fsEvent
	Errors() <-chan error
}

type fsEvent struct {
	Name string
	Op   fsnotify.Op
}

// fsnotifyWatcher wraps fsnotify.Watcher to implement fsWatcher interface
type fsnotifyWatcher struct {
	watcher *fsnotify.Watcher
	events  chan fsEvent
	errors  chan error
	done    chan struct{}
}

// newFSWatcher creates a new file system watcher using fsnotify
func newFSWatcher() (fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &fsnotifyWatcher{
		watcher: w,
		events:  make(chan fsEvent),
		errors:  make(chan error),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(fw.events)
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case fw.events <- fsEvent{Name: event.Name, Op: event.Op}:
				case <-fw.done:
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				select {
				case fw.errors <- err:
				case <-fw.done:
					return
				}
			}
		}
	}()

	return fw, nil
}

func (w *fsnotifyWatcher) Add(path string) error {
	return w.watcher.Add(path)
}

func (w *fsnotifyWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *fsnotifyWatcher) Events() <-chan fsEvent {
	return w.events
}

func (w *fsnotifyWatcher) Errors() <-chan error {
	return w.errors
}

// Watch implements metafs.CanWatch using fsnotify. The pattern is a glob
// over root-relative paths: '*' stays within a segment, '**' crosses
// segments. A pattern without metacharacters watches that entry and, for
// a directory, everything directly inside it. The token is spent after
// the first matching event.
func (a *Adapter) Watch(ctx context.Context, pattern string) (metafs.ChangeToken, error) {
	pattern = metafs.CleanPath(pattern)

	match, base, err := compileWatch(pattern)
	if err != nil {
		return nil, &metafs.PathError{Op: "watch", Path: pattern, Err: err}
	}
	recursive := strings.Contains(pattern, "**")

	watcher, err := newFSWatcher()
	if err != nil {
		return nil, &metafs.PathError{Op: "watch", Path: pattern, Err: err}
	}

	watchPath := filepath.Join(a.root, filepath.FromSlash(base))
	if err := watcher.Add(watchPath); err != nil {
		watcher.Close()
		return nil, mapError("watch", pattern, err)
	}
	if recursive {
		addSubdirs(watcher, watchPath)
	} else if !hasMeta(pattern) {
		if info, err := os.Stat(filepath.Join(a.root, filepath.FromSlash(pattern))); err == nil && info.IsDir() {
			watcher.Add(filepath.Join(a.root, filepath.FromSlash(pattern)))
		}
	}

	token := metafs.NewCallbackChangeToken()

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events():
				if !ok {
					return
				}
				if strings.HasPrefix(filepath.Base(event.Name), ".metafs-") {
					continue
				}
				rel, err := filepath.Rel(a.root, event.Name)
				if err != nil {
					continue
				}
				if recursive && event.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						addSubdirs(watcher, event.Name)
					}
				}
				if match(filepath.ToSlash(rel)) {
					token.SignalChange()
					return
				}
			case _, ok := <-watcher.Errors():
				if !ok {
					return
				}
			}
		}
	}()

	return token, nil
}

// compileWatch returns the path predicate for pattern and the directory
// to subscribe to.
func compileWatch(pattern string) (func(string) bool, string, error) {
	if !hasMeta(pattern) {
		base := path.Dir(pattern)
		if base == "." {
			base = ""
		}
		return func(rel string) bool {
			return pattern == "" || rel == pattern || strings.HasPrefix(rel, pattern+"/")
		}, base, nil
	}

	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, "", err
	}
	base := ""
	head := pattern[:strings.IndexAny(pattern, "*?[{")]
	if i := strings.LastIndex(head, "/"); i >= 0 {
		base = head[:i]
	}
	return g.Match, base, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// addSubdirs subscribes to every directory below dir. Errors are ignored:
// a directory that vanishes mid-walk simply goes unwatched.
func addSubdirs(w fsWatcher, dir string) {
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			w.Add(p)
		}
		return nil
	})
}
