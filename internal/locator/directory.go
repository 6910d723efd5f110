package locator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/zelig-tools/mdimport/internal/loader"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/version"
)

// searchExtensions are tried in order for every search path.
var searchExtensions = []string{".dll", ".exe"}

// DirectoryOptions configures a DirectoryResolver.
type DirectoryOptions struct {
	// Load is passed to loader.Load for every candidate file.
	Load   loader.Options
	Logger logrus.FieldLogger
	// OnChange is called after a watched file was dropped from the cache.
	OnChange func(path string)
}

// DirectoryResolver finds referenced assemblies as files in a fixed list
// of directories. Loaded graphs are cached per path.
type DirectoryResolver struct {
	paths []string
	opts  DirectoryOptions
	log   logrus.FieldLogger

	mu      sync.Mutex
	cache   map[string]*metadata.Graph
	watcher *fsnotify.Watcher
}

// NewDirectoryResolver searches paths in order. Relative paths are made
// absolute once, here.
func NewDirectoryResolver(paths []string, opts DirectoryOptions) (*DirectoryResolver, error) {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		a, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("search path %q: %w", p, err)
		}
		abs = append(abs, a)
	}
	log := opts.Logger
	if log == nil {
		log = discard()
	}
	return &DirectoryResolver{
		paths: abs,
		opts:  opts,
		log:   log.WithField("locator", "directory"),
		cache: map[string]*metadata.Graph{},
	}, nil
}

// Paths returns the absolute search paths.
func (d *DirectoryResolver) Paths() []string { return append([]string(nil), d.paths...) }

// ResolveReference implements resolver.ReferenceResolver. Files that exist
// but fail to load or do not satisfy the policy are skipped; the last load
// error is returned only when nothing suitable was found.
func (d *DirectoryResolver) ResolveReference(ref metadata.AssemblyReference, policy version.Policy) (*metadata.Graph, error) {
	var lastErr error
	for _, dir := range d.paths {
		for _, ext := range searchExtensions {
			path := filepath.Join(dir, ref.Name+ext)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			g, err := d.Load(path)
			if err != nil {
				d.log.WithFields(logrus.Fields{"path": path, "error": err}).Debug("candidate failed to load")
				lastErr = err
				continue
			}
			if !accepts(g, ref, policy) {
				d.log.WithFields(logrus.Fields{"path": path, "found": g.Identity.String(), "wanted": ref.String()}).Debug("candidate rejected")
				continue
			}
			d.log.WithFields(logrus.Fields{"path": path, "assembly": g.Identity.String()}).Debug("resolved reference")
			return g, nil
		}
	}
	return nil, lastErr
}

// Load returns the graph for path, loading and caching it on first use.
func (d *DirectoryResolver) Load(path string) (*metadata.Graph, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if g, ok := d.cache[path]; ok {
		return g, nil
	}
	data, err := ReadImage(path)
	if err != nil {
		return nil, err
	}
	g, err := loader.Load(data, path, d.opts.Load)
	if err != nil {
		return nil, err
	}
	d.cache[path] = g
	return g, nil
}

// Invalidate drops the cached graph for path. Graphs handed out earlier
// keep their own copy of the image and stay usable.
func (d *DirectoryResolver) Invalidate(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.cache[path]; !ok {
		return false
	}
	delete(d.cache, path)
	return true
}

// Watch invalidates cache entries when their files change. It returns once
// the watcher is running; the watcher stops when ctx is done or on Close.
func (d *DirectoryResolver) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range d.paths {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	d.mu.Lock()
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	d.watcher = w
	d.mu.Unlock()

	go d.watch(ctx, w)
	return nil
}

func (d *DirectoryResolver) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 || !searched(ev.Name) {
				continue
			}
			path := filepath.Clean(ev.Name)
			if d.Invalidate(path) {
				d.log.WithFields(logrus.Fields{"path": path, "op": ev.Op.String()}).Debug("cache entry invalidated")
			}
			if d.opts.OnChange != nil {
				d.opts.OnChange(path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.log.WithError(err).Warn("watch error")
		}
	}
}

func searched(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range searchExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Close stops watching and empties the cache.
func (d *DirectoryResolver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.watcher != nil {
		err = d.watcher.Close()
		d.watcher = nil
	}
	d.cache = map[string]*metadata.Graph{}
	return err
}
