package metafs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Dispatcher routes content operations on namespaced paths to the adapter
// of the owning resource. It applies the hidden-entry policy and builds
// content models; it never holds a lock while an adapter performs I/O.
type Dispatcher struct {
	registry *Registry
	hidden   HiddenPolicy
	hashAlg  ChecksumAlgorithm
	poll     time.Duration
	uploads  *chunkTracker
	log      *slog.Logger
}

// DispatcherOption is a functional option for configuring a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHiddenPolicy sets the hidden-entry policy.
func WithHiddenPolicy(policy HiddenPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.hidden = policy
	}
}

// WithHashAlgorithm sets the algorithm used when a Get asks for a hash.
func WithHashAlgorithm(alg ChecksumAlgorithm) DispatcherOption {
	return func(d *Dispatcher) {
		d.hashAlg = alg
	}
}

// WithPollInterval sets how often Watch polls backends without native
// change notifications.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.poll = interval
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		hashAlg:  ChecksumSHA256,
		poll:     5 * time.Second,
		uploads:  newChunkTracker(),
		log:      discardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher resolves selectors in.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// HiddenPolicy returns the policy applied to every operation.
func (d *Dispatcher) HiddenPolicy() HiddenPolicy {
	return d.hidden
}

func (d *Dispatcher) parse(op, raw string) (NamespacedPath, error) {
	p, err := ParsePath(raw)
	if err != nil {
		return p, &PathError{Op: op, Path: raw, Err: err}
	}
	return p, nil
}

// target parses raw, applies the hidden policy and leases the resource.
func (d *Dispatcher) target(op, raw string) (NamespacedPath, *Resource, func(), error) {
	p, err := d.parse(op, raw)
	if err != nil {
		return p, nil, nil, err
	}
	if p.IsRoot() {
		return p, nil, nil, &PathError{Op: op, Path: p.Clean(), Err: ErrNotAllowed}
	}
	if err := d.hidden.Check(op, p); err != nil {
		return p, nil, nil, err
	}
	res, release, err := d.registry.Acquire(p.Selector)
	if err != nil {
		return p, nil, nil, &PathError{Op: op, Selector: p.Selector, Path: p.Clean(), Err: err}
	}
	return p, res, release, nil
}

// ============================================================================
// Read Operations
// ============================================================================

// Get returns the model of the entry at raw. Directories carry their
// visible children when opts.Content is set.
func (d *Dispatcher) Get(ctx context.Context, raw string, opts GetOptions) (*ContentModel, error) {
	p, err := d.parse("get", raw)
	if err != nil {
		return nil, err
	}
	if p.IsRoot() {
		return d.rootModel(p, opts)
	}
	if err := d.hidden.Check("get", p); err != nil {
		return nil, err
	}

	res, release, err := d.registry.Acquire(p.Selector)
	if err != nil {
		return nil, &PathError{Op: "get", Selector: p.Selector, Path: p.Clean(), Err: err}
	}
	defer release()

	info, err := d.stat(ctx, res, p)
	if err != nil {
		return nil, annotate("get", p, err)
	}

	if info.IsDir {
		if opts.Type != "" && opts.Type != EntryDirectory {
			return nil, &PathError{Op: "get", Selector: p.Selector, Path: p.Clean(), Err: ErrIsDir}
		}
		m, err := d.dirModel(ctx, res, p, info, opts.Content)
		return m, annotate("get", p, err)
	}

	if opts.Type == EntryDirectory {
		return nil, &PathError{Op: "get", Selector: p.Selector, Path: p.Clean(), Err: ErrNotDir}
	}
	m, err := d.fileModel(ctx, res, p, info, opts)
	return m, annotate("get", p, err)
}

// Stat returns the model of the entry at raw without content.
func (d *Dispatcher) Stat(ctx context.Context, raw string) (*ContentModel, error) {
	return d.Get(ctx, raw, GetOptions{})
}

// List returns the visible children of the directory at raw.
func (d *Dispatcher) List(ctx context.Context, raw string) ([]*ContentModel, error) {
	m, err := d.Get(ctx, raw, GetOptions{Content: true, Type: EntryDirectory})
	if err != nil {
		return nil, err
	}
	return m.ChildModels(), nil
}

// Exists reports whether an entry exists at raw. Hidden entries report
// false while hidden entries are not allowed, as do unknown selectors.
func (d *Dispatcher) Exists(ctx context.Context, raw string) (bool, error) {
	p, err := d.parse("exists", raw)
	if err != nil {
		return false, err
	}
	if p.IsRoot() {
		return p.Clean() == "", nil
	}
	if !d.hidden.AllowHidden && d.hidden.IsHidden(p.Subpath) {
		return false, nil
	}

	res, release, err := d.registry.Acquire(p.Selector)
	if err != nil {
		if IsNotExist(err) {
			return false, nil
		}
		return false, &PathError{Op: "exists", Selector: p.Selector, Path: p.Clean(), Err: err}
	}
	defer release()

	if p.Clean() == "" {
		return true, nil
	}
	ok, err := res.Adapter.Exists(ctx, p.Clean())
	if err != nil {
		return false, annotate("exists", p, err)
	}
	return ok, nil
}

func (d *Dispatcher) stat(ctx context.Context, res *Resource, p NamespacedPath) (*FileInfo, error) {
	if p.Clean() == "" {
		return &FileInfo{Name: res.Name, IsDir: true, ModTime: res.RegisteredAt}, nil
	}
	return res.Adapter.Stat(ctx, p.Clean())
}

func (d *Dispatcher) dirModel(ctx context.Context, res *Resource, p NamespacedPath, info *FileInfo, withContent bool) (*ContentModel, error) {
	m := newModel(res, p, info)
	if !withContent {
		return m, nil
	}

	entries, err := d.visibleEntries(ctx, res, p)
	if err != nil {
		return nil, err
	}
	children := make([]*ContentModel, 0, len(entries))
	for i := range entries {
		children = append(children, newModel(res, p.Join(entries[i].Name), &entries[i]))
	}
	m.Content = children
	m.Format = FormatJSON
	return m, nil
}

// visibleEntries lists p and applies the hidden and only-dirs filters.
func (d *Dispatcher) visibleEntries(ctx context.Context, res *Resource, p NamespacedPath) ([]FileInfo, error) {
	entries, err := res.Adapter.List(ctx, p.Clean())
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Path = p.Join(entries[i].Name).Clean()
	}
	entries = d.hidden.Filter(entries)
	if res.OnlyDirs {
		dirs := entries[:0:0]
		for _, e := range entries {
			if e.IsDir {
				dirs = append(dirs, e)
			}
		}
		entries = dirs
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (d *Dispatcher) fileModel(ctx context.Context, res *Resource, p NamespacedPath, info *FileInfo, opts GetOptions) (*ContentModel, error) {
	m := newModel(res, p, info)
	if opts.Type == EntryFile && m.Type == EntryNotebook {
		m.Type = EntryFile
	}
	if opts.Type == EntryNotebook && m.Type != EntryNotebook {
		return nil, fmt.Errorf("%w: %s is not a notebook", ErrInvalidFormat, m.Name)
	}

	var data []byte
	if opts.Content || (opts.Hash && !canChecksum(res.Adapter)) {
		rc, err := res.Adapter.Read(ctx, p.Clean())
		if err != nil {
			return nil, err
		}
		data, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, NewPathError("read", p.Clean(), err)
		}
	}

	if opts.Content {
		if err := encodeContent(m, data, opts.Format); err != nil {
			return nil, err
		}
	}
	if opts.Hash {
		sum, err := d.checksum(ctx, res, p, data)
		if err != nil {
			return nil, err
		}
		m.Hash = sum
		m.HashAlgorithm = string(d.hashAlg)
	}
	return m, nil
}

func canChecksum(fs FileSystem) bool {
	_, ok := fs.(CanChecksum)
	return ok
}

func (d *Dispatcher) checksum(ctx context.Context, res *Resource, p NamespacedPath, data []byte) (string, error) {
	if c, ok := res.Adapter.(CanChecksum); ok {
		sum, err := c.Checksum(ctx, p.Clean(), d.hashAlg)
		if err == nil || !errors.Is(err, ErrNotSupported) {
			return sum, err
		}
		rc, err := res.Adapter.Read(ctx, p.Clean())
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return CalculateChecksum(rc, d.hashAlg)
	}
	return CalculateChecksum(bytes.NewReader(data), d.hashAlg)
}

// rootModel synthesizes the namespace root: one directory per registered
// resource. No backend is contacted.
func (d *Dispatcher) rootModel(p NamespacedPath, opts GetOptions) (*ContentModel, error) {
	if p.Clean() != "" {
		return nil, &PathError{Op: "get", Path: p.Clean(), Err: ErrNotExist}
	}
	if opts.Type != "" && opts.Type != EntryDirectory {
		return nil, &PathError{Op: "get", Path: "", Err: ErrIsDir}
	}

	m := &ContentModel{Type: EntryDirectory}
	if !opts.Content {
		return m, nil
	}

	snapshot := d.registry.Snapshot()
	children := make([]*ContentModel, 0, len(snapshot))
	for _, res := range snapshot {
		children = append(children, &ContentModel{
			Name:         res.Name,
			Path:         res.Selector + string(Delimiter),
			Type:         EntryDirectory,
			Writable:     !res.ReadOnly,
			Created:      res.RegisteredAt,
			LastModified: res.RegisteredAt,
		})
	}
	m.Content = children
	m.Format = FormatJSON
	return m, nil
}

// ============================================================================
// Write Operations
// ============================================================================

// Save writes model to raw. A directory model creates the directory; a
// model with Chunk set applies one part of a chunked save. The returned
// model has no content.
func (d *Dispatcher) Save(ctx context.Context, raw string, model *ContentModel) (*ContentModel, error) {
	p, res, release, err := d.target("save", raw)
	if err != nil {
		return nil, err
	}
	defer release()

	if model == nil {
		return nil, &PathError{Op: "save", Selector: p.Selector, Path: p.Clean(), Err: fmt.Errorf("%w: no model", ErrInvalidFormat)}
	}
	if p.Clean() == "" {
		return nil, &PathError{Op: "save", Selector: p.Selector, Path: "", Err: ErrNotAllowed}
	}

	if model.Type == EntryDirectory {
		if err := res.Adapter.MakeDir(ctx, p.Clean()); err != nil {
			return nil, annotate("save", p, err)
		}
		return d.savedModel(ctx, res, p)
	}

	data, err := model.Bytes()
	if err != nil {
		return nil, annotate("save", p, err)
	}

	if model.Chunk != 0 {
		done, err := d.saveChunk(ctx, res, p.Clean(), model.Chunk, data)
		if err != nil {
			return nil, annotate("save", p, err)
		}
		if !done {
			return pendingModel(res, p, model), nil
		}
		return d.savedModel(ctx, res, p)
	}

	opts := []Option{WithSize(int64(len(data)))}
	if model.Mimetype != "" {
		opts = append(opts, WithContentType(model.Mimetype))
	} else if model.Type == EntryNotebook {
		opts = append(opts, WithContentType(MIMETypeNotebook))
	}
	if err := res.Adapter.Write(ctx, p.Clean(), bytes.NewReader(data), opts...); err != nil {
		return nil, annotate("save", p, err)
	}
	return d.savedModel(ctx, res, p)
}

func (d *Dispatcher) savedModel(ctx context.Context, res *Resource, p NamespacedPath) (*ContentModel, error) {
	info, err := d.stat(ctx, res, p)
	if err != nil {
		return nil, annotate("save", p, err)
	}
	return newModel(res, p, info), nil
}

// pendingModel describes a file whose chunked upload is still open.
func pendingModel(res *Resource, p NamespacedPath, in *ContentModel) *ContentModel {
	now := time.Now()
	m := newModel(res, p, &FileInfo{Name: p.Name(), ModTime: now, Created: now})
	if in.Type != "" {
		m.Type = in.Type
	}
	m.Size = nil
	return m
}

// MakeDir creates the directory at raw and its parents.
func (d *Dispatcher) MakeDir(ctx context.Context, raw string) (*ContentModel, error) {
	return d.Save(ctx, raw, &ContentModel{Type: EntryDirectory})
}

// Delete removes the entry at raw. Directories follow the backend's
// declared delete mode. Resource roots cannot be deleted.
func (d *Dispatcher) Delete(ctx context.Context, raw string) error {
	p, res, release, err := d.target("delete", raw)
	if err != nil {
		return err
	}
	defer release()

	if p.Clean() == "" {
		return &PathError{Op: "delete", Selector: p.Selector, Path: "", Err: ErrNotAllowed}
	}
	return annotate("delete", p, res.Adapter.Delete(ctx, p.Clean()))
}

// Rename moves src to dst. The destination must not exist. Within one
// resource the adapter's Move is used; across resources the entry is
// copied and then deleted from the source, see CrossResourceMoveError.
func (d *Dispatcher) Rename(ctx context.Context, src, dst string) (*ContentModel, error) {
	return d.transfer(ctx, "rename", src, dst, true)
}

// Copy copies src to dst. When dst is an existing directory the entry is
// copied into it under its own name.
func (d *Dispatcher) Copy(ctx context.Context, src, dst string) (*ContentModel, error) {
	return d.transfer(ctx, "copy", src, dst, false)
}

func (d *Dispatcher) transfer(ctx context.Context, op, rawSrc, rawDst string, move bool) (*ContentModel, error) {
	sp, srcRes, releaseSrc, err := d.target(op, rawSrc)
	if err != nil {
		return nil, err
	}
	defer releaseSrc()

	dp, err := d.parse(op, rawDst)
	if err != nil {
		return nil, err
	}
	if dp.IsRoot() {
		return nil, &PathError{Op: op, Path: dp.Clean(), Err: ErrNotAllowed}
	}
	if err := d.hidden.Check(op, dp); err != nil {
		return nil, err
	}

	dstRes := srcRes
	if dp.Selector != sp.Selector {
		var releaseDst func()
		dstRes, releaseDst, err = d.registry.Acquire(dp.Selector)
		if err != nil {
			return nil, &PathError{Op: op, Selector: dp.Selector, Path: dp.Clean(), Err: err}
		}
		defer releaseDst()
	}

	if sp.Clean() == "" {
		return nil, &PathError{Op: op, Selector: sp.Selector, Path: "", Err: ErrNotAllowed}
	}

	if !move {
		if info, err := d.stat(ctx, dstRes, dp); err == nil && info.IsDir {
			dp = dp.Join(sp.Name())
		}
	}
	if dp.Clean() == "" {
		return nil, &PathError{Op: op, Selector: dp.Selector, Path: "", Err: ErrExist}
	}
	if dstRes == srcRes && isWithin(dp.Clean(), sp.Clean()) {
		return nil, &PathError{Op: op, Selector: dp.Selector, Path: dp.Clean(), Err: fmt.Errorf("%w: destination is inside the source", ErrNotAllowed)}
	}
	if exists, err := dstRes.Adapter.Exists(ctx, dp.Clean()); err != nil {
		return nil, annotate(op, dp, err)
	} else if exists {
		return nil, &PathError{Op: op, Selector: dp.Selector, Path: dp.Clean(), Err: ErrExist}
	}

	switch {
	case move && srcRes == dstRes:
		err = annotate(op, sp, srcRes.Adapter.Move(ctx, sp.Clean(), dp.Clean()))
	case move:
		err = d.crossMove(ctx, srcRes, dstRes, sp, dp)
	default:
		err = d.copyEntry(ctx, srcRes, dstRes, sp, dp)
	}
	if err != nil {
		return nil, err
	}

	info, err := dstRes.Adapter.Stat(ctx, dp.Clean())
	if err != nil {
		return nil, annotate(op, dp, err)
	}
	return newModel(dstRes, dp, info), nil
}

// ============================================================================
// Cross-Resource Operations
// ============================================================================

// isWithin reports whether p is dir or below it.
func isWithin(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}

type treeEntry struct {
	rel  string
	info FileInfo
}

// walk returns root and everything below it, parents before children.
// Hidden entries are included so a move never leaves them behind.
func walk(ctx context.Context, fs FileSystem, root string) ([]treeEntry, error) {
	info, err := fs.Stat(ctx, root)
	if err != nil {
		return nil, err
	}
	out := []treeEntry{{rel: "", info: *info}}
	if !info.IsDir {
		return out, nil
	}

	var visit func(rel string) error
	visit = func(rel string) error {
		entries, err := fs.List(ctx, path.Join(root, rel))
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		for _, e := range entries {
			childRel := path.Join(rel, e.Name)
			out = append(out, treeEntry{rel: childRel, info: e})
			if e.IsDir {
				if err := visit(childRel); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := visit(""); err != nil {
		return nil, err
	}
	return out, nil
}

// copyTree recreates entries below dst and returns the destination paths
// written so far.
func copyTree(ctx context.Context, src, dst FileSystem, srcRoot, dstRoot string, entries []treeEntry) ([]string, error) {
	copied := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		target := path.Join(dstRoot, e.rel)
		if e.info.IsDir {
			if err := dst.MakeDir(ctx, target); err != nil {
				return copied, err
			}
			copied = append(copied, target)
			continue
		}
		if err := copyFile(ctx, src, dst, path.Join(srcRoot, e.rel), target, &e.info); err != nil {
			return copied, err
		}
		copied = append(copied, target)
	}
	return copied, nil
}

func copyFile(ctx context.Context, src, dst FileSystem, from, to string, info *FileInfo) error {
	rc, err := src.Read(ctx, from)
	if err != nil {
		return err
	}
	defer rc.Close()

	opts := []Option{WithSize(info.Size)}
	if info.ContentType != "" {
		opts = append(opts, WithContentType(info.ContentType))
	}
	if len(info.Metadata) > 0 {
		opts = append(opts, WithMetadata(info.Metadata))
	}
	return dst.Write(ctx, to, rc, opts...)
}

func (d *Dispatcher) copyEntry(ctx context.Context, srcRes, dstRes *Resource, sp, dp NamespacedPath) error {
	if srcRes == dstRes {
		info, err := srcRes.Adapter.Stat(ctx, sp.Clean())
		if err != nil {
			return annotate("copy", sp, err)
		}
		if copier, ok := srcRes.Adapter.(CanCopy); ok && !info.IsDir {
			return annotate("copy", sp, copier.Copy(ctx, sp.Clean(), dp.Clean()))
		}
	}
	entries, err := walk(ctx, srcRes.Adapter, sp.Clean())
	if err != nil {
		return annotate("copy", sp, err)
	}
	_, err = copyTree(ctx, srcRes.Adapter, dstRes.Adapter, sp.Clean(), dp.Clean(), entries)
	return annotate("copy", dp, err)
}

// crossMove copies sp into dp and only then deletes the source, children
// first. A failure while copying leaves the source untouched and the
// already written destination entries in place.
func (d *Dispatcher) crossMove(ctx context.Context, srcRes, dstRes *Resource, sp, dp NamespacedPath) error {
	entries, err := walk(ctx, srcRes.Adapter, sp.Clean())
	if err != nil {
		return annotate("rename", sp, err)
	}

	copied, err := copyTree(ctx, srcRes.Adapter, dstRes.Adapter, sp.Clean(), dp.Clean(), entries)
	if err != nil {
		return &CrossResourceMoveError{Src: sp, Dst: dp, Copied: copied, Err: annotate("rename", dp, err)}
	}

	for i := len(entries) - 1; i >= 0; i-- {
		target := path.Join(sp.Clean(), entries[i].rel)
		if err := srcRes.Adapter.Delete(ctx, target); err != nil && !IsNotExist(err) {
			d.log.Error("cross-resource move left source behind",
				"src", sp.String(), "dst", dp.String(), "entry", target, "err", err)
			return &CrossResourceMoveError{
				Src:             sp,
				Dst:             dp,
				Copied:          copied,
				DeleteAttempted: true,
				Err:             annotate("rename", sp.Join(entries[i].rel), err),
			}
		}
	}
	return nil
}

// ============================================================================
// Watch
// ============================================================================

// Watch returns a change token for a glob pattern on one resource, given as
// "selector:pattern". Adapters without native notifications are polled.
func (d *Dispatcher) Watch(ctx context.Context, raw string) (ChangeToken, error) {
	p, res, release, err := d.target("watch", raw)
	if err != nil {
		return nil, err
	}
	defer release()

	pattern := strings.ReplaceAll(p.Subpath, "\\", "/")
	if w, ok := res.Adapter.(CanWatch); ok {
		token, err := w.Watch(ctx, pattern)
		return token, annotate("watch", p, err)
	}

	dir, recursive, match, err := compilePollPattern(pattern)
	if err != nil {
		return nil, annotate("watch", p, err)
	}
	selector := p.Selector
	initial, err := fingerprint(ctx, res.Adapter, dir, recursive, match)
	if err != nil {
		return nil, annotate("watch", p, err)
	}

	return NewPollingChangeToken(ctx, PollingConfig{
		Interval: d.poll,
		CheckFunc: func(ctx context.Context) bool {
			res, release, err := d.registry.Acquire(selector)
			if err != nil {
				return true
			}
			defer release()
			current, err := fingerprint(ctx, res.Adapter, dir, recursive, match)
			if err != nil {
				return IsNotExist(err)
			}
			return current != initial
		},
	}), nil
}

// fingerprint hashes the entries below dir accepted by match. A nil
// matcher accepts everything.
func fingerprint(ctx context.Context, fs FileSystem, dir string, recursive bool, match EntryMatcher) (uint64, error) {
	h := xxhash.New()
	add := func(info FileInfo, p string) {
		info.Path = p
		if match != nil && !match.Match(&info) {
			return
		}
		fmt.Fprintf(h, "%s|%t|%d|%d\n", p, info.IsDir, info.Size, info.ModTime.UnixNano())
	}

	if recursive {
		entries, err := walk(ctx, fs, dir)
		if err != nil {
			return 0, err
		}
		for _, e := range entries {
			add(e.info, path.Join(dir, e.rel))
		}
		return h.Sum64(), nil
	}

	entries, err := fs.List(ctx, dir)
	if err != nil {
		return 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for _, e := range entries {
		add(e, path.Join(dir, e.Name))
	}
	return h.Sum64(), nil
}

// Find walks the directory at raw and returns a model for every entry
// accepted by m, parents before children. The hidden and only-dirs
// filters apply; a hidden directory is never descended into unless hidden
// entries are allowed. Models carry no content.
func (d *Dispatcher) Find(ctx context.Context, raw string, m EntryMatcher) ([]*ContentModel, error) {
	if m == nil {
		m = All()
	}
	p, res, release, err := d.target("find", raw)
	if err != nil {
		return nil, err
	}
	defer release()

	info, err := d.stat(ctx, res, p)
	if err != nil {
		return nil, annotate("find", p, err)
	}
	if !info.IsDir {
		return nil, &PathError{Op: "find", Selector: p.Selector, Path: p.Clean(), Err: ErrNotDir}
	}

	var out []*ContentModel
	var visit func(dir NamespacedPath) error
	visit = func(dir NamespacedPath) error {
		entries, err := d.visibleEntries(ctx, res, dir)
		if err != nil {
			return err
		}
		for i := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			e := &entries[i]
			child := dir.Join(e.Name)
			if m.Match(e) {
				out = append(out, newModel(res, child, e))
			}
			if e.IsDir && m.TraverseDescendants(e) {
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := visit(p); err != nil {
		return nil, annotate("find", p, err)
	}
	return out, nil
}

// compilePollPattern splits a watch pattern into the directory to scan,
// whether the scan recurses and the matcher applied to scanned entries.
func compilePollPattern(pattern string) (string, bool, EntryMatcher, error) {
	dir := staticPrefix(pattern)
	recursive := strings.Contains(pattern, "**")
	if !strings.ContainsAny(pattern, "*?[{") {
		return dir, recursive, nil, nil
	}
	match, err := Glob(pattern)
	if err != nil {
		return "", false, nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	return dir, recursive, match, nil
}

// PollWatch watches pattern on fs by rescanning it every interval. Drivers
// without native notifications use it to implement CanWatch.
func PollWatch(ctx context.Context, fs FileSystem, pattern string, interval time.Duration) (ChangeToken, error) {
	pattern = strings.TrimPrefix(CleanPath(pattern), "/")
	dir, recursive, match, err := compilePollPattern(pattern)
	if err != nil {
		return nil, &PathError{Op: "watch", Path: pattern, Err: err}
	}
	initial, err := fingerprint(ctx, fs, dir, recursive, match)
	if err != nil {
		return nil, err
	}
	return NewPollingChangeToken(ctx, PollingConfig{
		Interval: interval,
		CheckFunc: func(ctx context.Context) bool {
			current, err := fingerprint(ctx, fs, dir, recursive, match)
			if err != nil {
				return IsNotExist(err)
			}
			return current != initial
		},
	}), nil
}

// staticPrefix returns the directory part of pattern before the first
// glob metacharacter.
func staticPrefix(pattern string) string {
	i := strings.IndexAny(pattern, "*?[{")
	if i < 0 {
		return CleanPath(path.Dir(pattern))
	}
	head := pattern[:i]
	if j := strings.LastIndex(head, "/"); j >= 0 {
		return CleanPath(head[:j])
	}
	return ""
}
