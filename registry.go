package metafs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chronicleprotocol/go-lib/errutil"
	"go.uber.org/atomic"
)

// Origin records who registered a resource.
type Origin string

const (
	// OriginServer marks resources declared in server configuration.
	OriginServer Origin = "server"
	// OriginCaller marks resources registered at runtime by a client.
	OriginCaller Origin = "caller"
)

// SelectorStrategy chooses how selectors are derived for resources
// registered without a name.
type SelectorStrategy string

const (
	// SelectorHash derives the selector from a short hash of the URI, so
	// the same URI maps to the same selector across restarts.
	SelectorHash SelectorStrategy = "hash"
	// SelectorCounter assigns r1, r2, ... in registration order.
	SelectorCounter SelectorStrategy = "counter"
)

const hashSelectorLen = 8

// Resource is a registered storage connection. Resources are immutable
// once published; replacing one means deregistering and registering again.
type Resource struct {
	Selector     string
	Name         string
	URI          string
	Origin       Origin
	OnlyDirs     bool
	ReadOnly     bool
	RegisteredAt time.Time
	Adapter      FileSystem

	lease *lease
}

// RegisterRequest describes a resource to register.
type RegisterRequest struct {
	// URI is the connection string, already template-substituted.
	URI string
	// Name is the requested selector. Empty means derive one.
	Name string
	// Origin is who asks for the registration.
	Origin Origin
	// OnlyDirs restricts listings of the resource to directories.
	OnlyDirs bool
	// ReadOnly wraps the adapter so every write fails with ErrReadOnly.
	ReadOnly bool
}

// ============================================================================
// Registry
// ============================================================================

// Registry maps selectors to live backend adapters. Mutations are
// serialized by a mutex; lookups read an immutable snapshot and never wait
// for a mutation or for backend I/O.
type Registry struct {
	mu      sync.Mutex
	state   atomic.Pointer[registryState]
	counter uint64
	closed  bool

	validator *Validator
	opts      RegistryOptions
}

type registryState struct {
	bySelector map[string]*Resource
	ordered    []*Resource
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// AllowUserResources permits OriginCaller registrations.
	AllowUserResources bool
	// ProtectServerResources refuses caller-initiated removal of
	// server-configured resources.
	ProtectServerResources bool
	// ValidateServerResources applies the validator to server resources too.
	ValidateServerResources bool
	// SelectorStrategy derives selectors for unnamed resources.
	SelectorStrategy SelectorStrategy
	// Factory builds adapters. Defaults to CreateDriver.
	Factory func(ctx context.Context, uri string) (FileSystem, error)
	// Logger receives denial and lifecycle events.
	Logger *slog.Logger
}

// RegistryOption is a functional option for configuring a Registry.
type RegistryOption func(*RegistryOptions)

// WithAllowUserResources enables or disables caller registrations.
func WithAllowUserResources(allow bool) RegistryOption {
	return func(o *RegistryOptions) {
		o.AllowUserResources = allow
	}
}

// WithProtectServerResources controls caller removal of server resources.
func WithProtectServerResources(protect bool) RegistryOption {
	return func(o *RegistryOptions) {
		o.ProtectServerResources = protect
	}
}

// WithValidateServerResources applies validators to server resources.
func WithValidateServerResources(validate bool) RegistryOption {
	return func(o *RegistryOptions) {
		o.ValidateServerResources = validate
	}
}

// WithSelectorStrategy sets how unnamed resources get a selector.
func WithSelectorStrategy(s SelectorStrategy) RegistryOption {
	return func(o *RegistryOptions) {
		o.SelectorStrategy = s
	}
}

// WithFactory replaces the adapter factory.
func WithFactory(factory func(ctx context.Context, uri string) (FileSystem, error)) RegistryOption {
	return func(o *RegistryOptions) {
		o.Factory = factory
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(o *RegistryOptions) {
		o.Logger = log
	}
}

// NewRegistry creates an empty registry. A nil validator allows every URI.
func NewRegistry(validator *Validator, opts ...RegistryOption) *Registry {
	options := RegistryOptions{
		AllowUserResources:     true,
		ProtectServerResources: true,
		SelectorStrategy:       SelectorHash,
		Factory:                CreateDriver,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = discardLogger()
	}
	if options.Factory == nil {
		options.Factory = CreateDriver
	}

	r := &Registry{validator: validator, opts: options}
	r.state.Store(&registryState{bySelector: map[string]*Resource{}})
	return r
}

// Register validates req, builds its adapter and publishes the resource.
//
// Re-registering a name with the same URI returns the existing resource.
// Re-registering a name with a different URI fails with ErrSelectorConflict.
// An unnamed URI that is already registered returns the existing resource.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Resource, error) {
	log := r.opts.Logger.With("origin", string(req.Origin), "uri", RedactURI(req.URI))

	if req.Origin == OriginCaller && !r.opts.AllowUserResources {
		log.Warn("resource registration denied", "reason", "caller resources disabled")
		return nil, ErrRegistrationDenied
	}
	if err := validateName(req.Name); err != nil {
		log.Warn("resource registration denied", "reason", "invalid name", "name", req.Name)
		return nil, fmt.Errorf("%w: %w", ErrRegistrationDenied, err)
	}
	if req.Origin == OriginCaller || r.opts.ValidateServerResources {
		if err := r.validator.Validate(req.URI); err != nil {
			log.Warn("resource registration denied", "reason", "no validator matched", "rules", r.validator.Len())
			return nil, err
		}
	}

	// Cheap check before building an adapter; repeated under the lock.
	if existing, err := r.state.Load().match(req); existing != nil || err != nil {
		return existing, err
	}

	fs, err := r.opts.Factory(ctx, req.URI)
	if err != nil {
		log.Warn("resource adapter construction failed", "err", err)
		if errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrRegistrationDenied, err)
	}
	if req.ReadOnly {
		fs = NewReadOnlyFileSystem(fs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		_ = closeAdapter(fs)
		return nil, ErrClosed
	}

	state := r.state.Load()
	if existing, err := state.match(req); existing != nil || err != nil {
		_ = closeAdapter(fs)
		return existing, err
	}

	selector := req.Name
	if selector == "" {
		selector = r.assignSelector(state, req.URI)
	}

	res := &Resource{
		Selector:     selector,
		Name:         req.Name,
		URI:          req.URI,
		Origin:       req.Origin,
		OnlyDirs:     req.OnlyDirs,
		ReadOnly:     req.ReadOnly,
		RegisteredAt: time.Now(),
		Adapter:      fs,
		lease:        &lease{adapter: fs, log: r.opts.Logger},
	}
	if res.Name == "" {
		res.Name = selector
	}

	r.state.Store(state.with(res))
	log.Info("resource registered", "selector", selector)
	return res, nil
}

// Deregister removes a resource regardless of origin. Lookups fail as soon
// as it returns; the adapter is closed after in-flight operations finish.
func (r *Registry) Deregister(selector string) bool {
	removed, _ := r.remove(selector, nil)
	return removed
}

// DeregisterAs removes a resource on behalf of origin. Callers may not
// remove server resources while ProtectServerResources is set.
func (r *Registry) DeregisterAs(origin Origin, selector string) (bool, error) {
	return r.remove(selector, func(res *Resource) error {
		if origin == OriginCaller && res.Origin == OriginServer && r.opts.ProtectServerResources {
			r.opts.Logger.Warn("resource removal denied", "selector", selector, "reason", "server resource")
			return ErrRegistrationDenied
		}
		return nil
	})
}

func (r *Registry) remove(selector string, check func(*Resource) error) (bool, error) {
	r.mu.Lock()
	state := r.state.Load()
	res, ok := state.bySelector[selector]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	if check != nil {
		if err := check(res); err != nil {
			r.mu.Unlock()
			return false, err
		}
	}
	r.state.Store(state.without(selector))
	r.mu.Unlock()

	if err := res.lease.retire(); err != nil {
		r.opts.Logger.Error("closing resource adapter failed", "selector", selector, "err", err)
	}
	r.opts.Logger.Info("resource deregistered", "selector", selector)
	return true, nil
}

// Resolve returns the resource bound to selector.
func (r *Registry) Resolve(selector string) (*Resource, error) {
	res, ok := r.state.Load().bySelector[selector]
	if !ok {
		return nil, fmt.Errorf("%w: resource %q", ErrNotExist, selector)
	}
	return res, nil
}

// Acquire resolves selector and takes a lease on its adapter. The adapter
// stays open until release is called, even if the resource is
// deregistered in the meantime.
func (r *Registry) Acquire(selector string) (*Resource, func(), error) {
	res, err := r.Resolve(selector)
	if err != nil {
		return nil, nil, err
	}
	if !res.lease.acquire() {
		return nil, nil, fmt.Errorf("%w: resource %q", ErrNotExist, selector)
	}
	return res, res.lease.release, nil
}

// Snapshot returns the registered resources in registration order.
func (r *Registry) Snapshot() []*Resource {
	state := r.state.Load()
	out := make([]*Resource, len(state.ordered))
	copy(out, state.ordered)
	return out
}

// Len returns the number of registered resources.
func (r *Registry) Len() int {
	return len(r.state.Load().ordered)
}

// Close deregisters every resource and refuses further registrations.
// Errors from adapters that could be closed immediately are combined.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	state := r.state.Load()
	r.state.Store(&registryState{bySelector: map[string]*Resource{}})
	r.mu.Unlock()

	var err error
	for _, res := range state.ordered {
		if cerr := res.lease.retire(); cerr != nil {
			err = errutil.Append(err, fmt.Errorf("close %s: %w", res.Selector, cerr))
		}
	}
	return err
}

// assignSelector derives a selector not present in state. Must be called
// with the mutation lock held.
func (r *Registry) assignSelector(state *registryState, uri string) string {
	if r.opts.SelectorStrategy == SelectorCounter {
		for {
			r.counter++
			candidate := fmt.Sprintf("r%d", r.counter)
			if _, taken := state.bySelector[candidate]; !taken {
				return candidate
			}
		}
	}

	base := shortHash(uri, hashSelectorLen)
	if _, taken := state.bySelector[base]; !taken {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, taken := state.bySelector[candidate]; !taken {
			return candidate
		}
	}
}

// ============================================================================
// Copy-on-write state
// ============================================================================

// match reports an existing resource satisfying req, or a conflict.
func (s *registryState) match(req RegisterRequest) (*Resource, error) {
	if req.Name != "" {
		res, ok := s.bySelector[req.Name]
		if !ok {
			return nil, nil
		}
		if res.URI == req.URI {
			return res, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrSelectorConflict, req.Name)
	}
	for _, res := range s.ordered {
		if res.URI == req.URI {
			return res, nil
		}
	}
	return nil, nil
}

func (s *registryState) with(res *Resource) *registryState {
	next := &registryState{
		bySelector: make(map[string]*Resource, len(s.bySelector)+1),
		ordered:    make([]*Resource, 0, len(s.ordered)+1),
	}
	for k, v := range s.bySelector {
		next.bySelector[k] = v
	}
	next.bySelector[res.Selector] = res
	next.ordered = append(next.ordered, s.ordered...)
	next.ordered = append(next.ordered, res)
	return next
}

func (s *registryState) without(selector string) *registryState {
	next := &registryState{
		bySelector: make(map[string]*Resource, len(s.bySelector)),
		ordered:    make([]*Resource, 0, len(s.ordered)),
	}
	for k, v := range s.bySelector {
		if k != selector {
			next.bySelector[k] = v
		}
	}
	for _, res := range s.ordered {
		if res.Selector != selector {
			next.ordered = append(next.ordered, res)
		}
	}
	return next
}

// ============================================================================
// Adapter leases
// ============================================================================

// lease counts in-flight operations on an adapter. Once retired, no new
// lease is granted and the adapter closes when the count reaches zero.
type lease struct {
	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
	adapter FileSystem
	log     *slog.Logger
}

func (l *lease) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	l.refs++
	return true
}

func (l *lease) release() {
	l.mu.Lock()
	l.refs--
	shouldClose := l.retired && l.refs == 0 && !l.closed
	if shouldClose {
		l.closed = true
	}
	l.mu.Unlock()

	if shouldClose {
		if err := closeAdapter(l.adapter); err != nil {
			l.log.Error("closing resource adapter failed", "err", err)
		}
	}
}

// retire stops new leases and closes the adapter now if it is idle.
func (l *lease) retire() error {
	l.mu.Lock()
	l.retired = true
	shouldClose := l.refs == 0 && !l.closed
	if shouldClose {
		l.closed = true
	}
	l.mu.Unlock()

	if shouldClose {
		return closeAdapter(l.adapter)
	}
	return nil
}

func closeAdapter(fs FileSystem) error {
	if c, ok := fs.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func validateName(name string) error {
	if strings.ContainsAny(name, string(Delimiter)+"/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if name != strings.TrimSpace(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// IsRegistrationDenied reports whether err denies a registration.
func IsRegistrationDenied(err error) bool {
	return errors.Is(err, ErrRegistrationDenied)
}
