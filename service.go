package metafs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gobeaver/beaver-kit/config"
)

// Service bundles the registry, the dispatcher and the policy switches
// read from Config. It is what hosting layers talk to.
type Service struct {
	cfg        *Config
	registry   *Registry
	dispatcher *Dispatcher
	snippets   []Snippet
	log        *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingResource
}

// pendingResource is a server resource waiting for caller-supplied tokens.
type pendingResource struct {
	conf    ResourceConfig
	missing []string
}

// ResourceSpec is one resource in a registration request.
type ResourceSpec struct {
	Name            string            `json:"name,omitempty"`
	URL             string            `json:"url"`
	Auth            TokenAuth         `json:"auth,omitempty"`
	TokenDict       map[string]string `json:"tokenDict,omitempty"`
	DefaultWritable *bool             `json:"defaultWritable,omitempty"`
}

// RegistrationOptions modify a registration request.
type RegistrationOptions struct {
	// OnlyDirs restricts listings of the new resources to directories.
	OnlyDirs bool `json:"onlyDirs"`
	// Verbose reports denied entries with a generic reason instead of
	// omitting them.
	Verbose bool `json:"verbose"`
	// Replace deregisters caller resources that are not in this request.
	Replace bool `json:"replace"`
}

// RegistrationRequest is the body of a registration call.
type RegistrationRequest struct {
	Resources []ResourceSpec      `json:"resources"`
	Options   RegistrationOptions `json:"options"`
}

// ResourceResult describes one resource in a registration response.
type ResourceResult struct {
	Name          string   `json:"name"`
	URL           string   `json:"url"`
	Drive         string   `json:"drive"`
	Init          bool     `json:"init"`
	Writable      bool     `json:"defaultWritable"`
	Origin        Origin   `json:"origin,omitempty"`
	MissingTokens []string `json:"missingTokens,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// ServiceOption is a functional option for configuring a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger    *slog.Logger
	factory   func(ctx context.Context, uri string) (FileSystem, error)
	dispOpts  []DispatcherOption
	validator []ValidatorOption
}

// WithLogger sets the logger shared by the registry and the dispatcher.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = log
	}
}

// WithDriverFactory replaces CreateDriver for every registration.
func WithDriverFactory(factory func(ctx context.Context, uri string) (FileSystem, error)) ServiceOption {
	return func(o *serviceOptions) {
		o.factory = factory
	}
}

// WithDispatcherOptions passes extra options to the dispatcher.
func WithDispatcherOptions(opts ...DispatcherOption) ServiceOption {
	return func(o *serviceOptions) {
		o.dispOpts = append(o.dispOpts, opts...)
	}
}

// WithValidatorOptions passes options to the resource validator.
func WithValidatorOptions(opts ...ValidatorOption) ServiceOption {
	return func(o *serviceOptions) {
		o.validator = append(o.validator, opts...)
	}
}

// Builder provides a way to create Service instances with custom env prefixes
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// New creates a new Service using the builder's prefix
func (b *Builder) New(ctx context.Context, opts ...ServiceOption) (*Service, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// NewFromEnv creates a Service from environment variables
func NewFromEnv(ctx context.Context, opts ...ServiceOption) (*Service, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// New creates a Service and registers the server resources of cfg. A
// server resource that fails to initialize is logged and reported with
// init=false; it does not fail New.
func New(ctx context.Context, cfg *Config, opts ...ServiceOption) (*Service, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = discardLogger()
	}

	validator, err := NewValidator(cfg.ResourceValidators, o.validator...)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	snippets, err := compileSnippets(cfg.Snippets)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	strategy := SelectorStrategy(cfg.SelectorStrategy)
	if strategy == "" {
		strategy = SelectorHash
	}
	regOpts := []RegistryOption{
		WithAllowUserResources(cfg.AllowUserResources),
		WithProtectServerResources(cfg.ProtectServerResources),
		WithValidateServerResources(cfg.ValidateServerResources),
		WithSelectorStrategy(strategy),
		WithRegistryLogger(o.logger),
	}
	if o.factory != nil {
		regOpts = append(regOpts, WithFactory(o.factory))
	}
	registry := NewRegistry(validator, regOpts...)

	dispOpts := []DispatcherOption{
		WithHiddenPolicy(cfg.hiddenPolicy()),
		WithDispatcherLogger(o.logger),
	}
	if cfg.HashAlgorithm != "" {
		alg, err := ParseChecksumAlgorithm(cfg.HashAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		dispOpts = append(dispOpts, WithHashAlgorithm(alg))
	}
	dispOpts = append(dispOpts, o.dispOpts...)

	s := &Service{
		cfg:        cfg,
		registry:   registry,
		dispatcher: NewDispatcher(registry, dispOpts...),
		snippets:   snippets,
		log:        o.logger,
		pending:    make(map[string]*pendingResource),
	}

	for _, rc := range cfg.Resources {
		s.registerServer(ctx, rc, nil)
	}
	return s, nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *Config {
	return s.cfg
}

// Registry returns the resource registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Dispatcher returns the content operation dispatcher.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Close tears down every resource.
func (s *Service) Close() error {
	return s.registry.Close()
}

// registerServer registers a server resource. Templates resolve from the
// environment when auth is env, otherwise from tokens.
func (s *Service) registerServer(ctx context.Context, rc ResourceConfig, tokens map[string]string) *ResourceResult {
	auth := rc.Auth
	if auth == "" {
		auth = TokenAuthAsk
	}
	uri, missing := ResolveURL(rc.URL, auth, tokens)

	if len(missing) > 0 {
		s.log.Info("server resource waiting for tokens", "name", rc.Name, "missing", missing)
		s.setPending(rc, missing)
		return &ResourceResult{
			Name:          rc.Name,
			URL:           RedactURI(rc.URL),
			Writable:      !rc.ReadOnly,
			Origin:        OriginServer,
			MissingTokens: missing,
		}
	}

	res, err := s.registry.Register(ctx, RegisterRequest{
		URI:      uri,
		Name:     rc.Name,
		Origin:   OriginServer,
		OnlyDirs: rc.OnlyDirs,
		ReadOnly: rc.ReadOnly,
	})
	if err != nil {
		s.log.Error("server resource failed to initialize", "name", rc.Name, "uri", RedactURI(uri), "err", err)
		s.setPending(rc, nil)
		return &ResourceResult{
			Name:     rc.Name,
			URL:      RedactURI(rc.URL),
			Writable: !rc.ReadOnly,
			Origin:   OriginServer,
			Errors:   []string{denialReason(err)},
		}
	}

	s.mu.Lock()
	delete(s.pending, rc.Name)
	s.mu.Unlock()
	result := resultOf(res)
	return &result
}

// RegisterResources registers caller-supplied resources and returns every
// resource available to the caller: server resources first, then the
// caller's. Denied entries are omitted unless Options.Verbose is set.
func (s *Service) RegisterResources(ctx context.Context, req RegistrationRequest) []ResourceResult {
	var callerResults []ResourceResult
	keep := make(map[string]bool)

	for _, spec := range req.Resources {
		if p := s.pendingServer(spec.Name); p != nil {
			s.registerServer(ctx, p.conf, spec.TokenDict)
			continue
		}

		result, res := s.registerCaller(ctx, spec, req.Options)
		if res != nil {
			keep[res.Selector] = true
			if res.Origin == OriginServer {
				continue
			}
		}
		if result != nil {
			callerResults = append(callerResults, *result)
		}
	}

	if req.Options.Replace {
		for _, res := range s.registry.Snapshot() {
			if res.Origin == OriginCaller && !keep[res.Selector] {
				_, _ = s.registry.DeregisterAs(OriginCaller, res.Selector)
			}
		}
	}

	return append(s.serverResults(), callerResults...)
}

func (s *Service) registerCaller(ctx context.Context, spec ResourceSpec, opts RegistrationOptions) (*ResourceResult, *Resource) {
	denied := func(err error) *ResourceResult {
		if !opts.Verbose {
			return nil
		}
		return &ResourceResult{
			Name:   spec.Name,
			URL:    RedactURI(spec.URL),
			Origin: OriginCaller,
			Errors: []string{denialReason(err)},
		}
	}

	auth := spec.Auth
	if auth == "" {
		auth = TokenAuthAsk
	}
	if auth == TokenAuthEnv && !s.cfg.AllowEnvTokens {
		s.log.Warn("resource registration denied", "origin", string(OriginCaller), "reason", "env tokens disabled")
		return denied(ErrRegistrationDenied), nil
	}

	uri, missing := ResolveURL(spec.URL, auth, spec.TokenDict)
	if len(missing) > 0 {
		if !s.cfg.AllowUserResources {
			return denied(ErrRegistrationDenied), nil
		}
		return &ResourceResult{
			Name:          spec.Name,
			URL:           RedactURI(spec.URL),
			Writable:      spec.DefaultWritable == nil || *spec.DefaultWritable,
			Origin:        OriginCaller,
			MissingTokens: missing,
		}, nil
	}

	res, err := s.registry.Register(ctx, RegisterRequest{
		URI:      uri,
		Name:     spec.Name,
		Origin:   OriginCaller,
		OnlyDirs: opts.OnlyDirs,
		ReadOnly: spec.DefaultWritable != nil && !*spec.DefaultWritable,
	})
	if err != nil {
		return denied(err), nil
	}

	result := resultOf(res)
	result.URL = RedactURI(spec.URL)
	return &result, res
}

func (s *Service) setPending(rc ResourceConfig, missing []string) {
	s.mu.Lock()
	s.pending[rc.Name] = &pendingResource{conf: rc, missing: missing}
	s.mu.Unlock()
}

func (s *Service) pendingServer(name string) *pendingResource {
	if name == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[name]
}

// Resources returns every known resource without registering anything.
func (s *Service) Resources() []ResourceResult {
	out := s.serverResults()
	for _, res := range s.registry.Snapshot() {
		if res.Origin == OriginCaller {
			out = append(out, resultOf(res))
		}
	}
	return out
}

// DeregisterResource removes a resource on behalf of a caller.
func (s *Service) DeregisterResource(selector string) (bool, error) {
	return s.registry.DeregisterAs(OriginCaller, selector)
}

// serverResults lists the live server resources followed by the ones that
// could not be initialized.
func (s *Service) serverResults() []ResourceResult {
	out := make([]ResourceResult, 0, len(s.cfg.Resources))
	live := make(map[string]bool)
	for _, res := range s.registry.Snapshot() {
		if res.Origin == OriginServer {
			out = append(out, resultOf(res))
			live[res.Name] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rc := range s.cfg.Resources {
		p, ok := s.pending[rc.Name]
		if !ok || live[rc.Name] {
			continue
		}
		result := ResourceResult{
			Name:          rc.Name,
			URL:           RedactURI(rc.URL),
			Writable:      !rc.ReadOnly,
			Origin:        OriginServer,
			MissingTokens: p.missing,
		}
		if len(p.missing) == 0 {
			result.Errors = []string{"resource could not be initialized"}
		}
		out = append(out, result)
	}
	return out
}

func resultOf(res *Resource) ResourceResult {
	return ResourceResult{
		Name:     res.Name,
		URL:      RedactURI(res.URI),
		Drive:    res.Selector,
		Init:     true,
		Writable: !res.ReadOnly,
		Origin:   res.Origin,
	}
}

// denialReason is the only detail about a failed registration that is
// returned to callers.
func denialReason(err error) string {
	switch KindOf(err) {
	case KindConflict:
		return "resource name already in use"
	case KindBackendUnavailable:
		return "resource backend unavailable"
	}
	return "resource registration denied"
}
