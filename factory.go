package metafs

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DriverFactory creates a FileSystem from a parsed connection URI.
type DriverFactory func(ctx context.Context, uri *url.URL) (FileSystem, error)

var (
	driverFactories = make(map[string]DriverFactory)
	factoryMutex    sync.RWMutex
)

// RegisterDriver registers a driver factory for a URI scheme. Driver
// packages call it from init.
func RegisterDriver(scheme string, factory DriverFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	driverFactories[strings.ToLower(scheme)] = factory
}

// Schemes returns the registered URI schemes in sorted order.
func Schemes() []string {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()

	schemes := make([]string, 0, len(driverFactories))
	for s := range driverFactories {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// CreateDriver builds a FileSystem for rawURI using the factory registered
// for its scheme. The URI string is passed through unmodified.
func CreateDriver(ctx context.Context, rawURI string) (FileSystem, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("parse resource uri: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: missing scheme", ErrUnsupportedScheme)
	}

	factoryMutex.RLock()
	factory, exists := driverFactories[strings.ToLower(u.Scheme)]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	return factory(ctx, u)
}

// ============================================================================
// URI helpers for drivers
// ============================================================================

// DeleteModeFromURI reads the "delete" query parameter, falling back to def.
func DeleteModeFromURI(u *url.URL, def DeleteMode) (DeleteMode, error) {
	switch v := DeleteMode(strings.ToLower(u.Query().Get("delete"))); v {
	case "":
		return def, nil
	case DeleteRecursive, DeleteStrict:
		return v, nil
	default:
		return "", fmt.Errorf("invalid delete mode %q", v)
	}
}

// QueryBool reads a boolean query parameter, falling back to def when absent.
func QueryBool(u *url.URL, key string, def bool) (bool, error) {
	raw := u.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
	return b, nil
}

// URIPassword returns the password of the URI user info, if any.
func URIPassword(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	p, _ := u.User.Password()
	return p
}

// RedactURI hides the password of a connection string for logging.
func RedactURI(rawURI string) string {
	u, err := url.Parse(rawURI)
	if err == nil {
		return u.Redacted()
	}

	// templates like s3://{{KEY}}:{{SECRET}}@bucket do not parse
	scheme, rest, ok := strings.Cut(rawURI, "://")
	if !ok {
		return "<unparseable uri>"
	}
	authority, tail, _ := strings.Cut(rest, "/")
	if i := strings.LastIndex(authority, "@"); i >= 0 {
		user, _, hasPass := strings.Cut(authority[:i], ":")
		if hasPass {
			user += ":xxxxx"
		}
		authority = user + authority[i:]
	}
	if tail != "" || strings.Contains(rest, "/") {
		return scheme + "://" + authority + "/" + tail
	}
	return scheme + "://" + authority
}
