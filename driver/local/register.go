package local

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gobeaver/metafs"
)

func init() {
	for _, scheme := range []string{"osfs", "file"} {
		metafs.RegisterDriver(scheme, newFromURI)
	}
}

// newFromURI builds an adapter from osfs:///abs/dir?create=true&delete=strict.
func newFromURI(ctx context.Context, u *url.URL) (metafs.FileSystem, error) {
	root, err := rootFromURI(u)
	if err != nil {
		return nil, err
	}
	create, err := metafs.QueryBool(u, "create", false)
	if err != nil {
		return nil, err
	}
	mode, err := metafs.DeleteModeFromURI(u, metafs.DeleteRecursive)
	if err != nil {
		return nil, err
	}
	return New(root, Config{Create: create, DeleteMode: mode})
}

// rootFromURI extracts the directory from the URI path. osfs://relative/dir
// is read as the relative path "relative/dir".
func rootFromURI(u *url.URL) (string, error) {
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		p = u.Host + p
	}
	if p == "" {
		return "", fmt.Errorf("%w: missing directory in %s uri", metafs.ErrInvalidName, u.Scheme)
	}
	// file:///C:/data on Windows
	if runtime.GOOS == "windows" && len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(strings.TrimSuffix(p, "/") + "/"), nil
}
