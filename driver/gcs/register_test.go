package gcs

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gobeaver/metafs"
	"google.golang.org/api/googleapi"
)

func TestConfigFromURI(t *testing.T) {
	u, _ := url.Parse("gcs://lab-data/shared/?credentials=/etc/gcs.json&delete=strict&poll=1m")
	cfg, err := configFromURI(u)
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		Bucket:          "lab-data",
		Prefix:          "shared",
		CredentialsFile: "/etc/gcs.json",
		DeleteMode:      metafs.DeleteStrict,
		PollInterval:    time.Minute,
	}
	if *cfg != want {
		t.Errorf("got %+v, want %+v", *cfg, want)
	}
	if n := len(cfg.clientOptions()); n != 1 {
		t.Errorf("client options = %d, want 1", n)
	}

	for _, raw := range []string{"gcs:///nobucket", "gcs://b?delete=maybe", "gcs://b?poll=x"} {
		u, _ := url.Parse(raw)
		if _, err := configFromURI(u); err == nil {
			t.Errorf("%s: expected error", raw)
		}
	}
}

func TestPartNumberOrdering(t *testing.T) {
	prefix := "p/.metafs-uploads/id/"
	if partNumber(prefix+"12", prefix) != 12 {
		t.Error("expected part 12")
	}
	if partNumber(prefix+"round-0-1", prefix) != 0 {
		t.Error("intermediate objects have no part number")
	}
}

func TestMapGCSError(t *testing.T) {
	refused := &url.Error{Op: "Get", URL: "https://storage.googleapis.com", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing object", storage.ErrObjectNotExist, metafs.ErrNotExist},
		{"dial refused", refused, metafs.ErrBackendUnavailable},
		{"unauthenticated", &googleapi.Error{Code: http.StatusUnauthorized}, metafs.ErrBackendUnavailable},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, metafs.ErrPermission},
		{"precondition", &googleapi.Error{Code: http.StatusPreconditionFailed}, metafs.ErrExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapGCSError("stat", "a.txt", tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapGCSError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
