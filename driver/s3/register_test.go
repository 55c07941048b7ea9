package s3

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/gobeaver/metafs"
)

func TestConfigFromURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    Config
		wantErr bool
	}{
		{
			name: "bucket only",
			uri:  "s3://data",
			want: Config{Bucket: "data", DeleteMode: metafs.DeleteRecursive},
		},
		{
			name: "credentials and prefix",
			uri:  "s3://AKIA:s%2Fcret@data/team/notebooks/?region=eu-west-1",
			want: Config{
				Bucket:          "data",
				Prefix:          "team/notebooks",
				Region:          "eu-west-1",
				AccessKeyID:     "AKIA",
				SecretAccessKey: "s/cret",
				DeleteMode:      metafs.DeleteRecursive,
			},
		},
		{
			name: "custom endpoint implies path style",
			uri:  "s3://data?endpoint=http://minio:9000&delete=strict&poll=5s",
			want: Config{
				Bucket:         "data",
				Endpoint:       "http://minio:9000",
				ForcePathStyle: true,
				DeleteMode:     metafs.DeleteStrict,
				PollInterval:   5 * time.Second,
			},
		},
		{
			name: "retry attempts",
			uri:  "s3://data?attempts=1",
			want: Config{Bucket: "data", MaxAttempts: 1, DeleteMode: metafs.DeleteRecursive},
		},
		{name: "missing bucket", uri: "s3:///prefix", wantErr: true},
		{name: "bad attempts", uri: "s3://data?attempts=0", wantErr: true},
		{name: "bad delete mode", uri: "s3://data?delete=never", wantErr: true},
		{name: "bad poll", uri: "s3://data?poll=soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.uri)
			if err != nil {
				t.Fatal(err)
			}
			got, err := configFromURI(u)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestWithPrefix(t *testing.T) {
	for in, want := range map[string]string{"": "", "a": "a/", "/a/b/": "a/b/"} {
		a := New(nil, "bucket", WithPrefix(in))
		if a.prefix != want {
			t.Errorf("WithPrefix(%q) = %q, want %q", in, a.prefix, want)
		}
	}
	a := New(nil, "bucket", WithPrefix("p"))
	if a.key("x/y") != "p/x/y" || a.dirKey("x") != "p/x/" || a.dirKey("") != "p/" {
		t.Errorf("unexpected key layout: %q %q %q", a.key("x/y"), a.dirKey("x"), a.dirKey(""))
	}
}

func TestMapS3Error(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"send failure", &smithyhttp.RequestSendError{Err: refused}, metafs.ErrBackendUnavailable},
		{"bad access key", &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, metafs.ErrBackendUnavailable},
		{"bad signature", &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}, metafs.ErrBackendUnavailable},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, metafs.ErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapS3Error("stat", "a.txt", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("mapS3Error(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUnreachableEndpoint(t *testing.T) {
	u, err := url.Parse("s3://AKIA:secret@data?region=us-east-1&endpoint=http://127.0.0.1:1&attempts=1")
	if err != nil {
		t.Fatal(err)
	}
	fs, err := createS3FileSystem(context.Background(), u)
	if err != nil {
		t.Fatalf("construction should not dial: %v", err)
	}
	_, err = fs.Stat(context.Background(), "a.txt")
	if metafs.KindOf(err) != metafs.KindBackendUnavailable {
		t.Errorf("kind = %v, err = %v", metafs.KindOf(err), err)
	}
}
