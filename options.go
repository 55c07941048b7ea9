package metafs

// Option represents a write option
type Option func(*Options)

// Options contains all possible options for write operations
type Options struct {
	// ContentType specifies the MIME type of the file
	ContentType string

	// Metadata contains additional metadata for the file
	Metadata map[string]string

	// Size is the content length when known up front, -1 otherwise.
	// Object stores use it to avoid buffering.
	Size int64
}

// WithContentType sets the content type of the file
func WithContentType(contentType string) Option {
	return func(o *Options) {
		o.ContentType = contentType
	}
}

// WithMetadata sets additional metadata for the file
func WithMetadata(metadata map[string]string) Option {
	return func(o *Options) {
		o.Metadata = metadata
	}
}

// WithSize declares the content length of the reader
func WithSize(size int64) Option {
	return func(o *Options) {
		o.Size = size
	}
}

// ProcessOptions applies opts over the defaults. Drivers call it at the
// top of Write.
func ProcessOptions(opts ...Option) *Options {
	o := &Options{Size: -1}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
