package metafs

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Common MIME types
const (
	MIMETypeTextPlain       = "text/plain"
	MIMETypeTextMarkdown    = "text/markdown"
	MIMETypeTextPython      = "text/x-python"
	MIMETypeApplicationJSON = "application/json"
	MIMETypeNotebook        = "application/x-ipynb+json"
	MIMETypeOctetStream     = "application/octet-stream"
	MIMETypeDirectory       = "application/x-directory"
)

// extensions that mime.TypeByExtension does not know on a bare system
var extensionToMIME = map[string]string{
	".txt":   MIMETypeTextPlain,
	".log":   MIMETypeTextPlain,
	".md":    MIMETypeTextMarkdown,
	".py":    MIMETypeTextPython,
	".ipynb": MIMETypeNotebook,
	".json":  MIMETypeApplicationJSON,
	".yaml":  "application/x-yaml",
	".yml":   "application/x-yaml",
	".toml":  "application/toml",
	".csv":   "text/csv",
	".tsv":   "text/tab-separated-values",
	".html":  "text/html",
	".css":   "text/css",
	".js":    "text/javascript",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
}

// GuessContentType determines the content type of a file from its name and,
// failing that, from the first bytes of its content.
func GuessContentType(name string, head []byte) string {
	ext := strings.ToLower(path.Ext(name))
	if contentType, ok := extensionToMIME[ext]; ok {
		return contentType
	}
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType
	}
	if len(head) > 0 {
		return http.DetectContentType(head)
	}
	return MIMETypeOctetStream
}

// IsTextType reports whether content of this type is expected to be text.
func IsTextType(contentType string) bool {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.TrimSpace(contentType)
	return strings.HasPrefix(contentType, "text/") ||
		contentType == MIMETypeApplicationJSON ||
		contentType == MIMETypeNotebook ||
		contentType == "application/x-yaml" ||
		contentType == "application/toml" ||
		contentType == "application/xml" ||
		contentType == "image/svg+xml"
}
