package metafs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"
)

// EntryType is the kind of entry a ContentModel describes.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
	EntryNotebook  EntryType = "notebook"
)

// ContentFormat tags how ContentModel.Content is encoded.
type ContentFormat string

const (
	FormatText   ContentFormat = "text"
	FormatBase64 ContentFormat = "base64"
	FormatJSON   ContentFormat = "json"
)

// NotebookExtension marks files that are modelled as notebooks.
const NotebookExtension = ".ipynb"

// ContentModel is the normalized representation of one entry returned to
// callers and accepted by Save. It follows the Jupyter contents shape.
//
// Content is nil unless requested. For directories it holds the children
// ([]*ContentModel), for text and base64 files a string, and for notebooks
// the decoded JSON document.
type ContentModel struct {
	Name          string        `json:"name"`
	Path          string        `json:"path"`
	Type          EntryType     `json:"type"`
	Writable      bool          `json:"writable"`
	Created       time.Time     `json:"created"`
	LastModified  time.Time     `json:"last_modified"`
	Mimetype      string        `json:"mimetype,omitempty"`
	Content       any           `json:"content"`
	Format        ContentFormat `json:"format,omitempty"`
	Size          *int64        `json:"size,omitempty"`
	Hash          string        `json:"hash,omitempty"`
	HashAlgorithm string        `json:"hash_algorithm,omitempty"`

	// Chunk is only read by Save: 1 starts a file, n > 1 appends part n,
	// -1 appends the last part.
	Chunk int `json:"chunk,omitempty"`
}

// GetOptions selects what Get returns.
type GetOptions struct {
	// Content includes the payload (children for directories).
	Content bool
	// Type, when set, requires the entry to be of this type. Requesting
	// EntryFile for a notebook returns it as a plain file.
	Type EntryType
	// Format forces the file encoding. Empty picks text for valid UTF-8
	// and base64 otherwise.
	Format ContentFormat
	// Hash fills Hash and HashAlgorithm.
	Hash bool
}

// ChildModels returns the children of a directory model fetched with content.
func (m *ContentModel) ChildModels() []*ContentModel {
	children, _ := m.Content.([]*ContentModel)
	return children
}

// Bytes decodes the payload of a model submitted to Save.
func (m *ContentModel) Bytes() ([]byte, error) {
	switch c := m.Content.(type) {
	case nil:
		return nil, nil
	case []byte:
		return c, nil
	case json.RawMessage:
		return c, nil
	case string:
		if m.Format == FormatBase64 {
			data, err := base64.StdEncoding.DecodeString(c)
			if err != nil {
				return nil, fmt.Errorf("%w: bad base64 content: %v", ErrInvalidFormat, err)
			}
			return data, nil
		}
		if m.Type == EntryNotebook && !json.Valid([]byte(c)) {
			return nil, fmt.Errorf("%w: notebook content is not JSON", ErrInvalidFormat)
		}
		return []byte(c), nil
	default:
		if m.Format != "" && m.Format != FormatJSON {
			return nil, fmt.Errorf("%w: structured content requires json format", ErrInvalidFormat)
		}
		data, err := json.MarshalIndent(c, "", " ")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		return data, nil
	}
}

// entryTypeOf infers the model type of an entry from its kind and name.
func entryTypeOf(info *FileInfo) EntryType {
	if info.IsDir {
		return EntryDirectory
	}
	if strings.EqualFold(path.Ext(info.Name), NotebookExtension) {
		return EntryNotebook
	}
	return EntryFile
}

// newModel builds a content-less model for an entry of res at p.
func newModel(res *Resource, p NamespacedPath, info *FileInfo) *ContentModel {
	name := info.Name
	if name == "" {
		name = p.Name()
	}
	m := &ContentModel{
		Name:         name,
		Path:         NamespacedPath{Selector: p.Selector, Subpath: p.Clean()}.String(),
		Type:         entryTypeOf(&FileInfo{Name: name, IsDir: info.IsDir}),
		Writable:     !res.ReadOnly && !res.Adapter.Capabilities().ReadOnly,
		Created:      info.Created,
		LastModified: info.ModTime,
	}
	if m.Created.IsZero() {
		m.Created = m.LastModified
	}
	if !info.IsDir {
		size := info.Size
		m.Size = &size
		m.Mimetype = info.ContentType
		if m.Mimetype == "" {
			m.Mimetype = GuessContentType(name, nil)
		}
	}
	return m
}

// encodeContent sets Content and Format of a file or notebook model.
func encodeContent(m *ContentModel, data []byte, format ContentFormat) error {
	size := int64(len(data))
	m.Size = &size

	if m.Type == EntryNotebook {
		if !json.Valid(data) {
			return fmt.Errorf("%w: unreadable notebook", ErrInvalidFormat)
		}
		m.Content = json.RawMessage(data)
		m.Format = FormatJSON
		m.Mimetype = MIMETypeNotebook
		return nil
	}

	switch format {
	case FormatText:
		if !utf8.Valid(data) {
			return fmt.Errorf("%w: %s is not UTF-8 encoded", ErrInvalidFormat, m.Name)
		}
		m.Content = string(data)
		m.Format = FormatText
	case FormatBase64:
		m.Content = base64.StdEncoding.EncodeToString(data)
		m.Format = FormatBase64
	case "":
		if utf8.Valid(data) {
			m.Content = string(data)
			m.Format = FormatText
		} else {
			m.Content = base64.StdEncoding.EncodeToString(data)
			m.Format = FormatBase64
		}
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidFormat, format)
	}

	if m.Format == FormatText && !IsTextType(m.Mimetype) {
		m.Mimetype = MIMETypeTextPlain
	}
	if m.Format == FormatBase64 && m.Mimetype == "" {
		m.Mimetype = MIMETypeOctetStream
	}
	return nil
}
