package storage

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// MaxUploadBytes is the per-file attachment limit
const MaxUploadBytes int64 = 25 << 20

var (
	ErrEmptyUpload           = errors.New("uploaded file is empty")
	ErrUploadTooLarge        = errors.New("uploaded file exceeds the size limit")
	ErrContentTypeNotAllowed = errors.New("content type is not allowed")
)

// allowedContentTypes are the attachment types accepted for designs
var allowedContentTypes = map[string]bool{
	"image/png":                        true,
	"image/jpeg":                       true,
	"image/svg+xml":                    true,
	"application/pdf":                  true,
	"application/vnd.visio":            true,
	"application/vnd.ms-visio.drawing": true,
	"text/csv":                         true,
	"text/plain":                       true,
}

var extensionTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
	".vsd":  "application/vnd.visio",
	".vsdx": "application/vnd.ms-visio.drawing",
	".csv":  "text/csv",
	".txt":  "text/plain",
}

// AllowedContentType reports whether contentType may be uploaded
func AllowedContentType(contentType string) bool {
	return allowedContentTypes[normalizeContentType(contentType)]
}

func normalizeContentType(ct string) string {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mediaType
}

// ValidateUpload checks size and type and returns the content type to store.
// A missing or generic declared type falls back to the file extension.
func ValidateUpload(filename, declared string, size, limit int64) (string, error) {
	if limit <= 0 {
		limit = MaxUploadBytes
	}
	if size == 0 {
		return "", ErrEmptyUpload
	}
	if size > limit {
		return "", fmt.Errorf("%w: %d bytes over %d", ErrUploadTooLarge, size, limit)
	}

	ct := normalizeContentType(declared)
	if ct == "" || ct == "application/octet-stream" {
		ct = extensionTypes[strings.ToLower(path.Ext(filename))]
	}
	if !allowedContentTypes[ct] {
		if ct == "" {
			ct = "unknown"
		}
		return "", fmt.Errorf("%w: %s", ErrContentTypeNotAllowed, ct)
	}
	return ct, nil
}

// SanitizeFilename keeps the base name and replaces anything outside
// letters, digits, dot, dash and underscore
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		out = "file"
	}
	if len(out) > 128 {
		ext := path.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:128-len(ext)] + ext
	}
	return out
}

// AttachmentKey returns orgs/{org}/designs/{id}/attachments/{uuid}-{name}
func AttachmentKey(orgID, designID, filename string) string {
	return fmt.Sprintf("orgs/%s/designs/%s/attachments/%s-%s", orgID, designID, uuid.NewString(), SanitizeFilename(filename))
}

// ReportKey returns the object key for a rendered report artifact
func ReportKey(orgID, designID, reportID, format string) string {
	return fmt.Sprintf("orgs/%s/designs/%s/reports/%s.%s", orgID, designID, reportID, format)
}
