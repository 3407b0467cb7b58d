package constants

import "strings"

// DocumentKind classifies an input document by how its text is obtained.
type DocumentKind string

const (
	KindDOCX        DocumentKind = "docx"
	KindPDF         DocumentKind = "pdf"
	KindText        DocumentKind = "text"
	KindImage       DocumentKind = "image"
	KindUnsupported DocumentKind = "unsupported"
)

// extensionKinds maps normalized extensions to document kinds.
var extensionKinds = map[string]DocumentKind{
	"docx": KindDOCX,
	"pdf":  KindPDF,
	"txt":  KindText,
	"md":   KindText,
	"png":  KindImage,
	"jpg":  KindImage,
	"jpeg": KindImage,
	"heic": KindImage,
	"heif": KindImage,
	"tif":  KindImage,
	"tiff": KindImage,
	"bmp":  KindImage,
	"webp": KindImage,
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// KindForExt returns the document kind for a file extension (with or without the dot).
func KindForExt(ext string) DocumentKind {
	if k, ok := extensionKinds[NormalizeExt(ext)]; ok {
		return k
	}
	return KindUnsupported
}

// IsHEIC reports whether the extension needs conversion before Go can decode it.
func IsHEIC(ext string) bool {
	e := NormalizeExt(ext)
	return e == "heic" || e == "heif"
}
