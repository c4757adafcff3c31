package lsp

import (
	"net/url"
	"path/filepath"
	"strings"
)

// uriToPath returns the file system path of a file URI, or "" for any other
// scheme (untitled buffers and similar virtual documents).
func uriToPath(uri string) string {
	if uri == "" {
		return ""
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "" && parsed.Scheme != "file" {
		return ""
	}
	path := parsed.Path
	if parsed.Scheme == "" {
		path = uri
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	path = filepath.FromSlash(path)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path
}

func pathToURI(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// canonicalURI normalizes file URIs so that differently escaped forms of the
// same path share one document entry. Other URIs are kept verbatim.
func canonicalURI(uri string) string {
	if !strings.HasPrefix(uri, "file:") {
		return uri
	}
	path := uriToPath(uri)
	if path == "" {
		return uri
	}
	return pathToURI(path)
}

// pathWithinRoot reports whether path is root or below it.
func pathWithinRoot(root, path string) bool {
	if root == "" || path == "" {
		return false
	}
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
