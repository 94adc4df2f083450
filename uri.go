package clangdconn

import (
	"net/url"
	"path/filepath"
	"runtime"
)

// FilePathToURI converts an absolute or relative file path to a
// file:// DocumentURI, making relative paths absolute first.
func FilePathToURI(path string) DocumentURI {
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	path = filepath.ToSlash(path)
	if runtime.GOOS == "windows" && len(path) >= 2 && path[1] == ':' {
		path = "/" + path
	}
	u := &url.URL{Scheme: "file", Path: path}
	return DocumentURI(u.String())
}

// URIToFilePath converts a file:// DocumentURI back to a file path. It
// returns an ErrInvalidURI ClientError for any scheme other than file.
func URIToFilePath(uri DocumentURI) (string, error) {
	u, err := url.Parse(string(uri))
	if err != nil {
		return "", newClientError(ErrInvalidURI, "malformed URI", err)
	}
	if u.Scheme != "file" {
		return "", newClientError(ErrInvalidURI, "unsupported URI scheme "+u.Scheme, nil)
	}

	path := u.Path
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return filepath.FromSlash(path), nil
}
