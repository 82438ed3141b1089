// Package files serves a directory tree over HTTP.
//
// Paths are cleaned and resolved under the root; on the OS filesystem
// symlinks are followed and anything whose target leaves the root is
// reported as missing. Regular files go out through http.ServeContent, which
// handles Range, If-Modified-Since and content types. A strong ETag derived
// from the file content is added when the ETag cache is enabled.
package files

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
)

// DefaultIndex is served for directory requests.
const DefaultIndex = "index.html"

// DefaultETagCacheSize is the number of content digests kept.
const DefaultETagCacheSize = 1024

// AllowedMethods is advertised in the Allow header.
const AllowedMethods = "GET, HEAD, OPTIONS"

var errEscapesRoot = errors.New("path escapes root")

type tagKey struct {
	name    string
	size    int64
	modTime int64
}

// Responder is an http.Handler publishing the files of a root directory.
type Responder struct {
	fs    afero.Fs
	root  string // canonical OS path of the root; empty for non-OS filesystems
	index string
	tags  *lru.Cache[tagKey, string]
	log   *slog.Logger
}

// Option configures a Responder.
type Option func(*Responder) error

// WithETagCache enables content ETags with a digest cache of size entries.
// A size of zero or less disables ETags.
func WithETagCache(size int) Option {
	return func(r *Responder) error {
		if size <= 0 {
			r.tags = nil
			return nil
		}
		tags, err := lru.New[tagKey, string](size)
		if err != nil {
			return fmt.Errorf("etag cache: %w", err)
		}
		r.tags = tags
		return nil
	}
}

// WithIndex changes the file served for directory requests.
func WithIndex(name string) Option {
	return func(r *Responder) error {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("invalid index name %q", name)
		}
		r.index = name
		return nil
	}
}

// WithLogger replaces the responder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) error {
		r.log = l
		return nil
	}
}

// New serves fsys. The filesystem is wrapped read-only.
func New(fsys afero.Fs, opts ...Option) (*Responder, error) {
	r := &Responder{
		fs:    afero.NewReadOnlyFs(fsys),
		index: DefaultIndex,
		log:   slog.Default(),
	}
	if err := WithETagCache(DefaultETagCacheSize)(r); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewOS serves the directory root of the local filesystem. A relative root
// is taken from the working directory. Root must exist and be a directory.
func NewOS(root string, opts ...Option) (*Responder, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %q: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving root %q: %w", root, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}

	r, err := New(afero.NewBasePathFs(afero.NewOsFs(), canonical), opts...)
	if err != nil {
		return nil, err
	}
	r.root = canonical
	return r, nil
}

// Root is the canonical directory served, empty when not backed by the OS.
func (r *Responder) Root() string {
	return r.root
}

// CachedTags is the number of digests currently cached.
func (r *Responder) CachedTags() int {
	if r.tags == nil {
		return 0
	}
	return r.tags.Len()
}

func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.Header().Set("Allow", AllowedMethods)
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", AllowedMethods)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	urlPath := req.URL.Path
	name := path.Clean("/" + urlPath)

	f, info, err := r.open(name)
	if err != nil {
		r.fail(w, urlPath, err)
		return
	}
	if info.IsDir() {
		f.Close()
		if !strings.HasSuffix(urlPath, "/") {
			localRedirect(w, req, path.Base(urlPath)+"/")
			return
		}
		name = path.Join(name, r.index)
		if f, info, err = r.open(name); err != nil {
			r.fail(w, urlPath, err)
			return
		}
	} else if strings.HasSuffix(urlPath, "/") {
		f.Close()
		localRedirect(w, req, "../"+path.Base(name))
		return
	}
	defer f.Close()

	if !info.Mode().IsRegular() {
		r.fail(w, urlPath, fs.ErrNotExist)
		return
	}

	if tag, ok := r.etag(name, info, f); ok {
		w.Header().Set("ETag", tag)
	}
	r.log.Debug("serving file", "path", urlPath, "size", info.Size())
	http.ServeContent(w, req, info.Name(), info.ModTime(), f)
}

// open resolves name under the root and opens it.
func (r *Responder) open(name string) (afero.File, fs.FileInfo, error) {
	resolved, err := r.resolve(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := r.fs.Open(resolved)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// resolve follows symlinks for OS roots and rejects targets outside the root.
func (r *Responder) resolve(name string) (string, error) {
	if r.root == "" {
		return name, nil
	}
	target, err := filepath.EvalSymlinks(filepath.Join(r.root, filepath.FromSlash(name)))
	if err != nil {
		// the open reports missing or unreadable paths
		return name, nil
	}
	rel, err := filepath.Rel(r.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errEscapesRoot
	}
	return "/" + filepath.ToSlash(rel), nil
}

func (r *Responder) etag(name string, info fs.FileInfo, f io.ReadSeeker) (string, bool) {
	if r.tags == nil {
		return "", false
	}
	key := tagKey{name: name, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if tag, ok := r.tags.Get(key); ok {
		return tag, true
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		r.log.Warn("digest failed", "path", name, "error", err)
		return "", false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		r.log.Warn("rewind failed", "path", name, "error", err)
		return "", false
	}

	tag := `"` + hex.EncodeToString(hasher.Sum(nil)) + `"`
	r.tags.Add(key, tag)
	return tag, true
}

func (r *Responder) fail(w http.ResponseWriter, urlPath string, err error) {
	status := StatusFor(err)
	switch {
	case errors.Is(err, errEscapesRoot):
		r.log.Warn("invalid path requested", "path", urlPath)
	case status == http.StatusInternalServerError:
		r.log.Error("could not serve file", "path", urlPath, "error", err)
	default:
		r.log.Debug("could not serve file", "path", urlPath, "status", status, "error", err)
	}
	http.Error(w, http.StatusText(status), status)
}

// StatusFor maps a filesystem error to the status reported to the client.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, errEscapesRoot), errors.Is(err, syscall.ENOTDIR):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// localRedirect sends a relative redirect, keeping the query string.
func localRedirect(w http.ResponseWriter, req *http.Request, newPath string) {
	if q := req.URL.RawQuery; q != "" {
		newPath += "?" + q
	}
	w.Header().Set("Location", newPath)
	w.WriteHeader(http.StatusMovedPermanently)
}
