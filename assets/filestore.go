package assets

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"github.com/warp/residence-registry/fault"
)

// =============================================================================
// FILE STORE - Scoped asset I/O under one root
// =============================================================================

// Limits are the per-kind size ceilings in bytes.
type Limits struct {
	PrimaryImage int64
	Document     int64
}

// DefaultLimits: 5 MiB images, 10 MiB documents.
var DefaultLimits = Limits{
	PrimaryImage: 5 << 20,
	Document:     10 << 20,
}

func (l Limits) For(kind Kind) int64 {
	if kind == KindPrimaryImage {
		return l.PrimaryImage
	}
	return l.Document
}

const tempPrefix = ".upload-"

// FileStore reads and writes asset bytes below a root directory. Paths of
// different owners never overlap, so concurrent calls for different owners
// need no coordination.
type FileStore struct {
	root   string
	limits Limits
	log    logrus.FieldLogger
}

func NewFileStore(root string, limits Limits, log logrus.FieldLogger) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &fault.StorageError{Op: "resolve", Path: root, Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &fault.StorageError{Op: "mkdir", Path: abs, Err: err}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileStore{root: abs, limits: limits, log: log}, nil
}

// Root is the absolute directory assets are served from.
func (s *FileStore) Root() string {
	return s.root
}

// Store validates data against the asset kind encoded in p and writes it.
//
// Size, mime and content checks all run before the target file is touched.
// Bytes go to a temporary file in the target directory that is renamed into
// place on success and removed on every other exit.
func (s *FileStore) Store(ctx context.Context, p string, data []byte, mime string) error {
	parsed, err := ParsePath(p)
	if err != nil {
		return err
	}
	if limit := s.limits.For(parsed.Kind); int64(len(data)) > limit {
		return fault.Validation("file", "%d bytes exceeds the %d byte limit for %s", len(data), limit, parsed.Kind)
	}
	if len(data) == 0 {
		return fault.Validation("file", "empty upload")
	}
	if mime == "" {
		mime = parsed.Mime
	}
	if !Allowed(parsed.Kind, mime) {
		return fault.Validation("mime", "%s not allowed for %s", mime, parsed.Kind)
	}
	if mime != parsed.Mime {
		return fault.Validation("mime", "%s does not match extension .%s", mime, parsed.Ext)
	}
	if detected := mimetype.Detect(data); !detected.Is(mime) {
		return fault.Validation("mime", "declared %s but content is %s", mime, detected.String())
	}

	target, err := s.abs(p)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &fault.StorageError{Op: "mkdir", Path: p, Err: err}
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return &fault.StorageError{Op: "write", Path: p, Err: err}
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		tmp.Close()
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.log.WithError(rmErr).WithField("path", tmp.Name()).Warn("assets: temp file cleanup failed")
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return &fault.StorageError{Op: "write", Path: p, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &fault.StorageError{Op: "write", Path: p, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &fault.StorageError{Op: "write", Path: p, Err: err}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return &fault.StorageError{Op: "write", Path: p, Err: err}
	}
	committed = true

	s.log.WithFields(logrus.Fields{"path": p, "bytes": len(data), "mime": mime}).Debug("assets: stored")
	return nil
}

// Read returns the bytes stored at p.
func (s *FileStore) Read(ctx context.Context, p string) ([]byte, error) {
	target, err := s.abs(p)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.NotFound("asset", p)
	}
	if err != nil {
		return nil, &fault.StorageError{Op: "read", Path: p, Err: err}
	}
	return data, nil
}

// List returns the asset paths stored directly in dir, sorted. A directory
// that was never written to yields an empty list.
func (s *FileStore) List(ctx context.Context, dir string) ([]string, error) {
	target, err := s.abs(dir)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &fault.StorageError{Op: "list", Path: dir, Err: err}
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		if _, err := ParsePath(e.Name()); err != nil {
			continue
		}
		out = append(out, path.Join("/", path.Clean("/"+dir), e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// abs maps an asset path onto the filesystem, refusing anything that would
// leave the root.
func (s *FileStore) abs(p string) (string, error) {
	if p == "" {
		return "", fault.Validation("path", "must not be empty")
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", fault.Validation("path", "%q escapes the asset root", p)
		}
	}
	full := filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+p)))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fault.Validation("path", "%q escapes the asset root", p)
	}
	return full, nil
}
