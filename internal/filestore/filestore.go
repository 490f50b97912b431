// Package filestore persists uploaded zip archives under a single upload
// root and resolves stored paths back to files for download.
//
// Writes go to a temp file in the target directory, are synced, validated as
// zip archives and then renamed into place. Any failure removes the temp file.
// Stored paths are slash-separated and relative to the root.
package filestore

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"taskdesk/internal/apperr"
	"taskdesk/internal/metrics"
)

type Namespace string

const (
	NamespaceTasks       Namespace = "tasks"
	NamespaceSubmissions Namespace = "submissions"
)

const (
	DefaultMaxBytes = 50 << 20

	timestampLayout = "20060102T150405.000000Z"
	maxNameLen      = 100
	fallbackName    = "archive.zip"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Upload is an incoming archive.
type Upload struct {
	Name   string
	Reader io.Reader
}

// StoredFile describes an archive written by Store.
type StoredFile struct {
	Path         string `json:"path"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
}

type FileStore struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the upload root if needed. The root is resolved through
// symlinks once so containment checks compare like with like.
func New(root string, maxBytes int64, logger *slog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("upload root is required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create upload root %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve upload root %s: %w", root, err)
	}
	return &FileStore{
		root:     resolved,
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("component", "filestore")),
		now:      time.Now,
	}, nil
}

func (fs *FileStore) Root() string { return fs.root }

func (fs *FileStore) MaxBytes() int64 { return fs.maxBytes }

// SetClock overrides the timestamp source used for stored names.
func (fs *FileStore) SetClock(now func() time.Time) {
	if now != nil {
		fs.now = now
	}
}

// Store validates and persists an archive under <root>/<ns>/<taskID>/.
func (fs *FileStore) Store(taskID string, ns Namespace, up Upload) (StoredFile, error) {
	stored, err := fs.store(taskID, ns, up)
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
		if result == "" {
			result = "error"
		}
	} else {
		metrics.ArchiveBytes.Observe(float64(stored.Size))
	}
	metrics.ArchivesTotal.WithLabelValues(string(ns), result).Inc()
	return stored, err
}

func (fs *FileStore) store(taskID string, ns Namespace, up Upload) (StoredFile, error) {
	if ns != NamespaceTasks && ns != NamespaceSubmissions {
		return StoredFile{}, fmt.Errorf("unknown namespace %q", ns)
	}
	if !segmentPattern.MatchString(taskID) {
		return StoredFile{}, apperr.Validation(apperr.CodeBadRequest, "invalid task id %q", taskID)
	}
	if up.Reader == nil {
		return StoredFile{}, apperr.Validation(apperr.CodeMissingAttachment, "archive is required")
	}
	dir := filepath.Join(fs.root, string(ns), taskID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return StoredFile{}, apperr.Storage(err, "create directory")
	}

	tmpPath := filepath.Join(dir, ".upload-"+uuid.NewString()+".tmp")
	size, err := fs.writeTemp(tmpPath, up.Reader)
	if err != nil {
		os.Remove(tmpPath)
		return StoredFile{}, err
	}
	if err := validateArchive(tmpPath); err != nil {
		os.Remove(tmpPath)
		return StoredFile{}, err
	}

	name := fs.storageName(dir, up.Name)
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return StoredFile{}, apperr.Storage(err, "move archive into place")
	}
	rel := path.Join(string(ns), taskID, name)
	fs.logger.Debug("archive stored", slog.String("path", rel), slog.Int64("size", size))
	return StoredFile{Path: rel, OriginalName: originalName(up.Name), Size: size}, nil
}

func (fs *FileStore) writeTemp(tmpPath string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, apperr.Storage(err, "create temp file")
	}
	size, err := io.Copy(f, io.LimitReader(r, fs.maxBytes+1))
	if err != nil {
		f.Close()
		return 0, apperr.Storage(err, "write archive")
	}
	if size > fs.maxBytes {
		f.Close()
		return 0, apperr.Validation(apperr.CodeArchiveTooLarge, "archive exceeds %d bytes", fs.maxBytes).
			With("max_bytes", fs.maxBytes)
	}
	if size == 0 {
		f.Close()
		return 0, apperr.Validation(apperr.CodeInvalidArchive, "archive is empty")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, apperr.Storage(err, "sync archive")
	}
	if err := f.Close(); err != nil {
		return 0, apperr.Storage(err, "close archive")
	}
	return size, nil
}

// validateArchive requires a readable zip central directory.
func validateArchive(p string) error {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return apperr.Validation(apperr.CodeInvalidArchive, "file is not a zip archive").Wrapping(err)
	}
	return zr.Close()
}

func (fs *FileStore) storageName(dir, original string) string {
	clean := SanitizeName(original)
	name := fs.now().UTC().Format(timestampLayout) + "_" + clean
	if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
		ext := path.Ext(clean)
		name = fs.now().UTC().Format(timestampLayout) + "_" + strings.TrimSuffix(clean, ext) + "_" + uuid.NewString()[:8] + ext
	}
	return name
}

func originalName(name string) string {
	base := baseName(name)
	if base == "" {
		return fallbackName
	}
	return base
}

// baseName strips any directory part, whichever separator the client used.
func baseName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeName reduces a client file name to [A-Za-z0-9._-], transliterating
// accented letters and replacing everything else with '_'.
func SanitizeName(name string) string {
	base := baseName(name)
	if folded, _, err := transform.String(foldMarks, base); err == nil {
		base = folded
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r) || r < unicode.MaxASCII:
			b.WriteByte('_')
		}
	}
	built := b.String()
	ext := path.Ext(built)
	if len(ext) > 10 {
		ext = ""
	}
	stem := strings.TrimLeft(strings.TrimSuffix(built, ext), "._")
	if stem == "" {
		return fallbackName
	}
	if len(stem)+len(ext) > maxNameLen {
		stem = stem[:maxNameLen-len(ext)]
	}
	return stem + ext
}

// ResolveForDownload maps a stored relative path to an absolute file path
// that is guaranteed to lie inside the upload root after symlink resolution.
func (fs *FileStore) ResolveForDownload(stored string) (string, error) {
	if strings.TrimSpace(stored) == "" {
		return "", apperr.NotFound(apperr.CodeNoFile, "no file recorded")
	}
	if isAbsolute(stored) || hasParentSegment(stored) {
		return "", fs.violation(stored)
	}
	full := filepath.Join(fs.root, filepath.FromSlash(stored))
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperr.NotFound(apperr.CodeNoFile, "file not found")
		}
		return "", apperr.Storage(err, "resolve file")
	}
	rel, err := filepath.Rel(fs.root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fs.violation(stored)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperr.NotFound(apperr.CodeNoFile, "file not found")
		}
		return "", apperr.Storage(err, "stat file")
	}
	if !info.Mode().IsRegular() {
		return "", apperr.NotFound(apperr.CodeNoFile, "file not found")
	}
	return resolved, nil
}

func (fs *FileStore) violation(stored string) error {
	metrics.PathViolationsTotal.Inc()
	fs.logger.Warn("stored path escapes upload root", slog.String("path", stored))
	return apperr.PathViolation(stored)
}

func isAbsolute(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	return len(p) >= 2 && p[1] == ':'
}

func hasParentSegment(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// Open resolves stored and opens it for streaming. The caller closes the file.
func (fs *FileStore) Open(stored string) (*os.File, os.FileInfo, error) {
	p, err := fs.ResolveForDownload(stored)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, apperr.Storage(err, "open file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, apperr.Storage(err, "stat file")
	}
	return f, info, nil
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (fs *FileStore) Remove(stored string) error {
	p, err := fs.ResolveForDownload(stored)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.Storage(err, "remove file")
	}
	return nil
}
