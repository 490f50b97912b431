package filestore

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"taskdesk/internal/apperr"
)

func zipBytes(t testing.TB, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func newStore(t testing.TB, maxBytes int64) *FileStore {
	t.Helper()
	fs, err := New(filepath.Join(t.TempDir(), "uploads"), maxBytes, nil)
	require.NoError(t, err)
	fs.SetClock(func() time.Time { return time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.UTC) })
	return fs
}

func listFiles(t testing.TB, dir string) []string {
	t.Helper()
	var out []string
	_ = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	return out
}

func TestStoreWritesArchive(t *testing.T) {
	fs := newStore(t, 0)
	data := zipBytes(t, map[string]string{"README.md": "hello"})

	stored, err := fs.Store("T1", NamespaceTasks, Upload{Name: "C:\\Users\\me\\Spec Doc.zip", Reader: bytes.NewReader(data)})
	require.NoError(t, err)

	assert.Equal(t, "tasks/T1/20240301T123045.123456Z_Spec_Doc.zip", stored.Path)
	assert.Equal(t, "Spec Doc.zip", stored.OriginalName)
	assert.Equal(t, int64(len(data)), stored.Size)

	resolved, err := fs.ResolveForDownload(stored.Path)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(resolved)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
	assert.Len(t, listFiles(t, fs.Root()), 1, "temp file must not survive")
}

func TestStoreCollisionGetsSuffix(t *testing.T) {
	fs := newStore(t, 0)
	data := zipBytes(t, map[string]string{"a.txt": "a"})
	first, err := fs.Store("T1", NamespaceSubmissions, Upload{Name: "work.zip", Reader: bytes.NewReader(data)})
	require.NoError(t, err)
	second, err := fs.Store("T1", NamespaceSubmissions, Upload{Name: "work.zip", Reader: bytes.NewReader(data)})
	require.NoError(t, err)
	assert.NotEqual(t, first.Path, second.Path)
	assert.True(t, strings.HasPrefix(second.Path, "submissions/T1/"))
	assert.True(t, strings.HasSuffix(second.Path, ".zip"))
}

func TestStoreRejectsNonArchive(t *testing.T) {
	fs := newStore(t, 0)
	_, err := fs.Store("T1", NamespaceTasks, Upload{Name: "notes.zip", Reader: strings.NewReader("plain text, not a zip")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeInvalidArchive, apperr.CodeOf(err))
	assert.Empty(t, listFiles(t, fs.Root()))
}

func TestStoreRejectsOversize(t *testing.T) {
	data := zipBytes(t, map[string]string{"big.txt": strings.Repeat("x", 4096)})
	fs := newStore(t, int64(len(data)-1))
	_, err := fs.Store("T1", NamespaceTasks, Upload{Name: "big.zip", Reader: bytes.NewReader(data)})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeArchiveTooLarge, apperr.CodeOf(err))
	assert.Empty(t, listFiles(t, fs.Root()))
}

func TestStoreRejectsBadTaskID(t *testing.T) {
	fs := newStore(t, 0)
	data := zipBytes(t, map[string]string{"a": "a"})
	for _, id := range []string{"", "..", "../x", "a/b", ".hidden"} {
		_, err := fs.Store(id, NamespaceTasks, Upload{Name: "a.zip", Reader: bytes.NewReader(data)})
		assert.Error(t, err, "task id %q", id)
	}
	assert.Empty(t, listFiles(t, fs.Root()))
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Résumé final.zip":      "Resume_final.zip",
		"../../etc/passwd":      "passwd",
		"..zip":                 fallbackName,
		".hidden.zip":           "hidden.zip",
		"":                      fallbackName,
		"日本語.zip":               fallbackName,
		"weird$name(1).zip":     "weird_name_1_.zip",
		"dir\\sub\\deliver.zip": "deliver.zip",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	fs := newStore(t, 0)
	for _, p := range []string{"../secret.zip", "tasks/../../secret.zip", "/etc/passwd", `..\x.zip`, "tasks/T1/..", "C:/x.zip"} {
		_, err := fs.ResolveForDownload(p)
		require.Error(t, err, p)
		assert.Equal(t, apperr.KindPathViolation, apperr.KindOf(err), p)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	fs := newStore(t, 0)
	outside := filepath.Join(t.TempDir(), "outside.zip")
	require.NoError(t, os.WriteFile(outside, zipBytes(t, map[string]string{"x": "y"}), 0o600))
	dir := filepath.Join(fs.Root(), "tasks", "T1")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	if err := os.Symlink(outside, filepath.Join(dir, "link.zip")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	_, err := fs.ResolveForDownload("tasks/T1/link.zip")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPathViolation, apperr.KindOf(err))
}

func TestResolveMissingIsNotFound(t *testing.T) {
	fs := newStore(t, 0)
	_, err := fs.ResolveForDownload("tasks/T1/missing.zip")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = fs.ResolveForDownload("")
	assert.Equal(t, apperr.CodeNoFile, apperr.CodeOf(err))
}

func TestRemoveIsIdempotent(t *testing.T) {
	fs := newStore(t, 0)
	stored, err := fs.Store("T1", NamespaceTasks, Upload{Name: "a.zip", Reader: bytes.NewReader(zipBytes(t, map[string]string{"a": "b"}))})
	require.NoError(t, err)
	require.NoError(t, fs.Remove(stored.Path))
	require.NoError(t, fs.Remove(stored.Path))
	assert.Empty(t, listFiles(t, fs.Root()))
}

func TestPropertyParentSegmentsAlwaysRejected(t *testing.T) {
	fs := newStore(t, 0)
	segment := rapid.StringMatching(`[A-Za-z0-9_.-]{1,8}`)
	rapid.Check(t, func(rt *rapid.T) {
		before := rapid.SliceOfN(segment, 0, 3).Draw(rt, "before")
		after := rapid.SliceOfN(segment, 0, 3).Draw(rt, "after")
		sep := rapid.SampledFrom([]string{"/", `\`}).Draw(rt, "sep")
		parts := append(append(append([]string{}, before...), ".."), after...)
		p := strings.Join(parts, sep)
		if rapid.Bool().Draw(rt, "absolute") {
			p = "/" + p
		}
		_, err := fs.ResolveForDownload(p)
		if apperr.KindOf(err) != apperr.KindPathViolation {
			rt.Fatalf("path %q: expected path violation, got %v", p, err)
		}
	})
}
