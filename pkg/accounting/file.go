package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xcrystal627/commune/pkg/models"
)

const (
	maxCollisionBumps = 1000
	maxDirRecreates   = 16
)

// FileHistory stores each record at {root}/{caller}/{fn}/{unix_nanos}.json.
// Concurrent writers never share a file: creation is exclusive and a
// colliding timestamp is bumped by one nanosecond.
type FileHistory struct {
	Root string
	now  func() time.Time
}

func NewFileHistory(root string) (*FileHistory, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("history root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create history root: %w", err)
	}
	return &FileHistory{Root: root, now: func() time.Time { return time.Now().UTC() }}, nil
}

// pathComponent keeps caller keys and function names from escaping the root.
func pathComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}

func (h *FileHistory) Record(ctx context.Context, rec models.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec = normalize(rec, h.now())
	dir := filepath.Join(h.Root, pathComponent(rec.Caller), pathComponent(rec.Fn))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	ns := rec.Timestamp.UnixNano()
	recreated := 0
	for bumps := 0; bumps < maxCollisionBumps; {
		rec.Timestamp = time.Unix(0, ns).UTC()
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, strconv.FormatInt(ns, 10)+".json")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, fs.ErrExist) {
			ns++
			bumps++
			continue
		}
		// Prune removes emptied dirs; it may have taken ours after MkdirAll.
		if errors.Is(err, fs.ErrNotExist) && recreated < maxDirRecreates {
			recreated++
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create history dir: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("create history entry: %w", err)
		}
		_, werr := f.Write(raw)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("write history entry: %w", werr)
		}
		return cerr
	}
	return fmt.Errorf("history entry collision for %s/%s", rec.Caller, rec.Fn)
}

type entryFile struct {
	path string
	ns   int64
}

// entries lists entry files under the caller (and optionally fn) directory.
func (h *FileHistory) entries(caller, fn string, since time.Time) ([]entryFile, error) {
	base := filepath.Join(h.Root, pathComponent(caller))
	var fnDirs []string
	if fn != "" {
		fnDirs = []string{filepath.Join(base, pathComponent(fn))}
	} else {
		dirents, err := os.ReadDir(base)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		for _, d := range dirents {
			if d.IsDir() {
				fnDirs = append(fnDirs, filepath.Join(base, d.Name()))
			}
		}
	}
	sinceNs := int64(0)
	if !since.IsZero() {
		sinceNs = since.UnixNano()
	}
	var out []entryFile
	for _, dir := range fnDirs {
		dirents, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, d := range dirents {
			ns, ok := entryNanos(d)
			if !ok || ns < sinceNs {
				continue
			}
			out = append(out, entryFile{path: filepath.Join(dir, d.Name()), ns: ns})
		}
	}
	return out, nil
}

func entryNanos(d fs.DirEntry) (int64, bool) {
	if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
		return 0, false
	}
	ns, err := strconv.ParseInt(strings.TrimSuffix(d.Name(), ".json"), 10, 64)
	return ns, err == nil
}

// List skips unreadable entries rather than failing the whole query.
func (h *FileHistory) List(ctx context.Context, caller, fn string, since time.Time) ([]models.CallRecord, error) {
	files, err := h.entries(caller, fn, since)
	if err != nil {
		return nil, err
	}
	out := make([]models.CallRecord, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(f.path)
		if err != nil {
			continue
		}
		var rec models.CallRecord
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (h *FileHistory) Count(_ context.Context, caller string, since time.Time) (int, error) {
	files, err := h.entries(caller, "", since)
	return len(files), err
}

func (h *FileHistory) Prune(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UnixNano()
	removed := 0
	var dirs []string
	err := filepath.WalkDir(h.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != h.Root {
				dirs = append(dirs, path)
			}
			return nil
		}
		ns, ok := entryNanos(d)
		if !ok || ns >= cutoff {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	// Deepest first so emptied fn dirs go before their caller dir.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return removed, err
}
