package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to <dir>/<base>-YYYY-MM-DD[.N]<ext>. It starts a new
// file on each UTC day and whenever the next write would push the current
// file past MaxBytes. Only the newest MaxFiles files are kept.
type RotatingWriter struct {
	Path     string
	MaxBytes int64
	MaxFiles int

	mu    sync.Mutex
	day   string
	seq   int
	file  *os.File
	size  int64
	clock func() time.Time
}

// NewRotatingWriter opens the first file. A path of "-" or "" returns a
// writer that discards everything.
func NewRotatingWriter(path string, maxBytes int64, maxFiles int) (io.WriteCloser, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return discard{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}
	w := &RotatingWriter{Path: path, MaxBytes: maxBytes, MaxFiles: maxFiles, clock: time.Now}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) roll(incoming int64) error {
	today := w.clock().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day, w.seq = today, 0
	case w.size > 0 && w.size+incoming > w.MaxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) parts() (dir, base, ext string) {
	dir, name := filepath.Split(w.Path)
	if dir == "" {
		dir = "."
	}
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	return dir, base, ext
}

func (w *RotatingWriter) current() string {
	dir, base, ext := w.parts()
	name := fmt.Sprintf("%s-%s%s", base, w.day, ext)
	if w.seq > 0 {
		name = fmt.Sprintf("%s-%s.%d%s", base, w.day, w.seq, ext)
	}
	return filepath.Join(dir, name)
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir, _, _ := w.parts()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create dir: %w", err)
	}
	f, err := os.OpenFile(w.current(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open file: %w", err)
	}
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.file = f
	w.prune()
	return nil
}

// prune removes the oldest rotated files beyond MaxFiles.
func (w *RotatingWriter) prune() {
	if w.MaxFiles <= 0 {
		return
	}
	dir, base, ext := w.parts()
	matches, err := filepath.Glob(filepath.Join(dir, base+"-*"+ext))
	if err != nil || len(matches) <= w.MaxFiles {
		return
	}
	sort.Slice(matches, func(i, j int) bool {
		ai, _ := os.Stat(matches[i])
		aj, _ := os.Stat(matches[j])
		if ai == nil || aj == nil {
			return matches[i] < matches[j]
		}
		return ai.ModTime().Before(aj.ModTime())
	})
	cur := w.current()
	for _, m := range matches[:len(matches)-w.MaxFiles] {
		if m != cur {
			_ = os.Remove(m)
		}
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }

// Setup points the standard logger at stderr plus the file sink and
// returns the combined writer for other access logs.
func Setup(path string, maxBytes int64, maxFiles int) (io.Writer, io.Closer, error) {
	fw, err := NewRotatingWriter(path, maxBytes, maxFiles)
	if err != nil {
		return nil, nil, err
	}
	out := io.MultiWriter(os.Stderr, fw)
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return out, fw, nil
}
