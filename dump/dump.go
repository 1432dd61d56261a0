// Package dump writes debug IR dumps and the regression corpus. Every
// process gets its own uniquely-named directory below the configured
// dump root; concurrent processes serialize directory setup through a
// file lock.
package dump

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/go-units"
	"github.com/gofrs/flock"
	"github.com/pierrec/lz4/v4"
)

// Session owns one dump directory. Safe for concurrent use.
type Session struct {
	mu  sync.Mutex
	dir string
	seq int
	log *log.Logger
}

// NewSession creates a fresh dump directory under base. The base
// directory is created first; the per-session directory is then created
// while holding a file lock in base, so that concurrent instrumented
// processes serialize their setup.
func NewSession(base string) (*Session, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("create dump root: %w", err)
	}

	lock := flock.New(filepath.Join(base, ".lock"))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquire dump lock: %w", err)
	}
	defer lock.Unlock()

	dir, err := os.MkdirTemp(base, fmt.Sprintf("polli.%d.", os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	return &Session{
		dir: dir,
		log: log.New(os.Stderr, "polli/dump: ", log.LstdFlags),
	}, nil
}

// Dir returns the session's dump directory.
func (s *Session) Dir() string { return s.dir }

// Module writes one textual IR module with a layered filename, so the
// dump order is reconstructible from a directory listing.
func (s *Session) Module(name, ir string) error {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("%04d-%s.ll", seq, sanitize(name)))
	if err := os.WriteFile(path, []byte(ir), 0644); err != nil {
		return fmt.Errorf("dump module %s: %w", name, err)
	}
	s.log.Printf("wrote %s (%s)", path, units.HumanSize(float64(len(ir))))
	return nil
}

// Corpus persists one extracted prototype as an lz4-compressed record
// {function name, serialized IR} for regression harvesting.
func (s *Session) Corpus(fnName, ir string) error {
	dir := filepath.Join(s.dir, "corpus")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create corpus dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, sanitize(fnName)+".ll.lz4"))
	if err != nil {
		return fmt.Errorf("create corpus record: %w", err)
	}
	defer f.Close()

	zw := lz4.NewWriter(f)
	if _, err := zw.Write([]byte(ir)); err != nil {
		return fmt.Errorf("compress corpus record: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish corpus record: %w", err)
	}
	return nil
}

func sanitize(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch c {
		case '/', '\\', ':', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}
