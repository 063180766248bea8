package task

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// DefaultSpillThreshold is the payload size above which a message is moved to
// a temp file before transport.
const DefaultSpillThreshold = 8 * 1024

const spillSuffix = ".spill"

// Spiller builds tasks from raw queue bytes and resolves them back on the
// worker side. Spill files are named <prefix>-<task id>.spill inside dir.
type Spiller struct {
	dir       string
	prefix    string
	threshold int
	now       func() time.Time
}

// NewSpiller returns a Spiller writing into dir. A threshold <= 0 selects
// DefaultSpillThreshold.
func NewSpiller(dir, prefix string, threshold int) *Spiller {
	if threshold <= 0 {
		threshold = DefaultSpillThreshold
	}
	if prefix == "" {
		prefix = "task"
	}
	return &Spiller{
		dir:       dir,
		prefix:    sanitizePrefix(prefix),
		threshold: threshold,
		now:       time.Now,
	}
}

// Threshold returns the spill threshold in bytes.
func (s *Spiller) Threshold() int { return s.threshold }

// Dir returns the spill directory.
func (s *Spiller) Dir() string { return s.dir }

// Wrap turns popped bytes into a Task. Payloads larger than the threshold are
// written to a uniquely named file and the task carries only the reference.
func (s *Spiller) Wrap(data []byte) (*Task, error) {
	t := &Task{
		ID:       uuid.NewString(),
		PoppedAt: s.now().UTC(),
	}

	if len(data) <= s.threshold {
		t.Payload = data
		return t, nil
	}

	ref, err := s.write(t.ID, data)
	if err != nil {
		return nil, err
	}
	t.Spill = ref
	return t, nil
}

func (s *Spiller) write(id string, data []byte) (*SpillRef, error) {
	path := filepath.Join(s.dir, s.prefix+"-"+id+spillSuffix)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write spill file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close spill file: %w", err)
	}

	return &SpillRef{
		Path:   path,
		Size:   int64(len(data)),
		Digest: digest(data),
	}, nil
}

// Resolve returns the payload of t. For spilled tasks it reads the file,
// verifies size and digest, and deletes the file. If only the deletion fails
// the payload is still returned together with an error wrapping
// ErrSpillCleanup.
func (s *Spiller) Resolve(t *Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if !t.Spilled() {
		return t.Payload, nil
	}

	data, err := os.ReadFile(t.Spill.Path)
	if err != nil {
		_ = os.Remove(t.Spill.Path)
		return nil, fmt.Errorf("read spill file: %w", err)
	}
	rmErr := os.Remove(t.Spill.Path)

	if int64(len(data)) != t.Spill.Size {
		return nil, fmt.Errorf("%w: size %d, expected %d", ErrDigestMismatch, len(data), t.Spill.Size)
	}
	if got := digest(data); got != t.Spill.Digest {
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrDigestMismatch, got, t.Spill.Digest)
	}
	if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return data, fmt.Errorf("%w: %v", ErrSpillCleanup, rmErr)
	}
	return data, nil
}

// Discard removes the spill file of a task that will not be consumed.
func (s *Spiller) Discard(t *Task) error {
	if !t.Spilled() {
		return nil
	}
	if err := os.Remove(t.Spill.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard spill file: %w", err)
	}
	return nil
}

// Sweep deletes spill files left behind by a previous run of this service.
// Only call it before any dispatcher starts.
func (s *Spiller) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.prefix+"-*"+spillSuffix))
	if err != nil {
		return 0, fmt.Errorf("glob spill files: %w", err)
	}
	removed := 0
	for _, m := range matches {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), s.prefix+"-"), spillSuffix)
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		if err := os.Remove(m); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, fmt.Errorf("remove orphaned spill file: %w", err)
		}
		removed++
	}
	return removed, nil
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sanitizePrefix(p string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, p)
}
