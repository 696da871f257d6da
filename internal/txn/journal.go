package txn

import (
	"bufio"
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

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/aezell/crateguard/internal/config"
	"github.com/aezell/crateguard/internal/ctxlog"
)

const (
	journalDirName  = "txn"
	journalFileName = "journal.jsonl"
	blobDirName     = "blobs"
)

// record is one journal line. Undo information is written, and synced,
// before the action it describes.
type record struct {
	Seq  int       `json:"seq"`
	Type string    `json:"type"` // begin, mkdir, create, write, move, delete, commit
	ID   string    `json:"id,omitempty"`
	Path string    `json:"path,omitempty"`
	From string    `json:"from,omitempty"`
	Blob string    `json:"blob,omitempty"`
	Time time.Time `json:"time"`
}

// JournalDir returns where the journal of the project at root lives.
func JournalDir(root string) string {
	return filepath.Join(config.StatePath(root), journalDirName)
}

// lock takes the project's advisory lock without waiting.
func lock(root string) (func(), error) {
	if err := os.MkdirAll(config.StatePath(root), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	fl := flock.New(filepath.Join(config.StatePath(root), "lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking project: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() { _ = fl.Unlock() }, nil
}

type journal struct {
	root    string
	dir     string
	f       *os.File
	seq     int
	records []record
}

func openJournal(root, id string) (*journal, error) {
	dir := JournalDir(root)
	if err := os.MkdirAll(filepath.Join(dir, blobDirName), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, journalFileName), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	j := &journal{root: root, dir: dir, f: f}
	if err := j.append(record{Type: "begin", ID: id}); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

func (j *journal) append(r record) error {
	j.seq++
	r.Seq = j.seq
	r.Time = time.Now().UTC()
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	j.records = append(j.records, r)
	return nil
}

// snapshot copies the file at rel into the blob store and returns the
// blob's name.
func (j *journal) snapshot(rel string) (string, error) {
	data, err := os.ReadFile(j.abs(rel))
	if err != nil {
		return "", err
	}
	name := strconv.Itoa(j.seq + 1)
	if err := writeSynced(filepath.Join(j.dir, blobDirName, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

func (j *journal) abs(rel string) string {
	return filepath.Join(j.root, filepath.FromSlash(rel))
}

func (j *journal) close() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// discard removes the journal once the tree is consistent.
func (j *journal) discard() error {
	_ = j.close()
	return os.RemoveAll(j.dir)
}

// do journals and performs one step. n is the 1-based step number.
func (j *journal) do(s step, n, failAt int) error {
	var rec record
	switch s.kind {
	case stepMkdir:
		rec = record{Type: "mkdir", Path: s.path}
	case stepWrite:
		if fileExists(j.abs(s.path)) {
			blob, err := j.snapshot(s.path)
			if err != nil {
				return err
			}
			rec = record{Type: "write", Path: s.path, Blob: blob}
		} else {
			rec = record{Type: "create", Path: s.path}
		}
	case stepMove:
		rec = record{Type: "move", Path: s.path, From: s.from}
	case stepRemove:
		blob, err := j.snapshot(s.path)
		if err != nil {
			return err
		}
		rec = record{Type: "delete", Path: s.path, Blob: blob}
	}
	if err := j.append(rec); err != nil {
		return err
	}
	if failAt == n {
		return errors.New("injected failure")
	}

	switch s.kind {
	case stepMkdir:
		return os.Mkdir(j.abs(s.path), 0o755)
	case stepWrite:
		return writeAtomic(j.abs(s.path), []byte(s.content))
	case stepMove:
		return os.Rename(j.abs(s.from), j.abs(s.path))
	default:
		return os.Remove(j.abs(s.path))
	}
}

// commit runs steps under a fresh journal, verifies the result and
// discards the journal. Any failure rolls back.
func commit(ctx context.Context, root string, steps []step, opts Options) (string, error) {
	log := ctxlog.FromContext(ctx)
	id := uuid.NewString()

	j, err := openJournal(root, id)
	if err != nil {
		return "", &CommitIOError{Op: "opening journal", Err: err}
	}

	abort := func(cause error) error {
		log.Warn("rolling back refactor", "id", id, "error", cause)
		_ = j.close()
		if err := rollback(root, j.records); err != nil {
			return &RollbackError{Dir: j.dir, Cause: cause, Err: err}
		}
		if err := os.RemoveAll(j.dir); err != nil {
			log.Warn("removing journal", "dir", j.dir, "error", err)
		}
		return cause
	}

	var touched []string
	for i, s := range steps {
		if err := j.do(s, i+1, opts.failAt); err != nil {
			return "", abort(&CommitIOError{Step: i + 1, Op: s.String(), Err: err})
		}
		if s.kind != stepMkdir {
			touched = append(touched, s.path)
		}
		log.Debug("step done", "n", i+1, "step", s.String())
	}

	if opts.Verifier != nil {
		if err := opts.Verifier.Verify(ctx, root, touched); err != nil {
			return "", abort(&CommitIOError{Op: "verification", Err: err})
		}
	}

	if err := j.append(record{Type: "commit", ID: id}); err != nil {
		return "", abort(&CommitIOError{Op: "closing journal", Err: err})
	}
	if err := j.discard(); err != nil {
		log.Warn("removing journal", "dir", j.dir, "error", err)
	}
	return id, nil
}

// rollback undoes records in reverse. Every undo is idempotent, so a
// rollback interrupted midway can run again.
func rollback(root string, records []record) error {
	abs := func(rel string) string { return filepath.Join(root, filepath.FromSlash(rel)) }
	blob := func(name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(JournalDir(root), blobDirName, name))
	}

	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		var err error
		switch r.Type {
		case "mkdir":
			err = os.Remove(abs(r.Path))
			if errors.Is(err, fs.ErrNotExist) {
				err = nil
			}
		case "create":
			err = os.Remove(abs(r.Path))
			if errors.Is(err, fs.ErrNotExist) {
				err = nil
			}
			if err == nil {
				err = removeTemps(abs(r.Path))
			}
		case "write":
			var data []byte
			if data, err = blob(r.Blob); err == nil {
				err = writeAtomic(abs(r.Path), data)
			}
			if err == nil {
				err = removeTemps(abs(r.Path))
			}
		case "move":
			if fileExists(abs(r.Path)) && !fileExists(abs(r.From)) {
				err = os.Rename(abs(r.Path), abs(r.From))
			}
		case "delete":
			if !fileExists(abs(r.Path)) {
				var data []byte
				if data, err = blob(r.Blob); err == nil {
					err = writeAtomic(abs(r.Path), data)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("undoing %s %s: %w", r.Type, r.Path, err)
		}
	}
	return nil
}

// readJournal loads the records of a journal. A torn last line, left by a
// crash mid-append, is ignored.
func readJournal(dir string) ([]record, error) {
	f, err := os.Open(filepath.Join(dir, journalFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			break
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

// recoverLocked finishes an interrupted transaction: committed journals are
// discarded, others rolled back. The caller holds the lock.
func recoverLocked(ctx context.Context, root string) (bool, error) {
	log := ctxlog.FromContext(ctx)
	dir := JournalDir(root)
	if _, err := os.Stat(filepath.Join(dir, journalFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// A journal directory without a log never started a step.
			_ = os.RemoveAll(dir)
			return false, nil
		}
		return false, err
	}

	records, err := readJournal(dir)
	if err != nil {
		return false, &RollbackError{Dir: dir, Cause: errors.New("reading journal"), Err: err}
	}
	if n := len(records); n > 0 && records[n-1].Type == "commit" {
		log.Info("discarding committed journal", "dir", dir)
		return true, os.RemoveAll(dir)
	}

	id := ""
	if len(records) > 0 {
		id = records[0].ID
	}
	log.Warn("rolling back interrupted refactor", "id", id, "records", len(records))
	if err := rollback(root, records); err != nil {
		return false, &RollbackError{Dir: dir, Cause: errors.New("interrupted refactor"), Err: err}
	}
	return true, os.RemoveAll(dir)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)

// removeTemps deletes temporary files writeAtomic left next to p when it
// was interrupted before the rename.
func removeTemps(p string) error {
	pattern := filepath.Join(filepath.Dir(p), "."+globEscaper.Replace(filepath.Base(p))+".tmp-*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// writeAtomic replaces p through a synced temporary file in the same
// directory, keeping the existing file mode.
func writeAtomic(p string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(p); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, p)
}

func writeSynced(p string, data []byte, mode fs.FileMode) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
