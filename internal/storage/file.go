package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	logx "opsnotify/pkg/logx"
)

// fileStore is a dependency-light persistence backend.
//
// Files:
//   - <prefix>.kv.json              (key/value snapshot, replaced atomically)
//   - <prefix>.deliveries.jsonl     (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json  (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl  (append-only journal)
//
// The dedup journal is periodically compacted into the snapshot. Writes to
// the kv snapshot by other processes are picked up through fsnotify and
// surface as Watch changes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	kvPath string
	kv     map[string]string
	writer string

	deliveryFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int

	watchers fanout
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// kvFile is the on-disk kv snapshot. Writer identifies the store instance
// that wrote it so a store can ignore its own writes when they echo back.
type kvFile struct {
	Writer string            `json:"writer"`
	Data   map[string]string `json:"data"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	kvPath := prefix + ".kv.json"
	deliveryPath := prefix + ".deliveries.jsonl"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	var snap kvFile
	if err := loadJSON(kvPath, &snap); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv snapshot unreadable, starting empty", logx.Err(err))
	}
	kv := snap.Data
	if kv == nil {
		kv = map[string]string{}
	}

	df, err := os.OpenFile(deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load dedup from snapshot + journal.
	dedup := map[string]int64{}
	_ = loadJSON(snapPath, &dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		_ = df.Close()
		_ = jf.Close()
		return nil, err
	}
	// Watch the directory: the snapshot is replaced by rename.
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		_ = df.Close()
		_ = jf.Close()
		return nil, err
	}

	s := &fileStore{
		log:               log,
		kvPath:            kvPath,
		kv:                kv,
		writer:            uuid.NewString(),
		deliveryFile:      df,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
		fsw:               fsw,
		done:              make(chan struct{}),
	}
	go s.watchLoop()
	return s, nil
}

func (s *fileStore) watchLoop() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.kvPath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.reloadKV()
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.log.Debug("kv watch error", logx.Err(err))
		}
	}
}

// reloadKV diffs a snapshot written by another store against memory and
// publishes the differences.
func (s *fileStore) reloadKV() {
	var snap kvFile
	if err := loadJSON(s.kvPath, &snap); err != nil {
		// Partially written or mid-rename; the next event retries.
		return
	}
	if snap.Writer == s.writer {
		return
	}
	next := snap.Data
	if next == nil {
		next = map[string]string{}
	}

	var changes []Change
	s.mu.Lock()
	if s.kv == nil {
		s.mu.Unlock()
		return
	}
	for k, v := range next {
		if old, ok := s.kv[k]; !ok || old != v {
			changes = append(changes, Change{Key: k, Value: v})
		}
	}
	for k := range s.kv {
		if _, ok := next[k]; !ok {
			changes = append(changes, Change{Key: k, Removed: true})
		}
	}
	s.kv = next
	s.mu.Unlock()

	for _, c := range changes {
		s.watchers.publish(c)
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	var errs []error
	if s.deliveryFile != nil {
		errs = append(errs, s.deliveryFile.Close())
		s.deliveryFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	s.kv = nil
	fsw := s.fsw
	s.fsw = nil
	s.mu.Unlock()

	if fsw != nil {
		errs = append(errs, fsw.Close())
		<-s.done
	}
	s.watchers.close()
	return errors.Join(errs...)
}

func (s *fileStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv == nil {
		return "", false, ErrClosed
	}
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *fileStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	s.mu.Lock()
	if s.kv == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	s.kv[key] = value
	err := s.writeKVLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.watchers.publish(Change{Key: key, Value: value})
	return nil
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	if s.kv == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.kv[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.kv, key)
	err := s.writeKVLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.watchers.publish(Change{Key: key, Removed: true})
	return nil
}

func (s *fileStore) Watch(buffer int) (<-chan Change, func()) {
	return s.watchers.subscribe(buffer)
}

func (s *fileStore) writeKVLocked() error {
	return writeJSONAtomic(s.kvPath, kvFile{Writer: s.writer, Data: s.kv})
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.deliveryFile).Encode(r)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrClosed
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(time.Now()); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// PruneDedup drops expired keys and compacts the journal.
func (s *fileStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return 0, ErrClosed
	}
	n := pruneExpiredDedup(s.dedup, now)
	return n, s.compactLocked(now)
}

func (s *fileStore) compactLocked(now time.Time) error {
	pruneExpiredDedup(s.dedup, now)
	if err := writeJSONAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) int {
	cut := now.UnixMilli()
	n := 0
	for k, v := range m {
		if v < cut {
			delete(m, k)
			n++
		}
	}
	return n
}
