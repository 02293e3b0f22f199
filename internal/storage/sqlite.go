package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "opsnotify/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultPollInterval = 500 * time.Millisecond

// sqliteStore keeps removed keys as tombstones so pollers in other
// processes observe removals. Every mutation bumps a monotonic version.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64

	poll     time.Duration
	watchers fanout

	mu      sync.Mutex
	lastVer int64
	version int64

	stop chan struct{}
	done chan struct{}
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	st := &sqliteStore{
		db:         db,
		log:        log,
		pruneEvery: 500,
		poll:       poll,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Only changes after open are reported.
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM kv`).Scan(&st.lastVer); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.version = st.lastVer
	go st.pollLoop()
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	select {
	case <-s.stop:
		return nil
	default:
	}
	close(s.stop)
	<-s.done
	s.watchers.close()
	return s.db.Close()
}

// nextVersion is unix nanos, forced monotonic within this process.
func (s *sqliteStore) nextVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := time.Now().UnixNano()
	if v <= s.version {
		v = s.version + 1
	}
	s.version = v
	return v
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v       string
		deleted int
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, deleted FROM kv WHERE key = ?`, key).Scan(&v, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite get %q: %w", key, err)
	}
	if deleted != 0 {
		return "", false, nil
	}
	return v, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, deleted, version) VALUES(?,?,0,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, deleted=0, version=excluded.version`,
		key, value, s.nextVersion(),
	)
	if err != nil {
		return fmt.Errorf("sqlite set %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE kv SET value='', deleted=1, version=? WHERE key = ? AND deleted = 0`,
		s.nextVersion(), key,
	)
	if err != nil {
		return fmt.Errorf("sqlite remove %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Watch(buffer int) (<-chan Change, func()) {
	return s.watchers.subscribe(buffer)
}

func (s *sqliteStore) pollLoop() {
	defer close(s.done)
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.poll)
			if err := s.pollOnce(ctx); err != nil {
				s.log.Debug("kv poll failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *sqliteStore) pollOnce(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, deleted, version FROM kv WHERE version > ? ORDER BY version`, s.lastVer)
	if err != nil {
		return err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var (
			c       Change
			deleted int
			ver     int64
		)
		if err := rows.Scan(&c.Key, &c.Value, &deleted, &ver); err != nil {
			return err
		}
		c.Removed = deleted != 0
		changes = append(changes, c)
		s.lastVer = ver
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, c := range changes {
		s.watchers.publish(c)
	}
	return nil
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	leader := 0
	if r.Leader {
		leader = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, participant_id, event_id, conversation_id, outcome, reason, leader)
		 VALUES(?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.ParticipantID, nullStr(r.EventID), nullStr(r.ConversationID),
		r.Outcome, nullStr(r.Reason), leader,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDedup(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
