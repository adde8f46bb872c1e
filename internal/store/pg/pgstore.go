package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"hushfeed.org/internal/session"
)

const pgErrUniqueViolation = "23505"

// Store is the Postgres session store.
type Store struct {
	db *sql.DB
}

var _ session.Store = (*Store)(nil)

// Open connects with tuned pool defaults; adjust under load tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (used by tests and the migration CLI).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateSession(ctx context.Context, sess session.Session, keys []session.SessionKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Author-scoped advisory lock held for the transaction. Row locks are
	// not enough here: a first-time author has no row to lock, and two
	// concurrent creates would both insert an active session. Other
	// authors hash to different lock keys and are unaffected.
	if _, err := tx.ExecContext(ctx, `
		select pg_advisory_xact_lock(hashtext($1))
	`, sess.AuthorDid); err != nil {
		return err
	}

	// Every unrevoked session is revoked, expired ones included, so the
	// partial unique index on (author_did) where revoked_at is null can
	// hold as a backstop.
	rows, err := tx.QueryContext(ctx, `
		select id from sessions
		where author_did = $1 and revoked_at is null
	`, sess.AuthorDid)
	if err != nil {
		return err
	}
	var previous []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		previous = append(previous, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if len(previous) > 0 {
		if _, err := tx.ExecContext(ctx, `
			update sessions set revoked_at = $2 where id = any($1)
		`, previous, sess.CreatedAt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into sessions(id, author_did, created_at, expires_at)
		values ($1, $2, $3, $4)
	`, sess.ID, sess.AuthorDid, sess.CreatedAt, sess.ExpiresAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return session.ErrConflict
		}
		return err
	}

	if len(keys) > 0 {
		query, args := bulkKeyInsert(keys, false)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) RevokeActiveSessions(ctx context.Context, authorDid string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions set revoked_at = $2
		where author_did = $1 and revoked_at is null and expires_at > $2
	`, authorDid, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ActiveSession(ctx context.Context, authorDid string, now time.Time) (session.Session, error) {
	var (
		out     session.Session
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, author_did, created_at, expires_at, revoked_at
		from sessions
		where author_did = $1 and revoked_at is null and expires_at > $2
		order by created_at desc
		limit 1
	`, authorDid, now).Scan(&out.ID, &out.AuthorDid, &out.CreatedAt, &out.ExpiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		out.RevokedAt = &t
	}
	return out, nil
}

func (s *Store) ActiveSessionKey(ctx context.Context, authorDid, recipientDid string, now time.Time) (session.SessionKey, error) {
	var out session.SessionKey
	err := s.db.QueryRowContext(ctx, `
		select sk.session_id, sk.recipient_did, sk.user_key_pair_id, sk.encrypted_dek, sk.created_at
		from session_keys sk
		join sessions s on s.id = sk.session_id
		where s.author_did = $1 and sk.recipient_did = $2
		  and s.revoked_at is null and s.expires_at > $3
		order by s.created_at desc
		limit 1
	`, authorDid, recipientDid, now).Scan(&out.SessionID, &out.RecipientDid, &out.UserKeyPairID, &out.EncryptedDek, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.SessionKey{}, session.ErrNotFound
	}
	if err != nil {
		return session.SessionKey{}, err
	}
	return out, nil
}

func (s *Store) InsertSessionKeys(ctx context.Context, keys []session.SessionKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	query, args := bulkKeyInsert(keys, true)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) AuthorSessions(ctx context.Context, authorDid string, onlyCurrent bool, since time.Time) ([]session.Session, error) {
	query := `
		select id, author_did, created_at, expires_at, revoked_at
		from sessions
		where author_did = $1
	`
	args := []any{authorDid}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" and created_at >= $%d", len(args))
	}
	query += " order by created_at desc, id desc"
	if onlyCurrent {
		query += " limit 1"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		var (
			sess    session.Session
			revoked sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.AuthorDid, &sess.CreatedAt, &sess.ExpiresAt, &revoked); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			sess.RevokedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) AuthorKeysBySession(ctx context.Context, authorDid string, sessionIDs []string) (map[string]session.SessionKey, error) {
	if len(sessionIDs) == 0 {
		return map[string]session.SessionKey{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select session_id, recipient_did, user_key_pair_id, encrypted_dek, created_at
		from session_keys
		where recipient_did = $1 and session_id = any($2)
	`, authorDid, sessionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]session.SessionKey)
	for rows.Next() {
		var k session.SessionKey
		if err := rows.Scan(&k.SessionID, &k.RecipientDid, &k.UserKeyPairID, &k.EncryptedDek, &k.CreatedAt); err != nil {
			return nil, err
		}
		out[k.SessionID] = k
	}
	return out, rows.Err()
}

func (s *Store) RecipientKeySessionIDs(ctx context.Context, recipientDid string, sessionIDs []string) (map[string]struct{}, error) {
	if len(sessionIDs) == 0 {
		return map[string]struct{}{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select session_id from session_keys
		where recipient_did = $1 and session_id = any($2)
	`, recipientDid, sessionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) DeleteSessionKeys(ctx context.Context, authorDid, recipientDid string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from session_keys sk
		using sessions s
		where s.id = sk.session_id and s.author_did = $1 and sk.recipient_did = $2
	`, authorDid, recipientDid)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) SessionKeysByKeyPair(ctx context.Context, keyPairID string, limit int) ([]session.SessionKey, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select session_id, recipient_did, user_key_pair_id, encrypted_dek, created_at
		from session_keys
		where user_key_pair_id = $1
		order by session_id, recipient_did
		limit $2
	`, keyPairID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.SessionKey
	for rows.Next() {
		var k session.SessionKey
		if err := rows.Scan(&k.SessionID, &k.RecipientDid, &k.UserKeyPairID, &k.EncryptedDek, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSessionKeys(ctx context.Context, keys []session.SessionKey) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			update session_keys
			set user_key_pair_id = $3, encrypted_dek = $4
			where session_id = $1 and recipient_did = $2
		`, k.SessionID, k.RecipientDid, k.UserKeyPairID, k.EncryptedDek); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// bulkKeyInsert builds one multi-row insert; ignoreConflicts adds
// "on conflict do nothing" so re-runs of the backfill stay idempotent.
func bulkKeyInsert(keys []session.SessionKey, ignoreConflicts bool) (string, []any) {
	var sb strings.Builder
	sb.WriteString("insert into session_keys(session_id, recipient_did, user_key_pair_id, encrypted_dek, created_at) values ")
	args := make([]any, 0, len(keys)*5)
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, k.SessionID, k.RecipientDid, k.UserKeyPairID, k.EncryptedDek, k.CreatedAt)
	}
	if ignoreConflicts {
		sb.WriteString(" on conflict (session_id, recipient_did) do nothing")
	}
	return sb.String(), args
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
