package pg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hushfeed.org/internal/session"
)

func (s *Store) CreatePost(ctx context.Context, p session.Post) error {
	_, err := s.db.ExecContext(ctx, `
		insert into posts(id, session_id, author_did, reply_ref, ciphertext, created_at)
		values ($1, $2, $3, nullif($4, ''), $5, $6)
	`, p.ID, p.SessionID, p.AuthorDid, p.ReplyRef, p.Ciphertext, p.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return session.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListPosts(ctx context.Context, recipientDid string, q session.PostQuery) ([]session.Post, []session.SessionKey, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	// The join on session_keys is the storage-side gate: only sessions in
	// which the recipient holds a key can contribute posts.
	var sb strings.Builder
	sb.WriteString(`
		select p.id, p.session_id, p.author_did, coalesce(p.reply_ref, ''), p.ciphertext, p.created_at
		from posts p
		join session_keys sk on sk.session_id = p.session_id and sk.recipient_did = $1
	`)
	args := []any{recipientDid}
	var conds []string
	if len(q.AuthorDids) > 0 {
		args = append(args, q.AuthorDids)
		conds = append(conds, fmt.Sprintf("p.author_did = any($%d)", len(args)))
	}
	if q.ReplyRef != "" {
		args = append(args, q.ReplyRef)
		conds = append(conds, fmt.Sprintf("p.reply_ref = $%d", len(args)))
	}
	if q.AfterPostID != "" {
		// Keyset continuation for (created_at desc, id asc).
		args = append(args, time.UnixMicro(q.AfterCreatedAtMicros).UTC())
		tsArg := len(args)
		args = append(args, q.AfterPostID)
		idArg := len(args)
		conds = append(conds, fmt.Sprintf("(p.created_at < $%d or (p.created_at = $%d and p.id > $%d))", tsArg, tsArg, idArg))
	}
	if len(conds) > 0 {
		sb.WriteString(" where " + strings.Join(conds, " and "))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " order by p.created_at desc, p.id asc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var posts []session.Post
	sessionIDs := make([]string, 0, limit)
	seen := make(map[string]struct{})
	for rows.Next() {
		var p session.Post
		if err := rows.Scan(&p.ID, &p.SessionID, &p.AuthorDid, &p.ReplyRef, &p.Ciphertext, &p.CreatedAt); err != nil {
			return nil, nil, err
		}
		posts = append(posts, p)
		if _, ok := seen[p.SessionID]; !ok {
			seen[p.SessionID] = struct{}{}
			sessionIDs = append(sessionIDs, p.SessionID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(posts) == 0 {
		return nil, nil, nil
	}

	keyRows, err := s.db.QueryContext(ctx, `
		select session_id, recipient_did, user_key_pair_id, encrypted_dek, created_at
		from session_keys
		where recipient_did = $1 and session_id = any($2)
	`, recipientDid, sessionIDs)
	if err != nil {
		return nil, nil, err
	}
	defer keyRows.Close()

	var keys []session.SessionKey
	for keyRows.Next() {
		var k session.SessionKey
		if err := keyRows.Scan(&k.SessionID, &k.RecipientDid, &k.UserKeyPairID, &k.EncryptedDek, &k.CreatedAt); err != nil {
			return nil, nil, err
		}
		keys = append(keys, k)
	}
	return posts, keys, keyRows.Err()
}
