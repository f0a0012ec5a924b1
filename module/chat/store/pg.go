package store

import (
	"context"
	"strings"
	"time"

	"ChatCore/module/chat/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	id           BIGINT PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	online       BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen    TIMESTAMPTZ,
	push_token   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS chat_groups (
	id   BIGINT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS group_members (
	group_id  BIGINT NOT NULL,
	user_id   BIGINT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (group_id, user_id)
);
CREATE INDEX IF NOT EXISTS group_members_user ON group_members (user_id);
CREATE TABLE IF NOT EXISTS contacts (
	owner_id   BIGINT NOT NULL,
	contact_id BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_id, contact_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id                 BIGSERIAL PRIMARY KEY,
	client_id          TEXT,
	sender_id          BIGINT NOT NULL,
	recipient_id       BIGINT NOT NULL DEFAULT 0,
	group_id           BIGINT NOT NULL DEFAULT 0,
	content            TEXT NOT NULL DEFAULT '',
	reply_to_id        BIGINT,
	is_forwarded       BOOLEAN NOT NULL DEFAULT FALSE,
	original_sender_id BIGINT,
	status             SMALLINT NOT NULL DEFAULT 1,
	delivered_at       TIMESTAMPTZ,
	read_at            TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS messages_sender_client ON messages (sender_id, client_id) WHERE client_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS messages_pending_private ON messages (recipient_id, id) WHERE group_id = 0 AND status = 1;
CREATE INDEX IF NOT EXISTS messages_group_created ON messages (group_id, created_at) WHERE group_id <> 0;
CREATE TABLE IF NOT EXISTS attachments (
	id          BIGSERIAL PRIMARY KEY,
	message_id  BIGINT,
	uploader_id BIGINT NOT NULL,
	file_name   TEXT NOT NULL,
	mime_type   TEXT NOT NULL DEFAULT '',
	size        BIGINT NOT NULL DEFAULT 0,
	path        TEXT NOT NULL,
	temporary   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS attachments_message ON attachments (message_id);
CREATE TABLE IF NOT EXISTS message_deliveries (
	message_id   BIGINT NOT NULL,
	member_id    BIGINT NOT NULL,
	delivered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (message_id, member_id)
);
CREATE TABLE IF NOT EXISTS group_read_marks (
	group_id  BIGINT NOT NULL,
	member_id BIGINT NOT NULL,
	read_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (group_id, member_id)
);
`

const msgCols = `id, client_id, sender_id, recipient_id, group_id, content, reply_to_id,
	is_forwarded, original_sender_id, status, delivered_at, read_at, created_at`

const attCols = `id, COALESCE(message_id, 0), uploader_id, file_name, mime_type, size, path, temporary, created_at`

// PgStore Postgres 实现
type PgStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres 建连接池、ping、建表
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, errors.Wrap(err, "postgres: parse config")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: new pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres: ping")
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres: migrate")
	}
	return &PgStore{pool: pool}, nil
}

func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

// IsTransient 序列化失败/死锁/连接类错误可重试
func (s *PgStore) IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "53300", pgErr.Code == "57P01":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m   model.Message
		cid *string
		st  int16
	)
	err := row.Scan(&m.ID, &cid, &m.SenderID, &m.RecipientID, &m.GroupID, &m.Content, &m.ReplyToID,
		&m.IsForwarded, &m.OriginalSenderID, &st, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if cid != nil {
		m.ClientID = *cid
	}
	m.Status = model.Status(st)
	return &m, nil
}

func (s *PgStore) queryMessages(ctx context.Context, sql string, args ...any) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, s.fillAttachments(ctx, out...)
}

func (s *PgStore) fillAttachments(ctx context.Context, msgs ...*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	atts, err := s.AttachmentsOf(ctx, ids)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		m.Attachments = atts[m.ID]
	}
	return nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ---- MessageStore ----

func (s *PgStore) InsertMessage(ctx context.Context, d *model.Draft) (*model.Message, error) {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	m, err := scanMessage(s.pool.QueryRow(ctx, `
		INSERT INTO messages (client_id, sender_id, recipient_id, group_id, content, reply_to_id,
			is_forwarded, original_sender_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+msgCols,
		nullIfEmpty(d.ClientID), d.SenderID, d.RecipientID, d.GroupID, d.Content, d.ReplyToID,
		d.IsForwarded, d.OriginalSenderID, int16(model.StatusSent), created))
	if isUniqueViolation(err) {
		return nil, ErrDuplicateClientID
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	return m, nil
}

func (s *PgStore) FindByClientID(ctx context.Context, senderID int64, clientID string) (*model.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM messages WHERE sender_id = $1 AND client_id = $2`, senderID, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, s.fillAttachments(ctx, m)
}

func (s *PgStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	if err != nil {
		return nil, err
	}
	return m, s.fillAttachments(ctx, m)
}

func scanAttachment(row pgx.Row) (model.Attachment, error) {
	var a model.Attachment
	err := row.Scan(&a.ID, &a.MessageID, &a.UploaderID, &a.FileName, &a.MimeType, &a.Size, &a.Path, &a.Temporary, &a.CreatedAt)
	return a, err
}

func (s *PgStore) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO attachments (uploader_id, file_name, mime_type, size, path, temporary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		a.UploaderID, a.FileName, a.MimeType, a.Size, a.Path, a.Temporary, a.CreatedAt).Scan(&a.ID)
}

func (s *PgStore) LinkAttachments(ctx context.Context, messageID, uploaderID int64, ids []int64) ([]model.Attachment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE attachments SET message_id = $1, temporary = FALSE
		WHERE id = ANY($2) AND uploader_id = $3 AND (message_id IS NULL OR message_id = $1)
		RETURNING `+attCols, messageID, ids, uploaderID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Attachment, len(ids))
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		byID[a.ID] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Attachment, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "attachment %d", id)
		}
		out = append(out, a)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgStore) AttachmentsOf(ctx context.Context, messageIDs []int64) (map[int64][]model.Attachment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+attCols+` FROM attachments WHERE message_id = ANY($1) ORDER BY id`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]model.Attachment)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, rows.Err()
}

func (s *PgStore) GetAttachments(ctx context.Context, ids []int64) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+attCols+` FROM attachments WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PgStore) StaleTempAttachments(ctx context.Context, before time.Time, limit int) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attCols+` FROM attachments
		WHERE temporary AND message_id IS NULL AND created_at < $1
		ORDER BY id LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PgStore) DeleteAttachment(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM attachments WHERE id = $1`, id)
	return err
}

// AdvanceStatus 条件更新 status < to；read 同时补 delivered_at
func (s *PgStore) AdvanceStatus(ctx context.Context, id int64, to model.Status, at time.Time) (bool, *model.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE messages SET
			status = $2,
			delivered_at = CASE WHEN $2 >= 2 THEN COALESCE(delivered_at, $3) ELSE delivered_at END,
			read_at = CASE WHEN $2 >= 3 THEN COALESCE(read_at, $3) ELSE read_at END
		WHERE id = $1 AND status < $2
		RETURNING `+msgCols, id, int16(to), at))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetMessage(ctx, id)
		return false, cur, gerr
	}
	if err != nil {
		return false, nil, err
	}
	return true, m, s.fillAttachments(ctx, m)
}

func (s *PgStore) InsertDelivery(ctx context.Context, rec model.DeliveryRecord) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO message_deliveries (message_id, member_id, delivered_at) VALUES ($1, $2, $3)
		ON CONFLICT (message_id, member_id) DO NOTHING`, rec.MessageID, rec.MemberID, rec.DeliveredAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PgStore) DeliveredMembers(ctx context.Context, messageID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT member_id FROM message_deliveries WHERE message_id = $1 ORDER BY member_id`, messageID)
}

// UpsertReadMark 水位只前进：冲突时仅在新值更大时更新
func (s *PgStore) UpsertReadMark(ctx context.Context, mark model.GroupReadMark) (bool, *time.Time, error) {
	var (
		prev     *time.Time
		advanced bool
	)
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT read_at FROM group_read_marks WHERE group_id = $1 AND member_id = $2
		), up AS (
			INSERT INTO group_read_marks (group_id, member_id, read_at) VALUES ($1, $2, $3)
			ON CONFLICT (group_id, member_id) DO UPDATE SET read_at = EXCLUDED.read_at
			WHERE group_read_marks.read_at < EXCLUDED.read_at
			RETURNING 1
		)
		SELECT (SELECT read_at FROM prev), EXISTS (SELECT 1 FROM up)`,
		mark.GroupID, mark.MemberID, mark.ReadAt).Scan(&prev, &advanced)
	if err != nil {
		return false, nil, err
	}
	return advanced, prev, nil
}

func (s *PgStore) ReadMarks(ctx context.Context, groupID int64) (map[int64]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT member_id, read_at FROM group_read_marks WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]time.Time)
	for rows.Next() {
		var (
			id int64
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}

func (s *PgStore) PendingPrivate(ctx context.Context, userID int64, limit int) ([]*model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+msgCols+` FROM messages
		WHERE group_id = 0 AND recipient_id = $1 AND status = 1
		ORDER BY id LIMIT $2`, userID, limit)
}

func (s *PgStore) PendingGroup(ctx context.Context, userID int64, limit int) ([]*model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+prefixCols("m", msgCols)+` FROM messages m
		JOIN group_members gm ON gm.group_id = m.group_id AND gm.user_id = $1
		WHERE m.group_id <> 0 AND m.sender_id <> $1 AND m.created_at >= gm.joined_at
		  AND NOT EXISTS (SELECT 1 FROM message_deliveries d WHERE d.message_id = m.id AND d.member_id = $1)
		ORDER BY m.id LIMIT $2`, userID, limit)
}

func (s *PgStore) GroupMessagesBetween(ctx context.Context, groupID int64, after, upTo time.Time, excludeSender int64, limit int) ([]*model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+msgCols+` FROM messages
		WHERE group_id = $1 AND sender_id <> $2 AND created_at > $3 AND created_at <= $4
		ORDER BY id LIMIT $5`, groupID, excludeSender, after, upTo, limit)
}

func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *PgStore) queryIDs(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ---- Directory ----

func (s *PgStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, display_name, online, last_seen, push_token FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.Online, &u.LastSeen, &u.PushToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "user %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PgStore) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	var g model.Group
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM chat_groups WHERE id = $1`, id).Scan(&g.ID, &g.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "group %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PgStore) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`, groupID, userID).Scan(&ok)
	return ok, err
}

func (s *PgStore) GroupMembers(ctx context.Context, groupID int64) ([]model.Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id, user_id, joined_at FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Membership
	for rows.Next() {
		var mb model.Membership
		if err := rows.Scan(&mb.GroupID, &mb.UserID, &mb.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

func (s *PgStore) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`, userID)
}

func (s *PgStore) ContactsOf(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT contact_id FROM contacts WHERE owner_id = $1 ORDER BY contact_id`, userID)
}

func (s *PgStore) SetPresence(ctx context.Context, userID int64, online bool, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `UPDATE users SET online = $2, last_seen = $3 WHERE id = $1`, userID, online, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "user %d", userID)
	}
	return nil
}
