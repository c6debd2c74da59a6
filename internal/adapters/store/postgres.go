package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	_ core.PersistenceStore = (*Postgres)(nil)
	_ core.ArchiveStore     = (*Postgres)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	moderators    TEXT[] NOT NULL DEFAULT '{}',
	members       TEXT[] NOT NULL DEFAULT '{}',
	private       BOOLEAN NOT NULL DEFAULT false,
	capacity      INTEGER NOT NULL,
	text_channel  TEXT NOT NULL,
	voice_channel TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS channels (
	id         TEXT PRIMARY KEY,
	room_id    TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	private    BOOLEAN,
	is_default BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	channel_id      TEXT REFERENCES channels(id) ON DELETE CASCADE,
	conversation_id TEXT,
	author_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	attachments     TEXT[] NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL,
	edited_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS messages_created_at_idx ON messages (created_at);
CREATE TABLE IF NOT EXISTS files (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	size       BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS archived_messages (
	id              TEXT NOT NULL,
	kind            TEXT NOT NULL,
	channel_id      TEXT,
	conversation_id TEXT,
	author_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	attachments     TEXT[] NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL,
	edited_at       TIMESTAMPTZ,
	archived_at     TIMESTAMPTZ NOT NULL
);
ALTER TABLE archived_messages ADD COLUMN IF NOT EXISTS attachments TEXT[] NOT NULL DEFAULT '{}';
ALTER TABLE archived_messages ADD COLUMN IF NOT EXISTS edited_at TIMESTAMPTZ;
CREATE TABLE IF NOT EXISTS archived_files (
	id          TEXT NOT NULL,
	owner_id    TEXT NOT NULL,
	name        TEXT NOT NULL,
	size        BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL
);`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Str("module", "store").Msg("connected to database")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func fromStrings[T ~string](in []string) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[i] = T(v)
	}
	return out
}

func nullable[T ~string](v T) *string {
	if v == "" {
		return nil
	}
	s := string(v)
	return &s
}

// CreateRoom inserts the room and its channels in one transaction.
func (p *Postgres) CreateRoom(ctx context.Context, room *domain.Room, channels []domain.Channel) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rooms (id, name, owner_id, moderators, members, private, capacity, text_channel, voice_channel, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		room.ID, room.Name, room.Owner, toStrings(room.Moderators), toStrings(room.MemberIDs()),
		room.Private, room.Capacity, room.TextChannel, room.VoiceChannel, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	for i := range channels {
		if err := insertChannel(ctx, tx, &channels[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertChannel(ctx context.Context, tx pgx.Tx, ch *domain.Channel) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO channels (id, room_id, name, kind, private, is_default)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.ID, ch.RoomID, ch.Name, ch.Kind, ch.Private, ch.IsDefault,
	)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (p *Postgres) SaveRoom(ctx context.Context, room *domain.Room) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE rooms SET name = $2, moderators = $3, members = $4, private = $5, capacity = $6
		WHERE id = $1`,
		room.ID, room.Name, toStrings(room.Moderators), toStrings(room.MemberIDs()), room.Private, room.Capacity,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (p *Postgres) DeleteRoom(ctx context.Context, id domain.RoomID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (p *Postgres) CreateChannel(ctx context.Context, ch *domain.Channel) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := insertChannel(ctx, tx, ch); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) DeleteChannel(ctx context.Context, id domain.ChannelID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1 AND NOT is_default`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

// LoadRooms reads every room with its channels, used to warm the registry on start.
func (p *Postgres) LoadRooms(ctx context.Context) ([]*domain.Room, []domain.Channel, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, owner_id, moderators, members, private, capacity, text_channel, voice_channel, created_at
		FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var rooms []*domain.Room
	for rows.Next() {
		var (
			r                   domain.Room
			moderators, members []string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Owner, &moderators, &members, &r.Private, &r.Capacity,
			&r.TextChannel, &r.VoiceChannel, &r.CreatedAt); err != nil {
			return nil, nil, err
		}
		r.Moderators = fromStrings[domain.UserID](moderators)
		r.Members = make(map[domain.UserID]bool, len(members))
		for _, id := range members {
			r.Members[domain.UserID(id)] = true
		}
		rooms = append(rooms, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	chRows, err := p.pool.Query(ctx, `SELECT id, room_id, name, kind, private, is_default FROM channels`)
	if err != nil {
		return nil, nil, err
	}
	defer chRows.Close()
	var channels []domain.Channel
	for chRows.Next() {
		var ch domain.Channel
		if err := chRows.Scan(&ch.ID, &ch.RoomID, &ch.Name, &ch.Kind, &ch.Private, &ch.IsDefault); err != nil {
			return nil, nil, err
		}
		channels = append(channels, ch)
	}
	return rooms, channels, chRows.Err()
}

func (p *Postgres) SaveMessage(ctx context.Context, msg *domain.Message) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages (id, channel_id, conversation_id, author_id, content, attachments, created_at, edited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, nullable(msg.ChannelID), nullable(msg.ConversationID), msg.AuthorID, msg.Content,
		toStrings(msg.Attachments), msg.CreatedAt, msg.EditedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, COALESCE(channel_id, ''), COALESCE(conversation_id, ''), author_id, content, attachments, created_at, edited_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		msg         domain.Message
		attachments []string
	)
	err := row.Scan(&msg.ID, &msg.ChannelID, &msg.ConversationID, &msg.AuthorID, &msg.Content,
		&attachments, &msg.CreatedAt, &msg.EditedAt)
	if len(attachments) > 0 {
		msg.Attachments = fromStrings[domain.FileID](attachments)
	}
	return msg, err
}

func (p *Postgres) GetMessage(ctx context.Context, id domain.MessageID) (*domain.Message, error) {
	msg, err := scanMessage(p.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (p *Postgres) UpdateMessage(ctx context.Context, msg *domain.Message) error {
	tag, err := p.pool.Exec(ctx, `UPDATE messages SET content = $2, attachments = $3, edited_at = $4 WHERE id = $1`,
		msg.ID, msg.Content, toStrings(msg.Attachments), msg.EditedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, id domain.MessageID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (p *Postgres) MessagesBefore(ctx context.Context, cutoff time.Time, direct bool) ([]domain.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE created_at < $1 AND (conversation_id IS NOT NULL) = $2
		ORDER BY created_at`, cutoff, direct)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (p *Postgres) PurgeMessages(ctx context.Context, ids []domain.MessageID) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, toStrings(ids))
	return err
}

func (p *Postgres) UnreferencedFiles(ctx context.Context, cutoff time.Time) ([]domain.File, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT f.id, f.owner_id, f.name, f.size, f.created_at FROM files f
		WHERE f.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM messages m WHERE f.id = ANY(m.attachments))
		ORDER BY f.created_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.File
	for rows.Next() {
		var f domain.File
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Name, &f.Size, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveFile(ctx context.Context, f domain.File) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO files (id, owner_id, name, size, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, size = EXCLUDED.size`,
		f.ID, f.OwnerID, f.Name, f.Size, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteFiles(ctx context.Context, ids []domain.FileID) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM files WHERE id = ANY($1)`, toStrings(ids))
	return err
}

// Write copies the batch into the archive tables.
func (p *Postgres) Write(ctx context.Context, batch domain.ArchiveBatch) error {
	now := time.Now().UTC()
	if len(batch.Messages) > 0 {
		rows := make([][]any, 0, len(batch.Messages))
		for _, m := range batch.Messages {
			rows = append(rows, []any{string(m.ID), string(batch.Kind), nullable(m.ChannelID), nullable(m.ConversationID),
				string(m.AuthorID), m.Content, toStrings(m.Attachments), m.CreatedAt, m.EditedAt, now})
		}
		_, err := p.pool.CopyFrom(ctx, pgx.Identifier{"archived_messages"},
			[]string{"id", "kind", "channel_id", "conversation_id", "author_id", "content", "attachments", "created_at", "edited_at", "archived_at"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("archive messages: %w", err)
		}
	}
	if len(batch.Files) > 0 {
		rows := make([][]any, 0, len(batch.Files))
		for _, f := range batch.Files {
			rows = append(rows, []any{string(f.ID), string(f.OwnerID), f.Name, f.Size, f.CreatedAt, now})
		}
		_, err := p.pool.CopyFrom(ctx, pgx.Identifier{"archived_files"},
			[]string{"id", "owner_id", "name", "size", "created_at", "archived_at"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("archive files: %w", err)
		}
	}
	return nil
}

// ArchivedMessages reads archived copies back by id.
func (p *Postgres) ArchivedMessages(ctx context.Context, ids []domain.MessageID) ([]domain.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM archived_messages
		WHERE id = ANY($1) ORDER BY created_at`, toStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
