package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"wellness-chat/internal/models"
	"wellness-chat/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL UNIQUE,
	avatar_url    TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	last_seen     TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rooms (
	name       TEXT PRIMARY KEY,
	user1_id   BIGINT NOT NULL REFERENCES users (id),
	user2_id   BIGINT NOT NULL REFERENCES users (id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id        BIGSERIAL PRIMARY KEY,
	room_name TEXT NOT NULL REFERENCES rooms (name),
	sender_id BIGINT NOT NULL REFERENCES users (id),
	text      TEXT NOT NULL,
	sent_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	is_read   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS messages_room_sent_at_idx ON messages (room_name, sent_at, id);

CREATE TABLE IF NOT EXISTS active_sessions (
	user_id      BIGINT NOT NULL REFERENCES users (id),
	room_name    TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, room_name, session_id)
);`

var _ Database = (*PostgresDB)(nil)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

// Migrate creates the schema if it does not exist yet. Sessions left over
// from a previous run are dropped.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	if _, err := db.pool.Exec(ctx, `DELETE FROM active_sessions`); err != nil {
		return fmt.Errorf("failed to reset sessions: %w", err)
	}
	return nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// User Repository Implementation
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, username, email, avatar_url, password_hash, created_at FROM users WHERE email = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.PasswordHash, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return user, nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO users (username, email, password_hash, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, username, email, avatar_url, created_at`

	user := &models.User{}
	err = db.pool.QueryRow(ctx, query, req.Username, req.Email, string(hash)).Scan(
		&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT id, username, email, avatar_url, created_at FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return user, nil
}

// Room Repository Implementation
func (db *PostgresDB) GetOrCreateRoom(ctx context.Context, user1ID, user2ID int64) (*models.Room, error) {
	if user1ID > user2ID {
		user1ID, user2ID = user2ID, user1ID
	}
	query := `
		INSERT INTO rooms (name, user1_id, user2_id, created_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING name, user1_id, user2_id, created_at`

	room := &models.Room{}
	err := db.pool.QueryRow(ctx, query, models.RoomName(user1ID, user2ID), user1ID, user2ID).Scan(
		&room.Name, &room.User1ID, &room.User2ID, &room.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	return room, nil
}

func (db *PostgresDB) GetRoom(ctx context.Context, name string) (*models.Room, error) {
	query := `SELECT name, user1_id, user2_id, created_at FROM rooms WHERE name = $1`

	room := &models.Room{}
	err := db.pool.QueryRow(ctx, query, name).Scan(
		&room.Name, &room.User1ID, &room.User2ID, &room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	return room, nil
}

func (db *PostgresDB) ListUserRooms(ctx context.Context, userID int64) ([]*models.RoomSummary, error) {
	query := `
		SELECT r.name, u.id, u.username, u.email, lm.text, lm.sent_at
		FROM rooms r
		JOIN users u ON u.id = CASE WHEN r.user1_id = $1 THEN r.user2_id ELSE r.user1_id END
		LEFT JOIN LATERAL (
			SELECT m.text, m.sent_at FROM messages m
			WHERE m.room_name = r.name
			ORDER BY m.sent_at DESC, m.id DESC
			LIMIT 1
		) lm ON true
		WHERE r.user1_id = $1 OR r.user2_id = $1
		ORDER BY lm.sent_at DESC NULLS LAST, r.name`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.RoomSummary
	for rows.Next() {
		room := &models.RoomSummary{}
		if err := rows.Scan(
			&room.Name, &room.Peer.ID, &room.Peer.Username, &room.Peer.Email,
			&room.LastMessage, &room.LastMessageTimestamp,
		); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

// Message Repository Implementation
func (db *PostgresDB) SaveMessage(ctx context.Context, roomName string, senderID int64, text string) (*models.Message, error) {
	query := `
		INSERT INTO messages (room_name, sender_id, text, sent_at) VALUES ($1, $2, $3, NOW())
		RETURNING id, room_name, sender_id, text, sent_at, is_read`

	msg := &models.Message{}
	err := db.pool.QueryRow(ctx, query, roomName, senderID, text).Scan(
		&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Text, &msg.SentAt, &msg.IsRead,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	return msg, nil
}

func (db *PostgresDB) LoadMessages(ctx context.Context, roomName string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, room_name, sender_id, text, sent_at, is_read
		FROM messages
		WHERE room_name = $1
		ORDER BY sent_at DESC, id DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, roomName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Text, &msg.SentAt, &msg.IsRead); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *PostgresDB) MarkMessagesRead(ctx context.Context, roomName string, readerID int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		UPDATE messages SET is_read = TRUE
		WHERE room_name = $1 AND sender_id <> $2 AND is_read = FALSE AND id = ANY($3)
		RETURNING id`

	rows, err := db.pool.Query(ctx, query, roomName, readerID, ids)
	if err != nil {
		return nil, err
	}

	changed, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// Session Repository Implementation
func (db *PostgresDB) CreateActiveSession(ctx context.Context, userID int64, roomName, sessionID string) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// Serialises concurrent connects of the same user.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID); err != nil {
		return false, err
	}

	var existing int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM active_sessions WHERE user_id = $1`, userID).Scan(&existing); err != nil {
		return false, err
	}

	query := `
		INSERT INTO active_sessions (user_id, room_name, session_id, connected_at, last_seen)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id, room_name, session_id)
		DO UPDATE SET last_seen = NOW()`
	if _, err := tx.Exec(ctx, query, userID, roomName, sessionID); err != nil {
		return false, err
	}

	return existing == 0, tx.Commit(ctx)
}

func (db *PostgresDB) RemoveActiveSession(ctx context.Context, userID int64, roomName, sessionID string) (*models.Presence, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID); err != nil {
		return nil, err
	}

	query := `DELETE FROM active_sessions WHERE user_id = $1 AND room_name = $2 AND session_id = $3`
	if _, err := tx.Exec(ctx, query, userID, roomName, sessionID); err != nil {
		return nil, err
	}

	var remaining int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM active_sessions WHERE user_id = $1`, userID).Scan(&remaining); err != nil {
		return nil, err
	}

	p := &models.Presence{UserID: userID, IsOnline: remaining > 0}
	if remaining == 0 {
		var lastSeen time.Time
		err := tx.QueryRow(ctx, `UPDATE users SET last_seen = NOW() WHERE id = $1 RETURNING last_seen`, userID).Scan(&lastSeen)
		if err != nil {
			return nil, err
		}
		p.LastSeenAt = &lastSeen
	}

	return p, tx.Commit(ctx)
}

func (db *PostgresDB) UpdateSessionActivity(ctx context.Context, userID int64, roomName, sessionID string) error {
	query := `UPDATE active_sessions SET last_seen = NOW() WHERE user_id = $1 AND room_name = $2 AND session_id = $3`
	_, err := db.pool.Exec(ctx, query, userID, roomName, sessionID)
	return err
}

func (db *PostgresDB) GetPresence(ctx context.Context, userID int64) (*models.Presence, error) {
	query := `
		SELECT u.last_seen, EXISTS(SELECT 1 FROM active_sessions s WHERE s.user_id = u.id)
		FROM users u WHERE u.id = $1`

	p := &models.Presence{UserID: userID}
	err := db.pool.QueryRow(ctx, query, userID).Scan(&p.LastSeenAt, &p.IsOnline)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return p, nil
}
