package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"

	"github.com/pliu/chainchat/internal/apperr"
	"github.com/pliu/chainchat/internal/models"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
	now        func() time.Time
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driverName)
	}
	if driverName == "sqlite3" {
		// Every new sqlite connection to ":memory:" is a separate database,
		// and sqlite has a single writer anyway.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", driverName)
	}

	s := &SQLStore{db: db, driverName: driverName, now: func() time.Time { return time.Now().UTC() }}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	// Conversation references carry no foreign keys: parents can disappear
	// through external deletion and orphan cleanup repairs the children.
	query := `
	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		address TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		is_registered BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS friendships (
		participant_id TEXT NOT NULL,
		friend_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (participant_id, friend_id)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		pair_key TEXT UNIQUE,
		created_by TEXT NOT NULL,
		last_message_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memberships (
		conversation_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		role TEXT NOT NULL,
		joined_at DATETIME NOT NULL,
		last_read_at DATETIME,
		PRIMARY KEY (conversation_id, participant_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		content_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'text',
		reply_to_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		block_number BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		deleted_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_content
		ON messages (conversation_id, content_id) WHERE content_id <> '';
	CREATE INDEX IF NOT EXISTS idx_messages_pending
		ON messages (content_id, status);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
	}

	if _, err := s.db.Exec(query); err != nil {
		return errors.Wrap(err, "create tables")
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func newID() string {
	return uuid.NewString()
}

// pairKey is the order-independent identity of a direct conversation.
func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.CodeNotFound, what+" not found", err)
	}
	return errors.Wrapf(err, "get %s", what)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Participants

const participantColumns = "id, address, username, public_key, is_registered, last_seen, created_at"

func scanParticipant(row rowScanner) (*models.Participant, error) {
	var p models.Participant
	var lastSeen sql.NullTime
	if err := row.Scan(&p.ID, &p.Address, &p.Username, &p.PublicKey, &p.IsRegistered, &lastSeen, &p.CreatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		p.LastSeen = lastSeen.Time
	}
	return &p, nil
}

func (s *SQLStore) queryParticipants(ctx context.Context, query string, args ...interface{}) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query participants")
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

func (s *SQLStore) EnsureParticipant(ctx context.Context, address string) (*models.Participant, error) {
	address = strings.ToLower(address)
	query := s.rebind("INSERT INTO participants (id, address, created_at) VALUES (?, ?, ?) ON CONFLICT (address) DO NOTHING")
	if _, err := s.db.ExecContext(ctx, query, newID(), address, s.now()); err != nil {
		return nil, apperr.StoreWriteFailed("insert participant", err)
	}
	return s.GetParticipantByAddress(ctx, address)
}

func (s *SQLStore) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	query := s.rebind("SELECT " + participantColumns + " FROM participants WHERE id = ?")
	p, err := scanParticipant(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound("participant", err)
	}
	return p, nil
}

func (s *SQLStore) GetParticipantByAddress(ctx context.Context, address string) (*models.Participant, error) {
	query := s.rebind("SELECT " + participantColumns + " FROM participants WHERE address = ?")
	p, err := scanParticipant(s.db.QueryRowContext(ctx, query, strings.ToLower(address)))
	if err != nil {
		return nil, notFound("participant", err)
	}
	return p, nil
}

func (s *SQLStore) ListParticipants(ctx context.Context) ([]models.Participant, error) {
	return s.queryParticipants(ctx, "SELECT "+participantColumns+" FROM participants ORDER BY created_at, id")
}

func (s *SQLStore) ListRegisteredParticipants(ctx context.Context) ([]models.Participant, error) {
	return s.queryParticipants(ctx, "SELECT "+participantColumns+" FROM participants WHERE is_registered = ? ORDER BY created_at, id", true)
}

func (s *SQLStore) UpdateParticipantLedgerState(ctx context.Context, id, username, publicKey string, registered bool) error {
	query := s.rebind("UPDATE participants SET username = ?, public_key = ?, is_registered = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, username, publicKey, registered, id); err != nil {
		return apperr.StoreWriteFailed("update participant", err)
	}
	return nil
}

func (s *SQLStore) TouchParticipant(ctx context.Context, id string, seen time.Time) error {
	query := s.rebind("UPDATE participants SET last_seen = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, seen.UTC(), id); err != nil {
		return apperr.StoreWriteFailed("touch participant", err)
	}
	return nil
}

func (s *SQLStore) SearchParticipants(ctx context.Context, queryStr string) ([]models.Participant, error) {
	return s.queryParticipants(ctx,
		"SELECT "+participantColumns+" FROM participants WHERE username LIKE ? OR address LIKE ? ORDER BY username LIMIT 10",
		"%"+queryStr+"%", "%"+strings.ToLower(queryStr)+"%")
}

// Friendships

func (s *SQLStore) AddFriendship(ctx context.Context, participantID, friendID, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.StoreWriteFailed("begin friendship", err)
	}
	defer tx.Rollback()

	query := s.rebind(`INSERT INTO friendships (participant_id, friend_id, name, status, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (participant_id, friend_id) DO NOTHING`)
	now := s.now()
	if _, err := tx.ExecContext(ctx, query, participantID, friendID, name, models.FriendshipAccepted, now); err != nil {
		return apperr.StoreWriteFailed("insert friendship", err)
	}
	if _, err := tx.ExecContext(ctx, query, friendID, participantID, "", models.FriendshipAccepted, now); err != nil {
		return apperr.StoreWriteFailed("insert friendship", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.StoreWriteFailed("commit friendship", err)
	}
	return nil
}

func (s *SQLStore) ListFriendIDs(ctx context.Context, participantID string) ([]string, error) {
	query := s.rebind("SELECT friend_id FROM friendships WHERE participant_id = ? AND status = ? ORDER BY friend_id")
	return s.queryIDs(ctx, query, participantID, models.FriendshipAccepted)
}

func (s *SQLStore) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Conversations

const conversationColumns = "id, type, name, created_by, last_message_at, created_at"

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var lastMessageAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Type, &c.Name, &c.CreatedBy, &lastMessageAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = timePtr(lastMessageAt)
	return &c, nil
}

// EnsureDirectConversation creates the direct conversation for the unordered
// pair if none exists and re-reads it, so concurrent callers converge on the
// same row.
func (s *SQLStore) EnsureDirectConversation(ctx context.Context, a, b, createdBy string) (*models.Conversation, error) {
	key := pairKey(a, b)
	query := s.rebind(`INSERT INTO conversations (id, type, pair_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (pair_key) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, query, newID(), models.ConversationDirect, key, createdBy, s.now()); err != nil {
		return nil, apperr.StoreWriteFailed("insert conversation", err)
	}

	conv, err := s.GetDirectConversation(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.StoreWriteFailed("insert conversation", errors.Errorf("conversation %s missing after insert", key))
	}
	return conv, nil
}

func (s *SQLStore) CreateGroupConversation(ctx context.Context, name, createdBy string) (*models.Conversation, error) {
	id := newID()
	query := s.rebind("INSERT INTO conversations (id, type, name, created_by, created_at) VALUES (?, ?, ?, ?, ?)")
	if _, err := s.db.ExecContext(ctx, query, id, models.ConversationGroup, name, createdBy, s.now()); err != nil {
		return nil, apperr.StoreWriteFailed("insert conversation", err)
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := s.rebind("SELECT " + conversationColumns + " FROM conversations WHERE id = ?")
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound("conversation", err)
	}
	return c, nil
}

// GetDirectConversation returns nil without error when the pair has no
// direct conversation yet.
func (s *SQLStore) GetDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	query := s.rebind("SELECT " + conversationColumns + " FROM conversations WHERE pair_key = ?")
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, pairKey(a, b)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get direct conversation")
	}
	return c, nil
}

func (s *SQLStore) ListParticipantConversations(ctx context.Context, participantID string) ([]models.Conversation, error) {
	query := s.rebind(`
		SELECT c.id, c.type, c.name, c.created_by, c.last_message_at, c.created_at
		FROM conversations c
		JOIN memberships m ON c.id = m.conversation_id
		WHERE m.participant_id = ?
		ORDER BY c.created_at, c.id
	`)
	rows, err := s.db.QueryContext(ctx, query, participantID)
	if err != nil {
		return nil, errors.Wrap(err, "query conversations")
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		conversations = append(conversations, *c)
	}
	return conversations, rows.Err()
}

func (s *SQLStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	query := s.rebind("UPDATE conversations SET last_message_at = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, at.UTC(), id); err != nil {
		return apperr.StoreWriteFailed("touch conversation", err)
	}
	return nil
}

// DeleteConversation removes only the conversation row. Its messages and
// memberships are left for orphan cleanup.
func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	query := s.rebind("DELETE FROM conversations WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return apperr.StoreWriteFailed("delete conversation", err)
	}
	return nil
}

// Memberships

func (s *SQLStore) AddMembership(ctx context.Context, conversationID, participantID string, role models.MembershipRole) error {
	query := s.rebind(`INSERT INTO memberships (conversation_id, participant_id, role, joined_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (conversation_id, participant_id) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, query, conversationID, participantID, role, s.now()); err != nil {
		return apperr.StoreWriteFailed("insert membership", err)
	}
	return nil
}

func (s *SQLStore) IsMember(ctx context.Context, conversationID, participantID string) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM memberships WHERE conversation_id = ? AND participant_id = ?)")
	err := s.db.QueryRowContext(ctx, query, conversationID, participantID).Scan(&exists)
	return exists, errors.Wrap(err, "check membership")
}

func (s *SQLStore) ListMembers(ctx context.Context, conversationID string) ([]models.Membership, error) {
	query := s.rebind(`SELECT conversation_id, participant_id, role, joined_at, last_read_at
		FROM memberships WHERE conversation_id = ? ORDER BY joined_at, participant_id`)
	return s.queryMemberships(ctx, query, conversationID)
}

func (s *SQLStore) queryMemberships(ctx context.Context, query string, args ...interface{}) ([]models.Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query memberships")
	}
	defer rows.Close()

	var memberships []models.Membership
	for rows.Next() {
		var m models.Membership
		var lastReadAt sql.NullTime
		if err := rows.Scan(&m.ConversationID, &m.ParticipantID, &m.Role, &m.JoinedAt, &lastReadAt); err != nil {
			return nil, errors.Wrap(err, "scan membership")
		}
		m.LastReadAt = timePtr(lastReadAt)
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// Messages

const messageColumns = "id, conversation_id, sender_id, content, content_id, type, reply_to_id, status, tx_hash, block_number, created_at, deleted_at"

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var blockNumber int64
	var deletedAt sql.NullTime
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ContentID, &m.Type,
		&m.ReplyToID, &m.Status, &m.TxHash, &blockNumber, &m.CreatedAt, &deletedAt); err != nil {
		return nil, err
	}
	m.BlockNumber = uint64(blockNumber)
	m.DeletedAt = timePtr(deletedAt)
	return &m, nil
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// InsertMessage inserts m unless a message with the same content id already
// exists in the conversation. It fills in ID and CreatedAt when empty and
// reports whether a row was written.
func (s *SQLStore) InsertMessage(ctx context.Context, m *models.Message) (bool, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.Type == "" {
		m.Type = "text"
	}
	query := s.rebind(`INSERT INTO messages
		(id, conversation_id, sender_id, content, content_id, type, reply_to_id, status, tx_hash, block_number, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	result, err := s.db.ExecContext(ctx, query, m.ID, m.ConversationID, m.SenderID, m.Content, m.ContentID, m.Type,
		m.ReplyToID, m.Status, m.TxHash, int64(m.BlockNumber), m.CreatedAt.UTC(), nullTime(m.DeletedAt))
	if err != nil {
		return false, apperr.StoreWriteFailed("insert message", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apperr.StoreWriteFailed("insert message", err)
	}
	return n > 0, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound("message", err)
	}
	return m, nil
}

// FindMessageByContent returns nil without error when no message in the
// conversation carries contentID.
func (s *SQLStore) FindMessageByContent(ctx context.Context, conversationID, contentID string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE conversation_id = ? AND content_id = ?")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID, contentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find message by content")
	}
	return m, nil
}

// FindPendingByContent returns the oldest pending message with contentID, or
// nil when there is none.
func (s *SQLStore) FindPendingByContent(ctx context.Context, contentID string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE content_id = ? AND status = ? ORDER BY seq LIMIT 1")
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, contentID, models.StatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find pending message")
	}
	return m, nil
}

func (s *SQLStore) ConfirmMessage(ctx context.Context, id, txHash string, blockNumber uint64) error {
	query := s.rebind("UPDATE messages SET status = ?, tx_hash = ?, block_number = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, models.StatusConfirmed, txHash, int64(blockNumber), id); err != nil {
		return apperr.StoreWriteFailed("confirm message", err)
	}
	return nil
}

func (s *SQLStore) SetMessageStatus(ctx context.Context, id string, status models.MessageStatus) error {
	query := s.rebind("UPDATE messages SET status = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, status, id); err != nil {
		return apperr.StoreWriteFailed("update message status", err)
	}
	return nil
}

func (s *SQLStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) error {
	query := s.rebind("UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL")
	if _, err := s.db.ExecContext(ctx, query, at.UTC(), id); err != nil {
		return apperr.StoreWriteFailed("tombstone message", err)
	}
	return nil
}

func (s *SQLStore) ListConversationMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return s.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? AND deleted_at IS NULL ORDER BY seq",
		conversationID)
}

func (s *SQLStore) ListConfirmedWithContent(ctx context.Context, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE status = ? AND content_id <> '' AND deleted_at IS NULL ORDER BY seq LIMIT ?",
		models.StatusConfirmed, limit)
}

// Orphans

func (s *SQLStore) FindOrphanMessages(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT m.id
		FROM messages m
		LEFT JOIN conversations c ON c.id = m.conversation_id
		WHERE c.id IS NULL
		ORDER BY m.seq
	`)
}

func (s *SQLStore) FindOrphanMemberships(ctx context.Context) ([]models.Membership, error) {
	return s.queryMemberships(ctx, `
		SELECT m.conversation_id, m.participant_id, m.role, m.joined_at, m.last_read_at
		FROM memberships m
		LEFT JOIN conversations c ON c.id = m.conversation_id
		WHERE c.id IS NULL
		ORDER BY m.conversation_id, m.participant_id
	`)
}

func (s *SQLStore) FindEmptyConversations(ctx context.Context, olderThan time.Time) ([]string, error) {
	query := s.rebind(`
		SELECT c.id
		FROM conversations c
		LEFT JOIN memberships m ON m.conversation_id = c.id
		WHERE m.conversation_id IS NULL AND c.created_at < ?
		ORDER BY c.id
	`)
	return s.queryIDs(ctx, query, olderThan.UTC())
}

func (s *SQLStore) FindConversationMessageIDs(ctx context.Context, conversationIDs []string) ([]string, error) {
	query := s.rebind("SELECT id FROM messages WHERE conversation_id = ? ORDER BY seq")
	var ids []string
	for _, conversationID := range conversationIDs {
		batch, err := s.queryIDs(ctx, query, conversationID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
	}
	return ids, nil
}

func (s *SQLStore) DeleteMessages(ctx context.Context, ids []string) (int64, error) {
	return s.deleteEach(ctx, "DELETE FROM messages WHERE id = ?", "messages", len(ids), func(i int) []interface{} {
		return []interface{}{ids[i]}
	})
}

func (s *SQLStore) DeleteMemberships(ctx context.Context, memberships []models.Membership) (int64, error) {
	return s.deleteEach(ctx, "DELETE FROM memberships WHERE conversation_id = ? AND participant_id = ?", "memberships", len(memberships), func(i int) []interface{} {
		return []interface{}{memberships[i].ConversationID, memberships[i].ParticipantID}
	})
}

func (s *SQLStore) DeleteConversations(ctx context.Context, ids []string) (int64, error) {
	return s.deleteEach(ctx, "DELETE FROM conversations WHERE id = ?", "conversations", len(ids), func(i int) []interface{} {
		return []interface{}{ids[i]}
	})
}

// deleteEach runs one delete per row inside a single transaction.
func (s *SQLStore) deleteEach(ctx context.Context, query, what string, n int, args func(int) []interface{}) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.StoreWriteFailed("delete "+what, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(query))
	if err != nil {
		return 0, apperr.StoreWriteFailed("delete "+what, err)
	}
	defer stmt.Close()

	var deleted int64
	for i := 0; i < n; i++ {
		result, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			return 0, apperr.StoreWriteFailed("delete "+what, err)
		}
		affected, _ := result.RowsAffected()
		deleted += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.StoreWriteFailed("delete "+what, err)
	}
	return deleted, nil
}
