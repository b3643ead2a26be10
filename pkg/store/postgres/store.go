package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxgate/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of [store.Store].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, verifies
// connectivity, and runs [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// UserByEmail implements [store.ProfileStore]. It joins the user row with
// its personality and device records; a missing personality or device leaves
// the corresponding field nil.
func (s *Store) UserByEmail(ctx context.Context, email string) (*store.Profile, error) {
	const q = `
		SELECT u.user_id, u.email, u.supervisee_name, u.supervisee_age, u.personality_key
		FROM   users u
		WHERE  u.email = $1`

	p := &store.Profile{}
	var personalityKey string
	err := s.pool.QueryRow(ctx, q, email).Scan(
		&p.UserID, &p.Email, &p.SuperviseeName, &p.SuperviseeAge, &personalityKey,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: user by email: %w", err)
	}

	if personalityKey != "" {
		pers, err := s.personalityByKey(ctx, personalityKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		p.Personality = pers
	}

	dev, err := s.DeviceInfo(ctx, p.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	p.Device = dev

	return p, nil
}

// personalityByKey loads one personality record.
func (s *Store) personalityByKey(ctx context.Context, key string) (*store.Personality, error) {
	const q = `
		SELECT key, provider, voice, title, character_prompt, first_message_prompt, pitch_factor
		FROM   personalities
		WHERE  key = $1`

	pers := &store.Personality{}
	err := s.pool.QueryRow(ctx, q, key).Scan(
		&pers.Key, &pers.Provider, &pers.Voice, &pers.Title,
		&pers.CharacterPrompt, &pers.FirstMessagePrompt, &pers.PitchFactor,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: personality by key: %w", err)
	}
	return pers, nil
}

// DeviceInfo implements [store.DeviceStore].
func (s *Store) DeviceInfo(ctx context.Context, userID string) (*store.Device, error) {
	const q = `
		SELECT device_id, mac_address, volume, is_ota, is_reset
		FROM   devices
		WHERE  user_id = $1
		LIMIT  1`

	d := &store.Device{}
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&d.ID, &d.MACAddress, &d.Volume, &d.IsOTA, &d.IsReset,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: device info: %w", err)
	}
	return d, nil
}

// AppendTurn implements [store.ConversationStore].
func (s *Store) AppendTurn(ctx context.Context, turn store.Turn) error {
	const q = `
		INSERT INTO conversations (role, content, user_id, personality_key, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		string(turn.Role), turn.Text, turn.UserID, turn.PersonalityKey, turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append turn: %w", err)
	}
	return nil
}

// ChatHistory implements [store.ConversationStore]. Turns are returned in
// chronological order, oldest first.
func (s *Store) ChatHistory(ctx context.Context, userID, personalityKey string) ([]store.Turn, error) {
	const q = `
		SELECT role, content, user_id, personality_key, created_at
		FROM   conversations
		WHERE  user_id = $1 AND personality_key = $2
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, userID, personalityKey)
	if err != nil {
		return nil, fmt.Errorf("postgres store: chat history: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Turn, error) {
		var t store.Turn
		var role string
		if err := row.Scan(&role, &t.Text, &t.UserID, &t.PersonalityKey, &t.CreatedAt); err != nil {
			return store.Turn{}, err
		}
		t.Role = store.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: chat history scan: %w", err)
	}
	return turns, nil
}
