package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/fpdemo/internal/storage"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUsernameExists    = errors.New("username already exists")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
)

// User is one row of the users table.
type User struct {
	Username     string
	PasswordHash string
	Fingerprints TrustSet
	RegisteredAt time.Time
	// raw is the stored fingerprints text, used as the compare-and-swap token.
	raw string
}

// Challenge is a pending step-up verification for an untrusted device.
type Challenge struct {
	ID          string
	Username    string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists accounts and step-up challenges.
type Store struct {
	conn storage.Conn
}

// NewStore binds account queries to conn, which may be a transaction.
func NewStore(conn storage.Conn) *Store {
	return &Store{conn: conn}
}

// CreateUser inserts a new account or returns ErrUsernameExists.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	fps, err := u.Fingerprints.encode()
	if err != nil {
		return err
	}
	res, err := s.conn.Run(ctx, `INSERT INTO users (username, password, fingerprints, registered_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (username) DO NOTHING`,
		u.Username, u.PasswordHash, fps, u.RegisteredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if res.RowsAffected == 0 {
		return ErrUsernameExists
	}
	return nil
}

// GetUser loads an account or returns ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, username string) (User, error) {
	var (
		u            User
		registeredAt int64
	)
	found, err := s.conn.Get(ctx,
		`SELECT username, password, fingerprints, registered_at FROM users WHERE username = ?`,
		[]any{username}, &u.Username, &u.PasswordHash, &u.raw, &registeredAt)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if !found {
		return User{}, ErrUserNotFound
	}
	if u.Fingerprints, err = decodeTrustSet(u.raw); err != nil {
		return User{}, err
	}
	u.RegisteredAt = time.UnixMilli(registeredAt).UTC()
	return u, nil
}

// SwapFingerprints replaces the trusted set only if it still holds the value
// u was loaded with. It reports false when another writer got there first.
func (s *Store) SwapFingerprints(ctx context.Context, u User, next TrustSet) (bool, error) {
	encoded, err := next.encode()
	if err != nil {
		return false, err
	}
	res, err := s.conn.Run(ctx, `UPDATE users SET fingerprints = ? WHERE username = ? AND fingerprints = ?`,
		encoded, u.Username, u.raw)
	if err != nil {
		return false, fmt.Errorf("update fingerprints: %w", err)
	}
	return res.RowsAffected == 1, nil
}

// CreateChallenge stores a step-up challenge and drops expired ones.
func (s *Store) CreateChallenge(ctx context.Context, c Challenge) error {
	if _, err := s.conn.Run(ctx, `DELETE FROM stepup_challenges WHERE expires_at <= ?`, c.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("purge challenges: %w", err)
	}
	_, err := s.conn.Run(ctx, `INSERT INTO stepup_challenges (id, username, fingerprint, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Username, c.Fingerprint, c.CreatedAt.UnixMilli(), c.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}
	return nil
}

// TakeChallenge deletes and returns a challenge in one statement, so it can
// be consumed at most once. An expired challenge is still deleted and
// reported as ErrChallengeExpired; callers commit that delete.
func (s *Store) TakeChallenge(ctx context.Context, id string, now time.Time) (Challenge, error) {
	var (
		c                    Challenge
		createdAt, expiresAt int64
	)
	found, err := s.conn.Get(ctx, `DELETE FROM stepup_challenges WHERE id = ?
		RETURNING id, username, fingerprint, created_at, expires_at`,
		[]any{id}, &c.ID, &c.Username, &c.Fingerprint, &createdAt, &expiresAt)
	if err != nil {
		return Challenge{}, fmt.Errorf("take challenge: %w", err)
	}
	if !found {
		return Challenge{}, ErrChallengeNotFound
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if !now.Before(c.ExpiresAt) {
		return Challenge{}, ErrChallengeExpired
	}
	return c, nil
}
