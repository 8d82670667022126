// Package account is the trust-demo account store: registration, login-time
// device matching and enrollment of new trusted devices after step-up.
package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"example.com/fpdemo/internal/apperr"
	"example.com/fpdemo/internal/storage"
)

// Login statuses.
const (
	StatusAuthenticated        = "authenticated"
	StatusVerificationRequired = "verification_required"
	StatusRejected             = "rejected"
)

const swapAttempts = 5

// Options configures a Service.
type Options struct {
	Sessions     *Sessions
	ChallengeTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Now        func() time.Time
	Logger     *slog.Logger
}

// Service implements the login state machine over the account store.
type Service struct {
	db           *storage.DB
	sessions     *Sessions
	challengeTTL time.Duration
	cost         int
	now          func() time.Time
	logger       *slog.Logger
	// dummyHash is compared against for unknown usernames so both failure
	// paths cost one bcrypt comparison.
	dummyHash []byte
}

// NewService fills unset options with defaults and precomputes the dummy
// hash used for unknown usernames.
func NewService(db *storage.DB, opts Options) (*Service, error) {
	s := &Service{
		db:           db,
		sessions:     opts.Sessions,
		challengeTTL: opts.ChallengeTTL,
		cost:         opts.BcryptCost,
		now:          opts.Now,
		logger:       opts.Logger,
	}
	if s.challengeTTL <= 0 {
		s.challengeTTL = 10 * time.Minute
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.sessions == nil {
		return nil, errors.New("account: sessions not configured")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("fpdemo-dummy-password"), s.cost)
	if err != nil {
		return nil, err
	}
	s.dummyHash = hash
	return s, nil
}

// LoginResult is the outcome of a credential check.
type LoginResult struct {
	Success          bool   `json:"success"`
	FingerprintMatch bool   `json:"fingerprintMatch"`
	Status           string `json:"status"`
	Token            string `json:"token,omitempty"`
	ChallengeID      string `json:"challengeId,omitempty"`
}

// VerifyResult is the outcome of a step-up confirmation.
type VerifyResult struct {
	Success           bool   `json:"success"`
	Status            string `json:"status"`
	Token             string `json:"token,omitempty"`
	FingerprintsCount int    `json:"fingerprintsCount,omitempty"`
}

func invalidCredentials() *apperr.Error {
	return apperr.Auth("InvalidCredentials", "invalid username or password")
}

func required(fields ...[2]string) error {
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			return apperr.MissingField(f[0])
		}
	}
	return nil
}

// Register creates an account trusting exactly the registration device.
func (s *Service) Register(ctx context.Context, username, password, fingerprint string) error {
	if err := required([2]string{"username", username}, [2]string{"password", password}, [2]string{"fingerprint", fingerprint}); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return apperr.Storage("StorageError", err)
	}
	err = NewStore(s.db.Conn()).CreateUser(ctx, User{
		Username:     username,
		PasswordHash: string(hash),
		Fingerprints: TrustSet{fingerprint},
		RegisteredAt: s.now().UTC(),
	})
	if errors.Is(err, ErrUsernameExists) {
		return apperr.Conflict("UsernameExists", "username already exists")
	}
	if err != nil {
		s.logger.Error("register failed", "username", username, "error", err)
		return apperr.Storage("StorageError", err)
	}
	s.logger.Info("user registered", "username", username, "fingerprint", fingerprint)
	return nil
}

// Login checks credentials, then the device. An untrusted device yields a
// step-up challenge instead of a session; the trusted set is not touched.
func (s *Service) Login(ctx context.Context, username, password, fingerprint string) (LoginResult, error) {
	if err := required([2]string{"username", username}, [2]string{"password", password}, [2]string{"fingerprint", fingerprint}); err != nil {
		return LoginResult{}, err
	}
	store := NewStore(s.db.Conn())
	user, err := store.GetUser(ctx, username)
	switch {
	case errors.Is(err, ErrUserNotFound):
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		s.logger.Info("login rejected", "reason", "credentials")
		return LoginResult{}, invalidCredentials()
	case err != nil:
		s.logger.Error("login lookup failed", "username", username, "error", err)
		return LoginResult{}, apperr.Storage("StorageError", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.logger.Info("login rejected", "reason", "credentials")
		return LoginResult{}, invalidCredentials()
	}

	if user.Fingerprints.Contains(fingerprint) {
		token, err := s.sessions.Issue(username, fingerprint)
		if err != nil {
			return LoginResult{}, apperr.Storage("StorageError", err)
		}
		s.logger.Info("login authenticated", "username", username, "fingerprint", fingerprint)
		return LoginResult{Success: true, FingerprintMatch: true, Status: StatusAuthenticated, Token: token}, nil
	}

	now := s.now().UTC()
	challenge := Challenge{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Username:    username,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.challengeTTL),
	}
	if err := store.CreateChallenge(ctx, challenge); err != nil {
		s.logger.Error("create challenge failed", "username", username, "error", err)
		return LoginResult{}, apperr.Storage("StorageError", err)
	}
	s.logger.Info("login requires verification", "username", username, "fingerprint", fingerprint, "challenge_id", challenge.ID)
	return LoginResult{
		Success:          true,
		FingerprintMatch: false,
		Status:           StatusVerificationRequired,
		ChallengeID:      challenge.ID,
	}, nil
}

// VerifyDevice resolves a step-up challenge. Confirming enrolls the device
// and opens a session; cancelling consumes the challenge and nothing else.
func (s *Service) VerifyDevice(ctx context.Context, challengeID string, confirm bool) (VerifyResult, error) {
	if err := required([2]string{"challengeId", challengeID}); err != nil {
		return VerifyResult{}, err
	}
	var (
		challenge Challenge
		count     int
		expired   bool
	)
	err := s.db.WithTx(ctx, func(c storage.Conn) error {
		store := NewStore(c)
		var err error
		challenge, err = store.TakeChallenge(ctx, challengeID, s.now())
		if errors.Is(err, ErrChallengeExpired) {
			expired = true
			return nil
		}
		if err != nil {
			return err
		}
		if !confirm {
			return nil
		}
		count, err = s.enroll(ctx, store, challenge.Username, challenge.Fingerprint)
		return err
	})
	switch {
	case expired, errors.Is(err, ErrChallengeNotFound):
		return VerifyResult{}, apperr.NotFound("ChallengeNotFound", "challenge not found or expired")
	case errors.Is(err, ErrUserNotFound):
		return VerifyResult{}, apperr.NotFound("UserNotFound", "user not found")
	case err != nil:
		s.logger.Error("verify device failed", "challenge_id", challengeID, "error", err)
		return VerifyResult{}, apperr.Storage("StorageError", err)
	}

	if !confirm {
		s.logger.Info("device verification cancelled", "username", challenge.Username, "challenge_id", challengeID)
		return VerifyResult{Success: false, Status: StatusRejected}, nil
	}
	token, err := s.sessions.Issue(challenge.Username, challenge.Fingerprint)
	if err != nil {
		return VerifyResult{}, apperr.Storage("StorageError", err)
	}
	s.logger.Info("device verified", "username", challenge.Username, "fingerprint", challenge.Fingerprint, "fingerprints", count)
	return VerifyResult{Success: true, Status: StatusAuthenticated, Token: token, FingerprintsCount: count}, nil
}

// AddFingerprint enrolls a device directly. Enrolling a trusted device is a
// no-op. It returns the size of the trusted set.
func (s *Service) AddFingerprint(ctx context.Context, username, fingerprint string) (int, error) {
	if err := required([2]string{"username", username}, [2]string{"newFingerprint", fingerprint}); err != nil {
		return 0, err
	}
	count, err := s.enroll(ctx, NewStore(s.db.Conn()), username, fingerprint)
	if errors.Is(err, ErrUserNotFound) {
		return 0, apperr.NotFound("UserNotFound", "user not found")
	}
	if err != nil {
		s.logger.Error("add fingerprint failed", "username", username, "error", err)
		return 0, apperr.Storage("StorageError", err)
	}
	s.logger.Info("fingerprint enrolled", "username", username, "fingerprint", fingerprint, "fingerprints", count)
	return count, nil
}

// enroll appends fingerprint with a compare-and-swap on the stored set so two
// concurrent enrollments never drop each other's device.
func (s *Service) enroll(ctx context.Context, store *Store, username, fingerprint string) (int, error) {
	for attempt := 0; attempt < swapAttempts; attempt++ {
		user, err := store.GetUser(ctx, username)
		if err != nil {
			return 0, err
		}
		next, added := user.Fingerprints.Add(fingerprint)
		if !added {
			return len(next), nil
		}
		ok, err := store.SwapFingerprints(ctx, user, next)
		if err != nil {
			return 0, err
		}
		if ok {
			return len(next), nil
		}
		s.logger.Debug("fingerprint swap lost, retrying", "username", username, "attempt", attempt+1)
	}
	return 0, errors.New("fingerprint update contended")
}

// Fingerprints returns the trusted set of an account.
func (s *Service) Fingerprints(ctx context.Context, username string) (TrustSet, error) {
	if err := required([2]string{"username", username}); err != nil {
		return nil, err
	}
	user, err := NewStore(s.db.Conn()).GetUser(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, apperr.NotFound("UserNotFound", "user not found")
	}
	if err != nil {
		s.logger.Error("list fingerprints failed", "username", username, "error", err)
		return nil, apperr.Storage("StorageError", err)
	}
	return user.Fingerprints, nil
}

// SessionInfo describes a live session.
type SessionInfo struct {
	Success     bool      `json:"success"`
	Username    string    `json:"username"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Session validates a session token and checks that the device it was issued
// for is still trusted by the account. Every failure is the same error.
func (s *Service) Session(ctx context.Context, token string) (SessionInfo, error) {
	invalid := apperr.Auth("InvalidSession", "invalid or expired session")
	if strings.TrimSpace(token) == "" {
		return SessionInfo{}, invalid
	}
	claims, err := s.sessions.Parse(token)
	if err != nil {
		s.logger.Debug("session rejected", "error", err)
		return SessionInfo{}, invalid
	}
	user, err := NewStore(s.db.Conn()).GetUser(ctx, claims.Subject)
	if errors.Is(err, ErrUserNotFound) {
		return SessionInfo{}, invalid
	}
	if err != nil {
		s.logger.Error("load session user failed", "username", claims.Subject, "error", err)
		return SessionInfo{}, apperr.Storage("StorageError", err)
	}
	if !user.Fingerprints.Contains(claims.Fingerprint) {
		s.logger.Warn("session device no longer trusted", "username", claims.Subject, "fingerprint", claims.Fingerprint)
		return SessionInfo{}, invalid
	}
	info := SessionInfo{Success: true, Username: user.Username, Fingerprint: claims.Fingerprint}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return info, nil
}
