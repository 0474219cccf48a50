package authctx

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

// User is the persisted account record backing Identity issuance,
// generalizing the teacher's internal/models.Usuario to carry an
// organization id directly (the tenant boundary spec.md requires).
type User struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	OrgID        string    `db:"org_id"`
	Roles        string    `db:"roles"` // comma-joined; kept simple, no ORM in the pack does better here
	Active       bool      `db:"active"`
	CreatedAt    time.Time `db:"created_at"`
}

// NewPostgres connects to Postgres, mirroring the teacher's
// internal/db/db.go NewPostgres (connect, pool tune, ping-or-fatal) but
// returning the error instead of calling log.Fatalf, so callers can choose
// the kinderr.Fatal exit path explicitly.
func NewPostgres(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// UserStore looks up accounts for login and token issuance.
type UserStore struct {
	db *sqlx.DB
}

// NewUserStore builds a UserStore.
func NewUserStore(db *sqlx.DB) *UserStore {
	return &UserStore{db: db}
}

// ByUsername returns the active user with the given username, or nil if
// none exists (mirrors the teacher's BuscarPorEmail nil-on-no-rows idiom).
func (s *UserStore) ByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `
		SELECT id, username, password_hash, org_id, roles, active, created_at
		FROM users WHERE username = $1 AND active = true
	`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ValidatePassword checks a plaintext password against the stored bcrypt
// hash, same call as the teacher's ValidarPassword.
func (s *UserStore) ValidatePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword bcrypt-hashes a plaintext password for account creation.
func (s *UserStore) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}
