package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/wodbooker/internal/db"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Operators stores admin accounts.
type Operators interface {
	CreateOperator(ctx context.Context, username, passwordHash string) error
	OperatorHash(ctx context.Context, username string) (id int64, hash string, err error)
}

type DBOperators struct{ db *db.DB }

func NewDBOperators(d *db.DB) *DBOperators { return &DBOperators{db: d} }

func (o *DBOperators) CreateOperator(ctx context.Context, username, hash string) error {
	return o.db.Exec(ctx, `INSERT INTO operators(username, password_bcrypt) VALUES ($1,$2)`, username, hash)
}

func (o *DBOperators) OperatorHash(ctx context.Context, username string) (int64, string, error) {
	var id int64
	var hash string
	err := o.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM operators WHERE username=$1`, username).Scan(&id, &hash)
	if err != nil {
		return 0, "", db.WrapNotFound(err)
	}
	return id, hash, nil
}

const (
	cookieName = "wodbooker_session"
	sessionAge = 14 * 24 * time.Hour
)

type Store struct {
	sc  *securecookie.SecureCookie
	ops Operators
}

type ctxKey string

const operatorIDKey ctxKey = "operatorID"

func NewStore(ops Operators, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	// keep cookie small and secure
	sc.MaxAge(int(sessionAge.Seconds()))
	return &Store{sc: sc, ops: ops}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

func (s *Store) CreateOperator(ctx context.Context, username, password string) error {
	if username == "" || len(password) < 8 {
		return errors.New("username required and password must have at least 8 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.ops.CreateOperator(ctx, username, hash)
}

// Authenticate returns the operator id for valid credentials. Unknown users
// and wrong passwords both yield ErrInvalidCredentials.
func (s *Store) Authenticate(ctx context.Context, username, password string) (int64, error) {
	id, hash, err := s.ops.OperatorHash(ctx, username)
	if err != nil {
		if db.IsNotFound(err) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}
	if !CheckPassword(hash, password) {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}

type Session struct {
	OperatorID int64 `json:"oid"`
	Version    int   `json:"v"`
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, operatorID int64) error {
	encoded, err := s.sc.Encode(cookieName, Session{OperatorID: operatorID, Version: 1})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil, // ok for local http; secure in https
		MaxAge:   int(sessionAge.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	var sess Session
	if err := s.sc.Decode(cookieName, c.Value, &sess); err != nil {
		return Session{}, false
	}
	if sess.OperatorID <= 0 {
		return Session{}, false
	}
	return sess, true
}

// RequireAuth answers 401 with a JSON error when there is no valid session.
func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		ctx := context.WithValue(r.Context(), operatorIDKey, sess.OperatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func OperatorIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(operatorIDKey).(int64)
	return id, ok
}
