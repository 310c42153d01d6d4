package models

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/trentd187/jms/internal/jmserr"
)

// --- Permissions ---

// Permission is one capability an operator can hold. Admin implies every other one.
type Permission string

const (
	PermAdmin             Permission = "Admin"
	PermFTA               Permission = "FTA"
	PermManageAlliances   Permission = "ManageAlliances"
	PermManageAudience    Permission = "ManageAudience"
	PermManageAwards      Permission = "ManageAwards"
	PermManageElectronics Permission = "ManageElectronics"
	PermScoring           Permission = "Scoring"
	PermManageTeams       Permission = "ManageTeams"
	PermViewReports       Permission = "ViewReports"
)

// AllPermissions lists the closed set.
var AllPermissions = []Permission{
	PermAdmin, PermFTA, PermManageAlliances, PermManageAudience, PermManageAwards,
	PermManageElectronics, PermScoring, PermManageTeams, PermViewReports,
}

// Valid reports whether p is in the closed set.
func (p Permission) Valid() bool { return slices.Contains(AllPermissions, p) }

// User is an operator account, keyed by username.
type User struct {
	Username     string       `json:"username"`
	Realname     string       `json:"realname"`
	PasswordHash string       `json:"password_hash,omitempty"`
	Permissions  []Permission `json:"permissions"`
}

// Has reports whether the user holds p, directly or through Admin.
func (u User) Has(p Permission) bool {
	return slices.Contains(u.Permissions, PermAdmin) || slices.Contains(u.Permissions, p)
}

// HasAny reports whether the user holds at least one of perms. An empty list is public.
func (u User) HasAny(perms ...Permission) bool {
	if len(perms) == 0 {
		return true
	}
	for _, p := range perms {
		if u.Has(p) {
			return true
		}
	}
	return false
}

// Public strips the password hash.
func (u User) Public() User {
	u.PasswordHash = ""
	return u
}

// SetPassword stores the bcrypt hash of password.
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "hashing password")
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword reports whether password matches the stored hash.
func (u User) CheckPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// Token is an issued login session. The signed token handed to clients carries the
// Token id as its jti, so deleting the row revokes it.
type Token struct {
	ID      string    `json:"id"`
	User    string    `json:"user"`
	Issued  time.Time `json:"issued"`
	Expires time.Time `json:"expires"`
}

// --- Authentication ---

// Authenticator issues and checks operator tokens.
type Authenticator struct {
	db     *DB
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator signs tokens with secret; tokens expire after ttl.
func NewAuthenticator(db *DB, secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{db: db, secret: []byte(secret), ttl: ttl, now: time.Now}
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// EnsureAdmin creates the "admin" account with the given password if it does not exist.
func (a *Authenticator) EnsureAdmin(ctx context.Context, password string) error {
	_, err := a.db.Users.Update(ctx, "admin", func(u *User, exists bool) error {
		if exists {
			return nil
		}
		*u = User{Username: "admin", Realname: "Administrator", Permissions: []Permission{PermAdmin}}
		return u.SetPassword(password)
	})
	return err
}

// Login checks the password and issues a token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, User, error) {
	u, ok, err := a.db.Users.Get(ctx, username)
	if err != nil {
		return "", User{}, err
	}
	if !ok || !u.CheckPassword(password) {
		return "", User{}, jmserr.New(jmserr.Unauthenticated, "bad username or password")
	}
	tok, err := a.Issue(ctx, u.Username)
	return tok, u.Public(), err
}

// Issue creates a Token row for username and returns the signed token string.
func (a *Authenticator) Issue(ctx context.Context, username string) (string, error) {
	now := a.now()
	t := Token{ID: uuid.NewString(), User: username, Issued: now, Expires: now.Add(a.ttl)}
	if err := a.db.Tokens.Insert(ctx, t.ID, t); err != nil {
		return "", err
	}
	claims := tokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        t.ID,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(t.Issued),
		ExpiresAt: jwt.NewNumericDate(t.Expires),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", jmserr.Wrap(jmserr.Malformed, err, "signing token")
	}
	return signed, nil
}

// Revoke deletes the Token row behind a signed token.
func (a *Authenticator) Revoke(ctx context.Context, token MaybeToken) error {
	claims, err := a.parse(token)
	if err != nil {
		return err
	}
	return a.db.Tokens.Delete(ctx, claims.ID)
}

func (a *Authenticator) parse(token MaybeToken) (*tokenClaims, error) {
	if token == "" {
		return nil, jmserr.New(jmserr.Unauthenticated, "no token")
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(string(token), claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, jmserr.New(jmserr.Unauthenticated, "token expired")
		}
		return nil, jmserr.Wrap(jmserr.Unauthenticated, err, "invalid token")
	}
	return claims, nil
}

// MaybeToken is the token a caller presented, possibly empty.
type MaybeToken string

// Auth resolves the token to its user or fails with Unauthenticated.
func (t MaybeToken) Auth(ctx context.Context, a *Authenticator) (User, error) {
	claims, err := a.parse(t)
	if err != nil {
		return User{}, err
	}
	row, ok, err := a.db.Tokens.Get(ctx, claims.ID)
	if err != nil {
		return User{}, err
	}
	if !ok || a.now().After(row.Expires) {
		return User{}, jmserr.New(jmserr.Unauthenticated, "token revoked or expired")
	}
	u, ok, err := a.db.Users.Get(ctx, row.User)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, jmserr.New(jmserr.Unauthenticated, "user no longer exists")
	}
	return u.Public(), nil
}
