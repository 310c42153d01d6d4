package facade

import (
	"context"
	"slices"
	"strings"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/rpc"
)

// LoginRequest carries operator credentials.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginReply is a signed token and the signed-in user.
type LoginReply struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// SetUserRequest creates or edits an operator account. An empty password leaves an
// existing password alone.
type SetUserRequest struct {
	Username    string              `json:"username" validate:"required,alphanum"`
	Realname    string              `json:"realname"`
	Password    string              `json:"password,omitempty"`
	Permissions []models.Permission `json:"permissions"`
}

// UsernameRequest names one account.
type UsernameRequest struct {
	Username string `json:"username" validate:"required"`
}

func registerAuth(reg *rpc.Registry, d Deps) {
	h := reg.Handler("auth", 0)

	rpc.Endpoint(h, "login", rpc.Anyone, func(ctx context.Context, _ rpc.Caller, r LoginRequest) (LoginReply, error) {
		tok, u, err := d.Auth.Login(ctx, r.Username, r.Password)
		if err != nil {
			return LoginReply{}, err
		}
		d.Logger.Info("operator signed in", "user", u.Username)
		return LoginReply{Token: tok, User: u}, nil
	})
	rpc.Endpoint(h, "logout", rpc.SignedIn, func(ctx context.Context, c rpc.Caller, _ empty) (empty, error) {
		return empty{}, d.Auth.Revoke(ctx, c.Token)
	})
	rpc.Endpoint(h, "whoami", rpc.SignedIn, func(_ context.Context, c rpc.Caller, _ empty) (models.User, error) {
		return c.User, nil
	})
	rpc.Endpoint(h, "users", rpc.Need(models.PermAdmin), func(ctx context.Context, _ rpc.Caller, _ empty) ([]models.User, error) {
		users, err := d.DB.Users.All(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]models.User, len(users))
		for i, u := range users {
			out[i] = u.Public()
		}
		slices.SortFunc(out, func(a, b models.User) int { return strings.Compare(a.Username, b.Username) })
		return out, nil
	})
	rpc.Endpoint(h, "set_user", rpc.Need(models.PermAdmin), func(ctx context.Context, _ rpc.Caller, r SetUserRequest) (models.User, error) {
		for _, p := range r.Permissions {
			if !p.Valid() {
				return models.User{}, jmserr.Newf(jmserr.Malformed, "unknown permission %q", p)
			}
		}
		u, err := d.DB.Users.Update(ctx, r.Username, func(u *models.User, exists bool) error {
			if !exists && r.Password == "" {
				return jmserr.New(jmserr.Malformed, "a new user needs a password")
			}
			u.Username = r.Username
			u.Realname = r.Realname
			u.Permissions = r.Permissions
			if r.Password != "" {
				return u.SetPassword(r.Password)
			}
			return nil
		})
		return u.Public(), err
	})
	rpc.Endpoint(h, "delete_user", rpc.Need(models.PermAdmin), func(ctx context.Context, c rpc.Caller, r UsernameRequest) (empty, error) {
		if r.Username == c.User.Username {
			return empty{}, jmserr.New(jmserr.Malformed, "cannot delete your own account")
		}
		return empty{}, d.DB.Users.Delete(ctx, r.Username)
	})
}
