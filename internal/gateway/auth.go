package gateway

import (
	"fmt"
	"log/slog"

	"github.com/deckhand/deckhand/internal/errdefs"
	"github.com/deckhand/deckhand/internal/models"
	"github.com/deckhand/deckhand/internal/ws"
)

// StoreAuth is the default AuthProvider, backed by the bbolt user store.
type StoreAuth struct {
	Users     *models.UserStore
	JWTSecret string
}

func (a *StoreAuth) Authenticate(username, password string) (int, string, error) {
	user, err := a.Users.FindByUsername(username)
	if err != nil {
		return 0, "", fmt.Errorf("auth lookup: %w", err)
	}
	if user == nil || !models.VerifyPassword(password, user.Password) {
		return 0, "", fmt.Errorf("%w: incorrect username or password", errdefs.ErrUnauthorised)
	}

	token, err := models.CreateJWT(user, a.JWTSecret)
	if err != nil {
		return 0, "", fmt.Errorf("issue token: %w", err)
	}
	return user.ID, token, nil
}

func (a *StoreAuth) VerifyToken(token string) (int, error) {
	claims, err := models.VerifyJWT(token, a.JWTSecret)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrUnauthorised, err)
	}
	user, err := a.Users.FindByUsername(claims.Username)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, fmt.Errorf("%w: unknown user", errdefs.ErrUnauthorised)
	}
	// Password changes rotate the fingerprint, invalidating old tokens.
	if claims.H != models.Shake256Hex(user.Password, 16) {
		return 0, fmt.Errorf("%w: stale token", errdefs.ErrUnauthorised)
	}
	return user.ID, nil
}

var _ AuthProvider = (*StoreAuth)(nil)

func (app *App) registerAuthHandlers() {
	app.WS.Handle("login", app.handleLogin)
	app.WS.Handle("loginByToken", app.handleLoginByToken)
	app.WS.Handle("setup", app.handleSetup)
	app.WS.Handle("needSetup", app.handleNeedSetup)
	app.WS.Handle("changePassword", app.handleChangePassword)
	app.WS.Handle("logout", app.handleLogout)
	app.WS.Handle("version", app.handleVersion)
}

func (app *App) handleLogin(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !argObject(args, 0, &creds) {
		creds.Username = argString(args, 0)
		creds.Password = argString(args, 1)
	}

	uid, token, err := app.Auth.Authenticate(creds.Username, creds.Password)
	if err != nil {
		slog.Info("login failed", "username", creds.Username)
		ackErr(c, msg, err)
		return
	}

	c.SetUser(uid)
	slog.Info("login", "username", creds.Username)

	if msg.ID != nil {
		c.SendAck(*msg.ID, ws.OkResponse{OK: true, Token: token})
	}
	app.bcast.sendAll(c)
}

func (app *App) handleLoginByToken(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	token := argString(args, 0)

	uid, err := app.Auth.VerifyToken(token)
	if err != nil {
		ackErr(c, msg, err)
		return
	}

	c.SetUser(uid)
	ackOK(c, msg, "")
	app.bcast.sendAll(c)
}

func (app *App) handleSetup(c *ws.Conn, msg *ws.ClientMessage) {
	if !app.NeedSetup {
		ackErr(c, msg, errdefs.Conflict("setup already complete"))
		return
	}

	args := parseArgs(msg)
	username := argString(args, 0)
	password := argString(args, 1)
	if username == "" || len(password) < 6 {
		ackErr(c, msg, errdefs.InvalidArgument("username and a password of at least 6 characters required"))
		return
	}

	auth, ok := app.Auth.(*StoreAuth)
	if !ok {
		ackErr(c, msg, errdefs.Conflict("setup unavailable with external auth"))
		return
	}

	user, err := auth.Users.Create(username, password)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	app.NeedSetup = false
	c.SetUser(user.ID)

	slog.Info("initial setup complete", "username", username)
	ackOK(c, msg, "Setup complete")
	app.bcast.sendAll(c)
}

func (app *App) handleNeedSetup(c *ws.Conn, msg *ws.ClientMessage) {
	ackData(c, msg, struct {
		OK        bool `json:"ok"`
		NeedSetup bool `json:"needSetup"`
	}{OK: true, NeedSetup: app.NeedSetup})
}

func (app *App) handleChangePassword(c *ws.Conn, msg *ws.ClientMessage) {
	uid := app.checkLogin(c, msg)
	if uid == 0 {
		return
	}

	args := parseArgs(msg)
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	argObject(args, 0, &body)

	auth, ok := app.Auth.(*StoreAuth)
	if !ok {
		ackErr(c, msg, errdefs.Conflict("password change unavailable with external auth"))
		return
	}

	user, err := auth.Users.FindByID(uid)
	if err != nil || user == nil {
		ackErr(c, msg, errdefs.NotFound("user"))
		return
	}
	if !models.VerifyPassword(body.CurrentPassword, user.Password) {
		ackErr(c, msg, fmt.Errorf("%w: incorrect password", errdefs.ErrUnauthorised))
		return
	}
	if len(body.NewPassword) < 6 {
		ackErr(c, msg, errdefs.InvalidArgument("password must be at least 6 characters"))
		return
	}

	if err := auth.Users.ChangePassword(uid, body.NewPassword); err != nil {
		ackErr(c, msg, err)
		return
	}
	ackOK(c, msg, "Password changed")
}

func (app *App) handleLogout(c *ws.Conn, msg *ws.ClientMessage) {
	c.SetUser(0)
	ackOK(c, msg, "")
}

func (app *App) handleVersion(c *ws.Conn, msg *ws.ClientMessage) {
	ackData(c, msg, struct {
		OK      bool   `json:"ok"`
		Version string `json:"version"`
	}{OK: true, Version: app.Version})
}
