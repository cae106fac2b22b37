// Package office implements self-service account flows: registration with
// email activation and password recovery. The flows run as static methods of
// the "office" pseudo-model under an administrator handle.
package office

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net/http"
	"strings"

	"github.com/objectum/objectum-proxy/pkg/objstore"
)

// Config carries everything the office flows need. No globals: the caller
// builds one Config and hands it to New.
type Config struct {
	SMTP SMTP
	// UserModel is the account model, "objectum.user" unless overridden.
	UserModel string
	// RoleModel is the role model, "objectum.role" unless overridden.
	RoleModel string
	// Role is the role code assigned to self-registered accounts.
	Role string
	// Secret salts activation and recovery tokens.
	Secret string

	RecaptchaSecretKey    string
	DisableRecaptchaCheck bool
}

type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
	// ForceSender overrides the From header even when a flow supplies one.
	ForceSender bool
}

// Store is the slice of the backend handle the flows use.
type Store interface {
	GetRecords(ctx context.Context, q objstore.Query) ([]*objstore.Record, error)
	CreateRecord(ctx context.Context, fields map[string]interface{}) (*objstore.Record, error)
	StartTransaction(ctx context.Context, description string) error
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error
}

// Mailer delivers one message. Send blocks until the mail is handed off.
type Mailer interface {
	Send(ctx context.Context, to, subject, text, html string) error
}

// Office binds the account flows to their configuration.
type Office struct {
	Config Config
	Mailer Mailer
	// Client performs the recaptcha verification call.
	Client *http.Client
}

func New(cfg Config, mailer Mailer) *Office {
	if cfg.UserModel == "" {
		cfg.UserModel = "objectum.user"
	}
	if cfg.RoleModel == "" {
		cfg.RoleModel = "objectum.role"
	}
	return &Office{Config: cfg, Mailer: mailer}
}

// RegisterStatics wires the flows as static methods of the office model.
func (o *Office) RegisterStatics(reg *objstore.Registry, model string) {
	reg.RegisterStatic(model, "register", o.Register)
	reg.RegisterStatic(model, "activation", o.Activation)
	reg.RegisterStatic(model, "recoverRequest", o.RecoverRequest)
	reg.RegisterStatic(model, "recover", o.Recover)
}

// Token derives the activation and recovery token for an email address.
func (o *Office) Token(email string) string {
	sum := sha1.Sum([]byte(o.Config.Secret + email))
	return strings.ToUpper(fmt.Sprintf("%x", sum))
}

// Register creates an inactive account and mails the activation token.
func (o *Office) Register(ctx context.Context, call *objstore.Call) (interface{}, error) {
	return o.register(ctx, call.Store, call.Params)
}

func (o *Office) register(ctx context.Context, s Store, params map[string]interface{}) (interface{}, error) {
	email := paramString(params, "email")
	password := paramString(params, "password")
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}
	if !o.Config.DisableRecaptchaCheck {
		ok, err := o.verifyRecaptcha(ctx, paramString(params, "recaptchaRes"))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("Invalid recaptcha response")
		}
	}

	existing, err := s.GetRecords(ctx, objstore.Query{
		Model:   o.Config.UserModel,
		Filters: []objstore.Filter{{"login", "=", email}},
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("Account already exists")
	}

	roles, err := s.GetRecords(ctx, objstore.Query{
		Model:   o.Config.RoleModel,
		Filters: []objstore.Filter{{"code", "=", o.Config.Role}},
	})
	if err != nil {
		return nil, err
	}
	if len(roles) != 1 {
		return nil, fmt.Errorf("Unknown role")
	}

	if err := s.StartTransaction(ctx, "register "+email); err != nil {
		return nil, err
	}
	_, err = s.CreateRecord(ctx, map[string]interface{}{
		"_model":   o.Config.UserModel,
		"name":     paramString(params, "name"),
		"login":    email,
		"password": password,
		"role":     roles[0].ID(),
		"active":   0,
	})
	if err != nil {
		_ = s.RollbackTransaction(ctx)
		return nil, err
	}
	if err := s.CommitTransaction(ctx); err != nil {
		return nil, err
	}

	token := o.Token(email)
	if o.Mailer != nil {
		text := fmt.Sprintf("Activation code: %s", token)
		html := fmt.Sprintf("<p>Activation code: <b>%s</b></p>", token)
		if err := o.Mailer.Send(ctx, email, "Account activation", text, html); err != nil {
			return nil, fmt.Errorf("activation mail: %w", err)
		}
	}
	return map[string]interface{}{"success": true}, nil
}

// Activation enables an account after the mailed token comes back.
func (o *Office) Activation(ctx context.Context, call *objstore.Call) (interface{}, error) {
	return o.activation(ctx, call.Store, call.Params)
}

func (o *Office) activation(ctx context.Context, s Store, params map[string]interface{}) (interface{}, error) {
	email := paramString(params, "email")
	if paramString(params, "activationId") != o.Token(email) {
		return nil, fmt.Errorf("Invalid password recovery code")
	}
	rec, err := o.account(ctx, s, email)
	if err != nil {
		return nil, err
	}
	if err := s.StartTransaction(ctx, "activation "+email); err != nil {
		return nil, err
	}
	rec.Set("active", 1)
	if err := rec.Sync(ctx); err != nil {
		_ = s.RollbackTransaction(ctx)
		return nil, err
	}
	if err := s.CommitTransaction(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

// RecoverRequest mails a password recovery code to an existing account.
func (o *Office) RecoverRequest(ctx context.Context, call *objstore.Call) (interface{}, error) {
	return o.recoverRequest(ctx, call.Store, call.Params)
}

func (o *Office) recoverRequest(ctx context.Context, s Store, params map[string]interface{}) (interface{}, error) {
	email := paramString(params, "email")
	if _, err := o.account(ctx, s, email); err != nil {
		return nil, err
	}
	token := o.Token(email)
	if o.Mailer != nil {
		text := fmt.Sprintf("Password recovery code: %s", token)
		html := fmt.Sprintf("<p>Password recovery code: <b>%s</b></p>", token)
		if err := o.Mailer.Send(ctx, email, "Password recovery", text, html); err != nil {
			return nil, fmt.Errorf("recovery mail: %w", err)
		}
	}
	return map[string]interface{}{"success": true}, nil
}

// Recover sets a new password once the recovery code matches.
func (o *Office) Recover(ctx context.Context, call *objstore.Call) (interface{}, error) {
	return o.recover(ctx, call.Store, call.Params)
}

func (o *Office) recover(ctx context.Context, s Store, params map[string]interface{}) (interface{}, error) {
	email := paramString(params, "email")
	if paramString(params, "recoverId") != o.Token(email) {
		return nil, fmt.Errorf("Invalid password recovery code")
	}
	password := paramString(params, "newPassword")
	if password == "" {
		return nil, fmt.Errorf("newPassword is required")
	}
	rec, err := o.account(ctx, s, email)
	if err != nil {
		return nil, err
	}
	if err := s.StartTransaction(ctx, "recover "+email); err != nil {
		return nil, err
	}
	rec.Set("password", password)
	if name := paramString(params, "newName"); name != "" {
		rec.Set("name", name)
	}
	if err := rec.Sync(ctx); err != nil {
		_ = s.RollbackTransaction(ctx)
		return nil, err
	}
	if err := s.CommitTransaction(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

// account finds exactly one account by login.
func (o *Office) account(ctx context.Context, s Store, email string) (*objstore.Record, error) {
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	recs, err := s.GetRecords(ctx, objstore.Query{
		Model:   o.Config.UserModel,
		Filters: []objstore.Filter{{"login", "=", email}},
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("No account")
	}
	if len(recs) != 1 {
		return nil, fmt.Errorf("Account error, count: %d", len(recs))
	}
	return recs[0], nil
}

func paramString(params map[string]interface{}, key string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}
