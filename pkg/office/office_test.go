package office

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/objectum/objectum-proxy/pkg/objstore"
)

type sentMail struct {
	to, subject, text string
}

type fakeMailer struct {
	sent []sentMail
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, text, html string) error {
	m.sent = append(m.sent, sentMail{to: to, subject: subject, text: text})
	return nil
}

// officeBackend simulates the user and role models. envelopes records every
// backend call in order.
type officeBackend struct {
	users     []map[string]interface{}
	roles     []map[string]interface{}
	envelopes []map[string]interface{}
}

func (b *officeBackend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("backend decode: %v", err)
		}
		b.envelopes = append(b.envelopes, body)
		w.Header().Set("Content-Type", "application/json")
		switch body["_fn"] {
		case "getData":
			recs := b.users
			if body["model"] == "objectum.role" {
				recs = b.roles
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"recs": recs})
		case "create":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 100})
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{})
		}
	}
}

func (b *officeBackend) fns() []string {
	out := make([]string, 0, len(b.envelopes))
	for _, e := range b.envelopes {
		fn, _ := e["_fn"].(string)
		out = append(out, fn)
	}
	return out
}

func newOfficeFixture(t *testing.T, backend *officeBackend) (*Office, *fakeMailer, Store, func()) {
	t.Helper()
	srv := httptest.NewServer(backend.handler(t))
	h := objstore.NewHandle(srv.URL, "adm-sid", srv.Client())
	mailer := &fakeMailer{}
	o := New(Config{
		Role:                  "user",
		Secret:                "s3cret",
		DisableRecaptchaCheck: true,
	}, mailer)
	return o, mailer, h, srv.Close
}

func TestTokenDeterministic(t *testing.T) {
	o := New(Config{Secret: "abc"}, nil)
	tok := o.Token("user@example.com")
	if tok != o.Token("user@example.com") {
		t.Fatal("token must be deterministic")
	}
	if tok == o.Token("other@example.com") {
		t.Fatal("token must depend on the email")
	}
	if tok != strings.ToUpper(tok) {
		t.Fatalf("token must be uppercase hex: %q", tok)
	}
	if len(tok) != 40 {
		t.Fatalf("sha1 hex length: got %d", len(tok))
	}
}

func TestRegisterCreatesAccount(t *testing.T) {
	backend := &officeBackend{
		roles: []map[string]interface{}{{"id": 7, "code": "user"}},
	}
	o, mailer, s, closeFn := newOfficeFixture(t, backend)
	defer closeFn()

	out, err := o.register(context.Background(), s, map[string]interface{}{
		"email": "new@example.com", "password": "pw", "name": "New User",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	res, _ := out.(map[string]interface{})
	if res["success"] != true {
		t.Fatalf("unexpected result: %v", out)
	}
	fns := backend.fns()
	want := []string{"getData", "getData", "startTransaction", "create", "commitTransaction"}
	if len(fns) != len(want) {
		t.Fatalf("backend calls: %v", fns)
	}
	for i := range want {
		if fns[i] != want[i] {
			t.Fatalf("backend calls: %v", fns)
		}
	}
	if len(mailer.sent) != 1 || mailer.sent[0].to != "new@example.com" {
		t.Fatalf("activation mail: %+v", mailer.sent)
	}
	if !strings.Contains(mailer.sent[0].text, o.Token("new@example.com")) {
		t.Fatal("activation mail must carry the token")
	}
}

func TestRegisterExistingAccount(t *testing.T) {
	backend := &officeBackend{
		users: []map[string]interface{}{{"id": 1, "login": "new@example.com"}},
	}
	o, _, s, closeFn := newOfficeFixture(t, backend)
	defer closeFn()

	_, err := o.register(context.Background(), s, map[string]interface{}{
		"email": "new@example.com", "password": "pw",
	})
	if err == nil || err.Error() != "Account already exists" {
		t.Fatalf("expected account exists error, got %v", err)
	}
}

func TestRegisterUnknownRole(t *testing.T) {
	o, _, s, closeFn := newOfficeFixture(t, &officeBackend{})
	defer closeFn()

	_, err := o.register(context.Background(), s, map[string]interface{}{
		"email": "new@example.com", "password": "pw",
	})
	if err == nil || err.Error() != "Unknown role" {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}

func TestRecoverTokenMismatch(t *testing.T) {
	o, _, s, closeFn := newOfficeFixture(t, &officeBackend{})
	defer closeFn()

	_, err := o.recover(context.Background(), s, map[string]interface{}{
		"email": "u@example.com", "recoverId": "WRONG", "newPassword": "new",
	})
	if err == nil || err.Error() != "Invalid password recovery code" {
		t.Fatalf("expected invalid code error, got %v", err)
	}
}

func TestRecoverSetsPassword(t *testing.T) {
	backend := &officeBackend{
		users: []map[string]interface{}{{"id": 1, "login": "u@example.com"}},
	}
	o, _, s, closeFn := newOfficeFixture(t, backend)
	defer closeFn()

	_, err := o.recover(context.Background(), s, map[string]interface{}{
		"email": "u@example.com", "recoverId": o.Token("u@example.com"), "newPassword": "new",
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	var set map[string]interface{}
	for _, e := range backend.envelopes {
		if e["_fn"] == "set" {
			set = e
		}
	}
	if set == nil || set["password"] != "new" {
		t.Fatalf("password not persisted: %v", backend.envelopes)
	}
}

func TestRecoverAppliesNewName(t *testing.T) {
	backend := &officeBackend{
		users: []map[string]interface{}{{"id": 1, "login": "u@example.com", "name": "Old Name"}},
	}
	o, _, s, closeFn := newOfficeFixture(t, backend)
	defer closeFn()

	_, err := o.recover(context.Background(), s, map[string]interface{}{
		"email":       "u@example.com",
		"recoverId":   o.Token("u@example.com"),
		"newPassword": "new",
		"newName":     "New Name",
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	var set map[string]interface{}
	for _, e := range backend.envelopes {
		if e["_fn"] == "set" {
			set = e
		}
	}
	if set == nil || set["name"] != "New Name" {
		t.Fatalf("name not persisted: %v", backend.envelopes)
	}
	if set["password"] != "new" {
		t.Fatalf("password not persisted alongside name: %v", set)
	}
}

func TestRecoverRequestNoAccount(t *testing.T) {
	o, _, s, closeFn := newOfficeFixture(t, &officeBackend{})
	defer closeFn()

	_, err := o.recoverRequest(context.Background(), s, map[string]interface{}{
		"email": "ghost@example.com",
	})
	if err == nil || err.Error() != "No account" {
		t.Fatalf("expected no account error, got %v", err)
	}
}

func TestRecoverRequestDuplicateAccounts(t *testing.T) {
	backend := &officeBackend{
		users: []map[string]interface{}{
			{"id": 1, "login": "u@example.com"},
			{"id": 2, "login": "u@example.com"},
		},
	}
	o, _, s, closeFn := newOfficeFixture(t, backend)
	defer closeFn()

	_, err := o.recoverRequest(context.Background(), s, map[string]interface{}{
		"email": "u@example.com",
	})
	if err == nil || err.Error() != "Account error, count: 2" {
		t.Fatalf("expected count error, got %v", err)
	}
}

func TestActivationEnablesAccount(t *testing.T) {
	backend := &officeBackend{
		users: []map[string]interface{}{{"id": 1, "login": "u@example.com", "active": 0}},
	}
	o, _, s, closeFn := newOfficeFixture(t, backend)
	defer closeFn()

	_, err := o.activation(context.Background(), s, map[string]interface{}{
		"email": "u@example.com", "activationId": o.Token("u@example.com"),
	})
	if err != nil {
		t.Fatalf("activation: %v", err)
	}
	var set map[string]interface{}
	for _, e := range backend.envelopes {
		if e["_fn"] == "set" {
			set = e
		}
	}
	if set == nil || set["active"] != float64(1) {
		t.Fatalf("active flag not persisted: %v", backend.envelopes)
	}
}
