package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"catalogsync/lib/telemetry"

	"github.com/stretchr/testify/require"
)

// fakePortal mimics the course portal's login flow: a sign-in form with
// a hidden token, a credential submission endpoint and a protected
// probe page.
type fakePortal struct {
	username string
	password string
	token    string

	loggedIn bool
	// serve the generic error page on the next probe
	probeBroken bool
}

const (
	loginPage = `<html><body>
		<form name="loginForm" action="/servlet/security/Login" method="post">
			<input type="hidden" name="loginToken" value="%s"/>
			<input name="userId"/><input name="password" type="password"/>
		</form>
	</body></html>`
	mainPage   = `<html><body><a href="/logout">logout</a><select name="termCode"><option value="20241">2024-1</option><option value="20242">2024-2</option></select><select name="deptCode"><option value="MATH">Mathematics</option><option value="PHYS">Physics</option></select></body></html>`
	rejectPage = `<html><body>The user ID or password is incorrect.</body></html>`
	errorPage  = `<html><body>The system cannot process your request.</body></html>`
)

func (p *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servlet/security/Login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, loginPage, p.token)
	})
	mux.HandleFunc("POST /servlet/security/Login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostFormValue("loginToken") != p.token ||
			r.PostFormValue("userId") != p.username ||
			r.PostFormValue("password") != p.password {
			fmt.Fprint(w, rejectPage)
			return
		}
		p.loggedIn = true
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "authenticated"})
		http.Redirect(w, r, "/servlet/catalog/Main", http.StatusFound)
	})
	mux.HandleFunc("/servlet/catalog/Main", func(w http.ResponseWriter, r *http.Request) {
		if p.probeBroken {
			fmt.Fprint(w, errorPage)
			return
		}
		c, err := r.Cookie("JSESSIONID")
		if err != nil || c.Value != "authenticated" || !p.loggedIn {
			fmt.Fprintf(w, loginPage, p.token)
			return
		}
		fmt.Fprint(w, mainPage)
	})
	return mux
}

func setupManager(t *testing.T, p *fakePortal) *Manager {
	t.Cleanup(telemetry.SetupForTesting(t, "portal"))
	server := httptest.NewServer(p.handler())
	t.Cleanup(server.Close)

	session := NewSession(nil)
	exec, err := NewExecutor(session, ExecutorOptions{BaseURL: server.URL})
	require.NoError(t, err)

	creds := Credentials{Username: p.username, Password: p.password}
	return NewManager(session, exec, creds, DefaultManagerOptions())
}

func TestLogin(t *testing.T) {
	p := &fakePortal{username: "student", password: "hunter2", token: "tok123"}
	m := setupManager(t, p)

	err := m.Login(context.Background())
	require.NoError(t, err)
	require.True(t, m.Session().Validated())
}

func TestLoginRejectedCredentials(t *testing.T) {
	p := &fakePortal{username: "student", password: "hunter2", token: "tok123"}
	m := setupManager(t, p)
	m.creds.Password = "wrong"

	err := m.Login(context.Background())
	require.ErrorIs(t, err, ErrCredentialsRejected)
	require.False(t, m.Session().Validated())
}

func TestLoginRejectionWithBrokenStore(t *testing.T) {
	// the rejection must be reported and the in-memory session marked
	// invalid even when the snapshot cannot be written
	p := &fakePortal{username: "student", password: "hunter2", token: "tok123"}
	server := httptest.NewServer(p.handler())
	t.Cleanup(server.Close)

	session := NewSession(failingStore{})
	exec, err := NewExecutor(session, ExecutorOptions{BaseURL: server.URL})
	require.NoError(t, err)
	creds := Credentials{Username: "student", Password: "wrong"}
	m := NewManager(session, exec, creds, DefaultManagerOptions())

	err = m.Login(context.Background())
	require.ErrorIs(t, err, ErrCredentialsRejected)
	require.False(t, m.Session().Validated())
}

func TestLoginProceedsOnInconclusiveProbe(t *testing.T) {
	// the submission succeeds but the probe serves the generic error
	// page: inconclusive, login proceeds on the submission response
	p := &fakePortal{username: "student", password: "hunter2", token: "tok123"}
	m := setupManager(t, p)
	p.probeBroken = true

	err := m.Login(context.Background())
	require.NoError(t, err)
	require.True(t, m.Session().Validated())
}

func TestValidateExisting(t *testing.T) {
	p := &fakePortal{username: "student", password: "hunter2", token: "tok123"}
	m := setupManager(t, p)

	// nothing restored yet, the probe serves a login page
	ok, err := m.ValidateExisting(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, m.Session().Validated())

	err = m.Login(context.Background())
	require.NoError(t, err)

	ok, err = m.ValidateExisting(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.Session().Validated())
}

func TestDiscoverSelect(t *testing.T) {
	p := &fakePortal{username: "student", password: "hunter2", token: "tok123"}
	m := setupManager(t, p)

	require.NoError(t, m.Login(context.Background()))

	terms, err := m.DiscoverSelect(context.Background(), "/servlet/catalog/Main", `select[name="termCode"]`)
	require.NoError(t, err)
	require.Len(t, terms, 2)
	require.Equal(t, "20241", terms[0].Value)
	require.Equal(t, "2024-1", terms[0].Label)

	departments, err := m.DiscoverSelect(context.Background(), "/servlet/catalog/Main", `select[name="deptCode"]`)
	require.NoError(t, err)
	require.Len(t, departments, 2)
	require.Equal(t, "MATH", departments[0].Value)
}

func TestDiscoverSelectUnauthenticated(t *testing.T) {
	p := &fakePortal{username: "student", password: "hunter2", token: "tok123"}
	m := setupManager(t, p)

	_, err := m.DiscoverSelect(context.Background(), "/servlet/catalog/Main", `select[name="termCode"]`)
	require.ErrorIs(t, err, ErrNotAuthenticated)
}
