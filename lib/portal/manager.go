package portal

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrCredentialsRejected is fatal, a rejected login is never retried.
	ErrCredentialsRejected = fmt.Errorf("the portal rejected the provided credentials")
	// ErrNotAuthenticated is returned by probes that resolve to a
	// served login page.
	ErrNotAuthenticated = fmt.Errorf("session is not authenticated")
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ManagerOptions struct {
	// GET, serves the sign-in form (and its anti-automation token)
	LoginPagePath string `json:"login_page_path"`
	// POST, receives the credential submission
	LoginSubmitPath string `json:"login_submit_path"`
	// GET, a protected page used to verify authentication
	ProbePath string `json:"probe_path"`
	// name of the hidden input carrying the anti-automation token
	TokenInput    string `json:"token_input"`
	UsernameField string `json:"username_field"`
	PasswordField string `json:"password_field"`
	// substrings of a rejected-credentials submission response
	RejectMarkers []string `json:"reject_markers"`
	// affirmative markers expected on an authenticated probe page
	SuccessMarkers []string `json:"success_markers"`
	Markers        Markers  `json:"markers"`
}

func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		LoginPagePath:   "/servlet/security/Login",
		LoginSubmitPath: "/servlet/security/Login",
		ProbePath:       "/servlet/catalog/Main",
		TokenInput:      "loginToken",
		UsernameField:   "userId",
		PasswordField:   "password",
		RejectMarkers: []string{
			"The user ID or password is incorrect",
		},
		SuccessMarkers: []string{
			"logout",
		},
		Markers: DefaultMarkers(),
	}
}

// Manager owns the Session: it performs login, validates a restored
// session against a protected page and re-authenticates on demand.
// Every state transition persists the session write-through.
type Manager struct {
	session *Session
	exec    *Executor
	creds   Credentials
	opts    ManagerOptions
}

func NewManager(session *Session, exec *Executor, creds Credentials, opts ManagerOptions) *Manager {
	return &Manager{
		session: session,
		exec:    exec,
		creds:   creds,
		opts:    opts,
	}
}

func (m *Manager) Session() *Session {
	return m.session
}

// Login establishes a fresh authenticated session: it scrapes the
// anti-automation token off the login form, submits credentials, then
// independently verifies success by probing a protected page. It
// succeeds only when the submission response and the probe agree. An
// inconclusive probe (ambiguous content) is a soft warning, login then
// proceeds on the strength of the submission response alone.
func (m *Manager) Login(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "manager:Login")
	defer span.End()

	token, err := m.fetchLoginToken(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch login form")
		return err
	}
	if token == "" {
		slog.WarnContext(ctx, "login form carried no token, submitting without one")
	}

	form := url.Values{}
	form.Set(m.opts.UsernameField, m.creds.Username)
	form.Set(m.opts.PasswordField, m.creds.Password)
	if token != "" {
		form.Set(m.opts.TokenInput, token)
	}

	res, err := m.exec.Execute(ctx, Request{
		URL:  m.opts.LoginSubmitPath,
		Form: form,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login submission failed")
		return err
	}

	body := string(res.Body)
	for _, marker := range m.opts.RejectMarkers {
		if marker != "" && strings.Contains(body, marker) {
			m.session.SetValidated(false)
			span.SetStatus(codes.Error, ErrCredentialsRejected.Error())
			return ErrCredentialsRejected
		}
	}

	probeRes, err := m.exec.Execute(ctx, Request{URL: m.opts.ProbePath})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "post-login probe failed")
		return err
	}

	switch m.opts.Markers.Classify(probeRes.Body, Identity{}) {
	case OutcomeSessionExpired:
		m.session.SetValidated(false)
		span.SetStatus(codes.Error, "probe resolved to a login page after submission")
		return fmt.Errorf("login submission accepted but probe was not authenticated: %w", ErrNotAuthenticated)
	case OutcomeSystemError:
		slog.WarnContext(ctx, "post-login probe was inconclusive, proceeding on the submission response")
	default:
		if !m.probeAffirms(probeRes.Body) {
			slog.WarnContext(ctx, "post-login probe lacked success markers, proceeding on the submission response")
		}
	}

	m.session.SetValidated(true)
	slog.InfoContext(ctx, "login established", "user", m.creds.Username)
	return nil
}

// ValidateExisting probes a protected page with the current session.
// It reports true only on an authenticated success classification; on
// anything else the session is marked invalid and must re-login.
func (m *Manager) ValidateExisting(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "manager:ValidateExisting")
	defer span.End()

	res, err := m.exec.Execute(ctx, Request{URL: m.opts.ProbePath})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe request failed")
		return false, err
	}

	outcome := m.opts.Markers.Classify(res.Body, Identity{})
	ok := (outcome == OutcomeSuccess || outcome == OutcomeNoResults) && m.probeAffirms(res.Body)

	m.session.SetValidated(ok)
	if !ok {
		slog.InfoContext(ctx, "restored session is no longer valid", "outcome", outcome.String())
	}
	return ok, nil
}

func (m *Manager) probeAffirms(body []byte) bool {
	if len(m.opts.SuccessMarkers) == 0 {
		return true
	}
	text := string(body)
	for _, marker := range m.opts.SuccessMarkers {
		if marker != "" && strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func (m *Manager) fetchLoginToken(ctx context.Context) (string, error) {
	res, err := m.exec.Execute(ctx, Request{URL: m.opts.LoginPagePath})
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}
	selector := fmt.Sprintf("input[name=%q]", m.opts.TokenInput)
	return doc.Find(selector).AttrOr("value", ""), nil
}
