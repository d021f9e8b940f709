package portal

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Outcome is the closed set of things a portal response can turn out to
// be. New failure modes are additions here, not string checks scattered
// through the codebase.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNoResults
	OutcomeSessionExpired
	OutcomeSystemError
	OutcomeVersionMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoResults:
		return "no_results"
	case OutcomeSessionExpired:
		return "session_expired"
	case OutcomeSystemError:
		return "system_error"
	case OutcomeVersionMismatch:
		return "version_mismatch"
	}
	return "unknown"
}

// Identity names what a query response is expected to be about. Version
// is only set for entity-scoped fetches that embed the served entity's
// version in the document.
type Identity struct {
	Entity  string
	Version string
}

// Markers holds the sentinel content of the portal's known page kinds.
// The zero value classifies everything as success, use DefaultMarkers
// or configure explicitly.
type Markers struct {
	// substrings of the backend's generic "cannot process request" page
	SystemError []string `json:"system_error"`
	// substrings that identify a served login page (sign-in form,
	// login endpoint references)
	Login []string `json:"login"`
	// css selector matching the sign-in form, checked in addition to
	// the Login substrings
	LoginForm string `json:"login_form"`
	// substrings of the explicit "no results" sentinel
	NoResults []string `json:"no_results"`
	// css selector of the element embedding the served entity version
	VersionSelector string `json:"version_selector"`
	// attribute carrying the version on the selected element, the
	// element text is used when empty
	VersionAttr string `json:"version_attr"`
}

func DefaultMarkers() Markers {
	return Markers{
		SystemError: []string{
			"The system cannot process your request",
			"An error occurred while processing your request",
		},
		Login: []string{
			"/servlet/security/Login",
			"name=\"loginForm\"",
		},
		LoginForm: `form[name="loginForm"]`,
		NoResults: []string{
			"No matching records were found",
		},
		VersionSelector: `input[name="curiVersion"]`,
		VersionAttr:     "value",
	}
}

// Classify inspects a response body and assigns exactly one outcome.
// The precedence is fixed: system-error before login markers before the
// no-results sentinel before the version check. An error page that
// happens to embed login-like text must stay a system error, and a
// served login page must never be mistaken for cross-talk.
func (m Markers) Classify(body []byte, want Identity) Outcome {
	text := string(body)

	for _, marker := range m.SystemError {
		if marker != "" && strings.Contains(text, marker) {
			return OutcomeSystemError
		}
	}

	doc, docErr := goquery.NewDocumentFromReader(bytes.NewReader(body))

	for _, marker := range m.Login {
		if marker != "" && strings.Contains(text, marker) {
			return OutcomeSessionExpired
		}
	}
	if m.LoginForm != "" && docErr == nil {
		if len(doc.Find(m.LoginForm).Nodes) > 0 {
			return OutcomeSessionExpired
		}
	}

	for _, marker := range m.NoResults {
		if marker != "" && strings.Contains(text, marker) {
			return OutcomeNoResults
		}
	}

	// absence of a version marker on either side is not evidence of
	// cross-talk, only two present-and-different versions are
	if want.Version != "" && m.VersionSelector != "" && docErr == nil {
		embedded := m.embeddedVersion(doc)
		if embedded != "" && embedded != want.Version {
			return OutcomeVersionMismatch
		}
	}

	return OutcomeSuccess
}

func (m Markers) embeddedVersion(doc *goquery.Document) string {
	node := doc.Find(m.VersionSelector).First()
	if len(node.Nodes) == 0 {
		return ""
	}
	if m.VersionAttr != "" {
		return strings.TrimSpace(node.AttrOr(m.VersionAttr, ""))
	}
	return strings.TrimSpace(node.Text())
}
