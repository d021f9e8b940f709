package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"catalogsync/lib/portal"
	"catalogsync/lib/telemetry"

	"github.com/stretchr/testify/require"
)

const (
	successPage = `<html><body><table class="tbl_result">
		<tr><th>Subject</th><th>Section</th><th>Title</th></tr>
		<tr><td>MATH101</td><td>01</td><td>Calculus I</td></tr>
		<tr><td>MATH102</td><td>01</td><td>Calculus II</td></tr>
	</table></body></html>`
	emptyPage  = `<html><body>No matching records were found.</body></html>`
	loginPage  = `<html><body><form name="loginForm" action="/servlet/security/Login"></form></body></html>`
	brokenPage = `<html><body>The system cannot process your request.</body></html>`
)

// scriptedFetcher serves a fixed sequence of responses per entity and
// records every request it sees.
type scriptedFetcher struct {
	mu       sync.Mutex
	scripts  map[string][]string
	requests map[string]int
	err      error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts:  map[string][]string{},
		requests: map[string]int{},
	}
}

func (f *scriptedFetcher) script(entity string, pages ...string) {
	f.scripts[entity] = pages
}

func (f *scriptedFetcher) Execute(ctx context.Context, req portal.Request) (*portal.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	entity := req.Form.Get("deptCode")
	n := f.requests[entity]
	f.requests[entity] = n + 1

	pages := f.scripts[entity]
	if len(pages) == 0 {
		return &portal.Response{StatusCode: 200, Body: []byte(successPage)}, nil
	}
	if n >= len(pages) {
		// keep serving the last page once the script runs out
		n = len(pages) - 1
	}
	return &portal.Response{StatusCode: 200, Body: []byte(pages[n])}, nil
}

func (f *scriptedFetcher) attempts(entity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[entity]
}

type fakeAuth struct {
	mu     sync.Mutex
	logins int
	err    error
}

func (a *fakeAuth) Login(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logins++
	return a.err
}

func (a *fakeAuth) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins
}

func testOptions(t *testing.T) Options {
	t.Cleanup(telemetry.SetupForTesting(t, "crawler"))
	return Options{
		QueryPath:   "/servlet/catalog/ScheduleQuery",
		EpochField:  "termCode",
		EntityField: "deptCode",
		BatchSize:   2,
		Concurrency: 2,
		BatchDelay:  time.Millisecond,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Markers: portal.Markers{
			SystemError: []string{"The system cannot process your request"},
			Login:       []string{"loginForm"},
			NoResults:   []string{"No matching records were found"},
		},
	}
}

func targetsFor(epoch string, entities ...string) []Target {
	targets := make([]Target, len(entities))
	for i, entity := range entities {
		targets[i] = Target{Epoch: epoch, Entity: entity}
	}
	return targets
}

func TestRunAggregatesRecords(t *testing.T) {
	fetch := newScriptedFetcher()
	auth := &fakeAuth{}
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), testOptions(t))

	result, err := o.Run(context.Background(), targetsFor("20241", "MATH", "PHYS", "CHEM", "BIO", "CS"))
	require.NoError(t, err)
	require.False(t, result.Aborted)
	require.Equal(t, 5, result.Succeeded)
	require.Zero(t, result.Failed)
	require.Len(t, result.Records, 10)

	for _, record := range result.Records {
		require.Equal(t, "20241", record.Epoch)
		require.NotEmpty(t, record.Entity)
		require.NotEmpty(t, record.Key)
	}
}

func TestRunCanaryAbortsOnFailure(t *testing.T) {
	fetch := newScriptedFetcher()
	fetch.script("MATH", brokenPage)
	auth := &fakeAuth{}
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), testOptions(t))

	result, err := o.Run(context.Background(), targetsFor("20241", "MATH", "PHYS", "CHEM"))
	require.NoError(t, err)
	require.True(t, result.Aborted)
	require.Empty(t, result.Records)
	// no attempt is made on the remaining targets
	require.Zero(t, fetch.attempts("PHYS"))
	require.Zero(t, fetch.attempts("CHEM"))
}

func TestRunCanaryAbortsOnEmpty(t *testing.T) {
	fetch := newScriptedFetcher()
	fetch.script("MATH", emptyPage)
	auth := &fakeAuth{}
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), testOptions(t))

	result, err := o.Run(context.Background(), targetsFor("20241", "MATH", "PHYS"))
	require.NoError(t, err)
	require.True(t, result.Aborted)
	require.Empty(t, result.Records)
	require.Zero(t, fetch.attempts("PHYS"))
}

func TestRetryBudgetSessionExpired(t *testing.T) {
	fetch := newScriptedFetcher()
	fetch.script("MATH", loginPage)
	auth := &fakeAuth{}
	opts := testOptions(t)
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), opts)

	result, err := o.crawlTarget(context.Background(), Target{Epoch: "20241", Entity: "MATH"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.ErrorIs(t, result.Err, ErrSessionExpired)
	// attempted exactly MaxAttempts times, re-login between attempts
	// but not after the last one
	require.Equal(t, opts.MaxAttempts, result.Attempts)
	require.Equal(t, opts.MaxAttempts, fetch.attempts("MATH"))
	require.Equal(t, opts.MaxAttempts-1, auth.count())
}

func TestRetryBudgetSystemError(t *testing.T) {
	fetch := newScriptedFetcher()
	fetch.script("MATH", brokenPage)
	auth := &fakeAuth{}
	opts := testOptions(t)
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), opts)

	result, err := o.crawlTarget(context.Background(), Target{Epoch: "20241", Entity: "MATH"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.ErrorIs(t, result.Err, ErrBackendUnavailable)
	require.Equal(t, opts.MaxAttempts, result.Attempts)
	require.Zero(t, auth.count())
}

func TestSessionExpiredRecovers(t *testing.T) {
	fetch := newScriptedFetcher()
	fetch.script("MATH", loginPage, successPage)
	auth := &fakeAuth{}
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), testOptions(t))

	result, err := o.crawlTarget(context.Background(), Target{Epoch: "20241", Entity: "MATH"})
	require.NoError(t, err)
	require.Equal(t, StatusDone, result.Status)
	require.Equal(t, 2, result.Attempts)
	require.Equal(t, 1, auth.count())
	require.Len(t, result.Records, 2)
}

func TestVersionMismatchRetriesWithoutBackoff(t *testing.T) {
	mismatch := `<html><body><input name="curiVersion" value="2019"/><table class="tbl_result"><tr><td>x</td></tr></table></body></html>`
	match := `<html><body><input name="curiVersion" value="2024"/><table class="tbl_result">
		<tr><th>Subject</th><th>Section</th></tr>
		<tr><td>CS101</td><td>01</td></tr>
	</table></body></html>`

	fetch := newScriptedFetcher()
	fetch.script("CS", mismatch, match)
	auth := &fakeAuth{}
	opts := testOptions(t)
	opts.Backoff = time.Minute
	opts.Markers.VersionSelector = `input[name="curiVersion"]`
	opts.Markers.VersionAttr = "value"
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), opts)

	start := time.Now()
	result, err := o.crawlTarget(context.Background(), Target{
		Epoch: "20241", Entity: "CS", Version: "2024",
	})
	require.NoError(t, err)
	require.Equal(t, StatusDone, result.Status)
	require.Equal(t, 2, result.Attempts)
	require.Len(t, result.Records, 1)
	// no backoff was applied on the mismatch retry
	require.Less(t, time.Since(start), opts.Backoff)
}

func TestPersistentVersionMismatchNeverMergesRecords(t *testing.T) {
	mismatch := `<html><body><input name="curiVersion" value="2019"/><table class="tbl_result">
		<tr><th>Subject</th><th>Section</th></tr>
		<tr><td>WRONG1</td><td>01</td></tr>
	</table></body></html>`

	fetch := newScriptedFetcher()
	fetch.script("CS", mismatch)
	auth := &fakeAuth{}
	opts := testOptions(t)
	opts.Markers.VersionSelector = `input[name="curiVersion"]`
	opts.Markers.VersionAttr = "value"
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), opts)

	result, err := o.crawlTarget(context.Background(), Target{
		Epoch: "20241", Entity: "CS", Version: "2024",
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.ErrorIs(t, result.Err, ErrVersionMismatch)
	// the wrong entity's rows must never contaminate the aggregate
	require.Empty(t, result.Records)
}

func TestFailedTargetDoesNotBlockSiblings(t *testing.T) {
	fetch := newScriptedFetcher()
	fetch.script("PHYS", brokenPage)
	auth := &fakeAuth{}
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), testOptions(t))

	result, err := o.Run(context.Background(), targetsFor("20241", "MATH", "PHYS", "CHEM", "BIO"))
	require.NoError(t, err)
	require.False(t, result.Aborted)
	require.Equal(t, 3, result.Succeeded)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Records, 6)
	require.Equal(t, 1, fetch.attempts("CHEM"))
	require.Equal(t, 1, fetch.attempts("BIO"))
}

func TestNoResultsIsEmptyNotFailed(t *testing.T) {
	fetch := newScriptedFetcher()
	fetch.script("PHYS", emptyPage)
	auth := &fakeAuth{}
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), testOptions(t))

	result, err := o.Run(context.Background(), targetsFor("20241", "MATH", "PHYS"))
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 1, result.Empty)
	require.Zero(t, result.Failed)
	// an empty target consumes exactly one attempt
	require.Equal(t, 1, fetch.attempts("PHYS"))
}

func TestRejectedReloginIsFatal(t *testing.T) {
	fetch := newScriptedFetcher()
	fetch.script("MATH", successPage)
	fetch.script("PHYS", loginPage)
	auth := &fakeAuth{err: portal.ErrCredentialsRejected}
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), testOptions(t))

	_, err := o.Run(context.Background(), targetsFor("20241", "MATH", "PHYS", "CHEM"))
	require.ErrorIs(t, err, portal.ErrCredentialsRejected)
}

func TestTransientErrorsConsumeBudget(t *testing.T) {
	fetch := newScriptedFetcher()
	fetch.err = fmt.Errorf("%w: connection refused", errTransient)
	auth := &fakeAuth{}
	opts := testOptions(t)
	o := NewOrchestrator(fetch, auth, NewScheduleExtractor(), opts)

	result, err := o.crawlTarget(context.Background(), Target{Epoch: "20241", Entity: "MATH"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, opts.MaxAttempts, result.Attempts)
	require.ErrorIs(t, result.Err, errTransient)
}

var errTransient = errors.New("transient network error")

func TestBuildRequest(t *testing.T) {
	o := NewOrchestrator(newScriptedFetcher(), &fakeAuth{}, NewScheduleExtractor(), testOptions(t))

	params := url.Values{}
	params.Set("campus", "MAIN")
	req := o.buildRequest(Target{Epoch: "20241", Entity: "MATH", Params: params})

	require.Equal(t, "/servlet/catalog/ScheduleQuery", req.URL)
	require.Equal(t, "20241", req.Form.Get("termCode"))
	require.Equal(t, "MATH", req.Form.Get("deptCode"))
	require.Equal(t, "MAIN", req.Form.Get("campus"))
}
