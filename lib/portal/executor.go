package portal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"catalogsync/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("lib/portal")

var (
	// ErrTimeout marks a request that ran out its bounded time budget,
	// distinct from HTTP-level errors.
	ErrTimeout = errors.New("request timed out")
	// ErrTooManyRedirects marks a redirect chain that exceeded the hop
	// limit, which usually means a redirect loop.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// redirect chains on the portal are one or two hops deep in practice
const maxRedirectHops = 5

type ExecutorOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Executor performs single HTTP exchanges against the portal using the
// shared Session's cookie state. Redirects are followed manually so
// every hop's session-affecting headers get merged, and so the chain is
// bounded. The executor never inspects body content, classification is
// the caller's job.
type Executor struct {
	session *Session
	http    *resty.Client
	base    *url.URL
	timeout time.Duration
}

func NewExecutor(session *Session, opts ExecutorOptions) (*Executor, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second * 30
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseURL)
	// the session owns all cookie state, resty must not keep its own
	client.SetCookieJar(nil)
	// redirects are followed manually so every hop's session headers
	// get merged, ErrUseLastResponse hands the 3xx back untouched
	client.GetClient().CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	client.SetHeader("user-agent", opts.UserAgent)
	client.SetTimeout(opts.Timeout)

	telemetry.InstrumentResty(client, "portal/http")

	return &Executor{
		session: session,
		http:    client,
		base:    base,
		timeout: opts.Timeout,
	}, nil
}

func (e *Executor) Session() *Session {
	return e.session
}

type Request struct {
	// defaults to GET, or POST when Form is set
	Method string
	// absolute or relative to the executor's base url
	URL   string
	Query url.Values
	Form  url.Values
}

type Response struct {
	StatusCode int
	Body       []byte
	FinalURL   string
}

// Execute performs the exchange, merging every hop's cookies into the
// session and following redirects against the Location target with the
// same session state.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "executor:Execute")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ref, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	target := e.base.ResolveReference(ref)

	method := req.Method
	if method == "" {
		method = http.MethodGet
		if len(req.Form) > 0 {
			method = http.MethodPost
		}
	}

	span.SetAttributes(
		attribute.String("url", target.String()),
		attribute.String("method", method),
	)

	for hop := 0; hop <= maxRedirectHops; hop++ {
		r := e.http.R().
			SetContext(ctx).
			SetCookies(e.session.CookiesFor(target.Hostname()))
		if hop == 0 {
			if len(req.Query) > 0 {
				r.SetQueryParamsFromValues(req.Query)
			}
			if len(req.Form) > 0 {
				r.SetFormDataFromValues(req.Form)
			}
		}

		res, err := r.Execute(method, target.String())
		if err != nil {
			err = wrapTransportError(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "exchange failed")
			return nil, err
		}

		e.session.MergeCookies(target.Hostname(), res.Cookies())

		status := res.StatusCode()
		if status >= 300 && status < 400 {
			location := res.Header().Get("Location")
			if location == "" {
				return &Response{
					StatusCode: status,
					Body:       res.Body(),
					FinalURL:   target.String(),
				}, nil
			}
			next, err := url.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("parse redirect location: %w", err)
			}
			target = target.ResolveReference(next)
			// the portal's redirects land on plain pages
			method = http.MethodGet
			span.AddEvent("redirect", oteltrace.WithAttributes(
				attribute.String("location", target.String()),
				attribute.Int("hop", hop),
			))
			continue
		}

		return &Response{
			StatusCode: status,
			Body:       res.Body(),
			FinalURL:   target.String(),
		}, nil
	}

	span.SetStatus(codes.Error, ErrTooManyRedirects.Error())
	return nil, fmt.Errorf("%w: %s", ErrTooManyRedirects, target.String())
}

func wrapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
