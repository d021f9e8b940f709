package portal

import (
	"bytes"
	"context"
	"fmt"

	"catalogsync/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

// DiscoverSelect fetches a page and reads the options of one of its
// <select> elements. The probe page exposes the available crawl epochs
// (terms) and entities (departments, programs) this way.
func (m *Manager) DiscoverSelect(ctx context.Context, path, selector string) ([]htmlutil.Option, error) {
	ctx, span := tracer.Start(ctx, "manager:DiscoverSelect")
	defer span.End()

	res, err := m.exec.Execute(ctx, Request{URL: path})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery fetch failed")
		return nil, err
	}

	switch outcome := m.opts.Markers.Classify(res.Body, Identity{}); outcome {
	case OutcomeSessionExpired:
		return nil, ErrNotAuthenticated
	case OutcomeSystemError:
		return nil, fmt.Errorf("discovery page classified as %s", outcome)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse discovery page")
		return nil, err
	}

	options := htmlutil.GetOptions(doc.Find(selector))
	if len(options) == 0 {
		return nil, fmt.Errorf("no options found under %q", selector)
	}
	return options, nil
}
