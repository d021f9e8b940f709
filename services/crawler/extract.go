package crawler

import (
	"bytes"
	"fmt"
	"strings"

	"catalogsync/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// TableExtractor reads the portal's HTML result tables row by row. The
// schedule and curriculum result pages share this shape: a header row
// of column names followed by one row per course section.
type TableExtractor struct {
	// selector matching the result table
	Table string
	// indexes of the cells joined to form a record's natural key
	KeyColumns []int
}

// NewScheduleExtractor extracts class-schedule rows, keyed by subject
// code and section number.
func NewScheduleExtractor() TableExtractor {
	return TableExtractor{
		Table:      "table.tbl_result",
		KeyColumns: []int{0, 1},
	}
}

func (e TableExtractor) Extract(target Target, body []byte) ([]Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse result page: %w", err)
	}

	table := doc.Find(e.Table).First()
	if len(table.Nodes) == 0 {
		return nil, fmt.Errorf("result table %q not found", e.Table)
	}

	var headers []string
	table.Find("th").Each(func(_ int, th *goquery.Selection) {
		headers = append(headers, cellText(th))
	})

	var records []Record
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if len(cells.Nodes) == 0 {
			return
		}

		fields := map[string]string{}
		values := make([]string, len(cells.Nodes))
		cells.Each(func(i int, td *goquery.Selection) {
			value := cellText(td)
			values[i] = value
			if i < len(headers) && headers[i] != "" {
				fields[headers[i]] = value
			} else {
				fields[fmt.Sprintf("col%d", i)] = value
			}
		})

		var keyParts []string
		for _, idx := range e.KeyColumns {
			if idx < len(values) && values[idx] != "" {
				keyParts = append(keyParts, values[idx])
			}
		}
		if len(keyParts) == 0 {
			return
		}

		records = append(records, Record{
			Epoch:  target.Epoch,
			Entity: target.Entity,
			Key:    strings.Join(keyParts, "-"),
			Fields: fields,
		})
	})

	return records, nil
}

func cellText(sel *goquery.Selection) string {
	if len(sel.Nodes) == 0 {
		return ""
	}
	return htmlutil.CleanText(htmlutil.GetText(sel.Nodes[0]))
}
