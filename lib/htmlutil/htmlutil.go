package htmlutil

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var anyWhitespace = regexp.MustCompile(`\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText collapses whitespace and strips non-printable runes from
// scraped cell/option text. Whitespace is collapsed before the
// non-printable pass so newline-separated words keep their spacing.
func CleanText(s string) string {
	s = anyWhitespace.ReplaceAllString(s, " ")
	s = removeNonPrintable(s)
	return strings.Trim(s, " ")
}

type Option struct {
	Value string
	Label string
}

// GetOptions reads the <option> children of a selection (usually a
// single <select> element). Options without a value attribute or with a
// placeholder empty value are skipped.
func GetOptions(sel *goquery.Selection) []Option {
	var options []Option
	sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
		value := opt.AttrOr("value", "")
		if value == "" || len(opt.Nodes) == 0 {
			return
		}
		options = append(options, Option{
			Value: value,
			Label: CleanText(GetText(opt.Nodes[0])),
		})
	})
	return options
}
