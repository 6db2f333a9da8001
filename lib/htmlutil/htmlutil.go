package htmlutil

import (
	"bytes"

	"dataharvest/lib/textutil"

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

// CellText extracts the text content of a selection and canonicalizes
// it with textutil.CleanCell. Server-rendered consulta tables pad cell
// text with layout whitespace, so raw .Text() output is never compared
// directly.
func CellText(sel *goquery.Selection) string {
	var buffer bytes.Buffer
	for _, n := range sel.Nodes {
		buffer.WriteString(GetText(n))
	}
	return textutil.CleanCell(buffer.String())
}
