// Package hl7 holds small helpers for the HL7-derived payloads stored in
// the warehouse.
//
// The interface engine (Mirth) stores OBX-5 observation results as one-level
// XML, e.g. <OBX.5><OBX.5.1>29</OBX.5.1></OBX.5>. Reports and the merge
// pipeline want the flattened text.
package hl7

import (
	"encoding/xml"
	"html"
	"strings"
)

// Delimiter joins the direct-children text values of a stripped element.
const Delimiter = "|"

type xmlNode struct {
	XMLName  xml.Name
	Text     string    `xml:",chardata"`
	Children []xmlNode `xml:",any"`
}

// StripXML removes the first-level XML tags from s, returning the direct
// children's text joined with Delimiter. Encoded HTML entities are decoded
// (`&gt;` becomes `>`). Empty input passes through untouched, as does input
// that fails to parse as XML (some feeds send plain text).
func StripXML(s string) string {
	if len(s) == 0 {
		return s
	}
	var root xmlNode
	if err := xml.Unmarshal([]byte(s), &root); err != nil {
		return html.UnescapeString(s)
	}
	parts := make([]string, 0, len(root.Children))
	for _, child := range root.Children {
		if text := child.Text; text != "" {
			parts = append(parts, text)
		}
	}
	return html.UnescapeString(strings.Join(parts, Delimiter))
}
