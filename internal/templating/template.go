// Package templating substitutes @Name tokens in text templates.
//
// A token is "@" followed by word characters. "@@Name" and a lone "@" are
// left alone, as are tokens without a value.
package templating

import (
	"fmt"
	"regexp"
	"strings"
)

var propertyRegex = regexp.MustCompile(`(?m)(?:[^@]|^)(@(\w+))`)

// Property is one token found in a template.
type Property struct {
	Raw    string // "@Url"
	Name   string // "Url"
	Index  int    // byte offset of Raw
	Length int
}

// Properties returns the tokens of tpl in order of appearance.
func Properties(tpl string) []Property {
	matches := propertyRegex.FindAllStringSubmatchIndex(tpl, -1)
	props := make([]Property, 0, len(matches))
	for _, m := range matches {
		props = append(props, Property{
			Raw:    tpl[m[2]:m[3]],
			Name:   tpl[m[4]:m[5]],
			Index:  m[2],
			Length: m[3] - m[2],
		})
	}
	return props
}

// Render replaces every token of tpl that has an entry in values.
func Render(tpl string, values map[string]any) string {
	var b strings.Builder
	b.Grow(len(tpl))

	last := 0
	for _, p := range Properties(tpl) {
		b.WriteString(tpl[last:p.Index])
		if v, ok := values[p.Name]; ok {
			fmt.Fprint(&b, v)
		} else {
			b.WriteString(p.Raw)
		}
		last = p.Index + p.Length
	}
	b.WriteString(tpl[last:])
	return b.String()
}
