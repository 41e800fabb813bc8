package logstore

import (
	"regexp"
	"sort"
	"strings"
)

// Selector renders labels as an exact-match stream selector, keys sorted for
// a stable form.
func Selector(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(labels[k])
		b.WriteString(`"`)
	}
	b.WriteByte('}')
	return b.String()
}

// SelectorIn renders base as exact matches plus one regex-alternation match
// on key for the given values. Values are regex-quoted.
func SelectorIn(base map[string]string, key string, values []string) string {
	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, regexp.QuoteMeta(v))
	}
	sort.Strings(quoted)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(base[k])
		b.WriteString(`"`)
	}
	if len(quoted) > 0 {
		if len(keys) > 0 {
			b.WriteString(", ")
		}
		b.WriteString(key)
		b.WriteString(`=~"`)
		b.WriteString(strings.Join(quoted, "|"))
		b.WriteString(`"`)
	}
	b.WriteByte('}')
	return b.String()
}
