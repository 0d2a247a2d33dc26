package alertserver

import (
	"fmt"
	"strings"
)

// FormatRow renders columns in a stable order as a tab-delimited text row
// prefixed by label, the wire format alert subscribers parse. Grounded on
// tuple_formatter.c's tf_write_tuple_slot / tf_write_one_row: a label
// column followed by one tab-delimited, backslash-escaped value per
// attribute, with SQL NULL written as "\N".
func FormatRow(label string, columns []string, row map[string]any) string {
	var b strings.Builder
	b.WriteString(label)

	for _, col := range columns {
		b.WriteByte('\t')
		v, ok := row[col]
		if !ok || v == nil {
			b.WriteString(`\N`)
			continue
		}
		writeEscaped(&b, toText(v))
	}
	return b.String()
}

func toText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// writeEscaped backslash-escapes control characters and the tab delimiter
// the same way tf_write_attribute_out_text does for its text output
// format, so a value can never be mistaken for a field boundary.
func writeEscaped(b *strings.Builder, s string) {
	for _, c := range s {
		switch c {
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\v':
			b.WriteString(`\v`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(c)
		}
	}
}
