package appconfig

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const indentUnit = "  "

var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Bytes renders the document in its on-disk form:
// module.exports = <object literal>
func (d *Document) Bytes() []byte {
	var b strings.Builder
	b.WriteString("module.exports = ")
	writeValue(&b, d.Root, 0)
	b.WriteString("\n")
	return []byte(b.String())
}

func writeValue(b *strings.Builder, value any, depth int) {
	switch v := value.(type) {
	case nil:
		b.WriteString("null")
	case undefinedValue:
		b.WriteString("undefined")
	case bool:
		b.WriteString(strconv.FormatBool(v))
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
	case float64:
		writeNumber(b, v)
	case string:
		b.WriteString(quote(v))
	case []any:
		if len(v) == 0 {
			b.WriteString("[]")
			return
		}
		b.WriteString("[\n")
		for i, item := range v {
			b.WriteString(strings.Repeat(indentUnit, depth+1))
			writeValue(b, item, depth+1)
			if i < len(v)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(strings.Repeat(indentUnit, depth))
		b.WriteString("]")
	case *Object:
		if len(v.keys) == 0 {
			b.WriteString("{}")
			return
		}
		b.WriteString("{\n")
		for i, key := range v.keys {
			b.WriteString(strings.Repeat(indentUnit, depth+1))
			b.WriteString(formatKey(key))
			b.WriteString(": ")
			writeValue(b, v.values[key], depth+1)
			if i < len(v.keys)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(strings.Repeat(indentUnit, depth))
		b.WriteString("}")
	default:
		// Only reachable when callers put foreign types into the tree
		b.WriteString(quote(fmt.Sprint(v)))
	}
}

func writeNumber(b *strings.Builder, f float64) {
	switch {
	case math.IsNaN(f):
		b.WriteString("NaN")
	case math.IsInf(f, 1):
		b.WriteString("Infinity")
	case math.IsInf(f, -1):
		b.WriteString("-Infinity")
	default:
		b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	}
}

func formatKey(key string) string {
	if identifierPattern.MatchString(key) {
		return key
	}
	return quote(key)
}

// quote produces a single-quoted JavaScript string literal
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r == 0x2028 || r == 0x2029 {
				fmt.Fprintf(&b, `\u%04x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
