// Package docnumber renders human readable document numbers from numbering
// scheme templates.
//
// A template mixes literal text with directives:
//
//	%N      sequence value
//	%4N     sequence value zero padded to 4 digits
//	%I      extended number part, always empty
//	%Y %y   four and two digit year
//	%m %d   month and day of month
//	%j      day of year
//	%H %M %S hour, minute, second
//	%%      literal percent sign
//
// Unknown directives are copied verbatim.
package docnumber

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTemplate applies when a scheme carries an empty template.
const DefaultTemplate = "%N/LMS/%Y"

// Format renders template for the given sequence value and date.
func Format(template string, sequence int64, at time.Time) string {
	if template == "" {
		template = DefaultTemplate
	}
	if sequence <= 0 {
		sequence = 1
	}
	var b strings.Builder
	b.Grow(len(template) + 8)
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i == len(template)-1 {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(template) && template[j] >= '0' && template[j] <= '9' {
			j++
		}
		if j == len(template) {
			b.WriteString(template[i:])
			break
		}
		width := template[i+1 : j]
		verb := template[j]
		if width != "" && verb != 'N' {
			b.WriteString(template[i : j+1])
			i = j
			continue
		}
		switch verb {
		case 'N':
			if width == "" {
				b.WriteString(strconv.FormatInt(sequence, 10))
			} else {
				w, _ := strconv.Atoi(width)
				b.WriteString(fmt.Sprintf("%0*d", w, sequence))
			}
		case 'I':
			// batch invoices carry no extended number
		case 'Y':
			b.WriteString(at.Format("2006"))
		case 'y':
			b.WriteString(at.Format("06"))
		case 'm':
			b.WriteString(at.Format("01"))
		case 'd':
			b.WriteString(at.Format("02"))
		case 'j':
			b.WriteString(fmt.Sprintf("%03d", at.YearDay()))
		case 'H':
			b.WriteString(at.Format("15"))
		case 'M':
			b.WriteString(at.Format("04"))
		case 'S':
			b.WriteString(at.Format("05"))
		case '%':
			b.WriteByte('%')
		default:
			b.WriteString(template[i : j+1])
		}
		i = j
	}
	return b.String()
}
