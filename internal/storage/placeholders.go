package storage

import (
	"strconv"
	"strings"
)

// RewritePlaceholders translates the public $1,$2,… placeholder convention
// into SQLite's numbered ?N form. Text inside single-quoted string literals
// is left untouched. PostgreSQL understands $N natively, so its backend does
// not call this.
func RewritePlaceholders(sqlText string) string {
	var b strings.Builder
	b.Grow(len(sqlText))

	inString := false
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]

		if c == '\'' {
			// A doubled quote inside a literal is an escaped quote, not a
			// terminator.
			if inString && i+1 < len(sqlText) && sqlText[i+1] == '\'' {
				b.WriteString("''")
				i++
				continue
			}
			inString = !inString
			b.WriteByte(c)
			continue
		}

		if c == '$' && !inString {
			j := i + 1
			for j < len(sqlText) && sqlText[j] >= '0' && sqlText[j] <= '9' {
				j++
			}
			if j > i+1 {
				n, _ := strconv.Atoi(sqlText[i+1 : j])
				b.WriteByte('?')
				b.WriteString(strconv.Itoa(n))
				i = j - 1
				continue
			}
		}

		b.WriteByte(c)
	}

	return b.String()
}
