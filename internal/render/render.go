// Package render personalizes broadcast templates with product fields.
package render

import (
	"regexp"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"livecast/internal/model"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)

	brl = message.NewPrinter(language.BrazilianPortuguese)
)

// Placeholder names; merchants write the Portuguese ones, English aliases are accepted.
var aliases = map[string]string{
	"codigo":  "code",
	"code":    "code",
	"nome":    "name",
	"name":    "name",
	"valor":   "price",
	"preco":   "price",
	"price":   "price",
	"cor":     "color",
	"color":   "color",
	"tamanho": "size",
	"size":    "size",
}

// optional fields drop their whole line when empty.
var optional = map[string]bool{"color": true, "size": true}

// Price formats v as Brazilian real, e.g. 19.9 -> "R$ 19,90".
func Price(v float64) string {
	return "R$ " + brl.Sprintf("%.2f", v)
}

// Message renders tmpl for p. Lines referencing an empty optional field are
// removed, runs of blank lines collapse to one, and the result is trimmed.
// Unknown placeholders are left untouched.
func Message(tmpl string, p *model.Product) string {
	if p == nil {
		p = &model.Product{}
	}
	values := map[string]string{
		"code":  p.Code,
		"name":  p.Name,
		"price": Price(p.Price),
		"color": strings.TrimSpace(p.Color),
		"size":  strings.TrimSpace(p.Size),
	}

	tmpl = strings.ReplaceAll(tmpl, "\r\n", "\n")
	lines := strings.Split(tmpl, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if dropsLine(line, values) {
			continue
		}
		kept = append(kept, placeholderRe.ReplaceAllStringFunc(line, func(m string) string {
			field, ok := aliases[strings.ToLower(placeholderRe.FindStringSubmatch(m)[1])]
			if !ok {
				return m
			}
			return values[field]
		}))
	}

	out := blankRunRe.ReplaceAllString(strings.Join(kept, "\n"), "\n\n")
	return strings.TrimSpace(out)
}

func dropsLine(line string, values map[string]string) bool {
	for _, m := range placeholderRe.FindAllStringSubmatch(line, -1) {
		field := aliases[strings.ToLower(m[1])]
		if optional[field] && values[field] == "" {
			return true
		}
	}
	return false
}

// Preview shortens a rendered message for logs.
func Preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
