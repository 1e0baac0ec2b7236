package recognize

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/cardflow/internal/model"
)

// TextFields is what the OCR path could read off the card.
type TextFields struct {
	Year   model.Optional[int]
	Player model.Optional[string]
	Set    model.Optional[string]
	Number model.Optional[string]
}

var (
	yearRe   = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)
	numberRe = regexp.MustCompile(`(?:^|\s)(?:#|No\.\s?)([A-Z]{0,3}-?\d{1,4}[A-Z]?)\b`)
	titler   = cases.Title(language.English)
)

// manufacturers open a set name; products may follow them.
var manufacturers = map[string]bool{
	"topps": true, "bowman": true, "panini": true, "donruss": true,
	"fleer": true, "leaf": true, "score": true, "upper": true,
}

var products = map[string]bool{
	"deck": true, "chrome": true, "prizm": true, "select": true,
	"optic": true, "heritage": true, "finest": true, "update": true,
	"stadium": true, "club": true, "allen": true, "ginter": true,
	"gypsy": true, "queen": true, "mosaic": true, "contenders": true,
	"series": true, "draft": true, "sapphire": true,
}

// notNames are capitalized words that commonly appear on cards but never
// form part of a player's name.
var notNames = map[string]bool{
	"rookie": true, "card": true, "baseball": true, "basketball": true,
	"football": true, "hockey": true, "mlb": true, "nba": true, "nfl": true,
	"nhl": true, "inc": true, "major": true, "league": true, "the": true,
	"and": true, "of": true, "team": true, "pitcher": true, "catcher": true,
	"infield": true, "outfield": true, "shortstop": true, "quarterback": true,
	"guard": true, "forward": true, "center": true, "printed": true,
	"usa": true, "rc": true, "all": true, "star": true, "licensed": true,
	"officially": true, "players": true, "association": true, "properties": true,
}

// ParseText extracts best-effort fields from OCR text. maxYear bounds the
// accepted year range from above (1900..maxYear).
func ParseText(text string, maxYear int) TextFields {
	var f TextFields
	for _, m := range yearRe.FindAllStringSubmatch(text, -1) {
		y, err := strconv.Atoi(m[1])
		if err == nil && y >= 1900 && y <= maxYear {
			f.Year = model.Some(y)
			break
		}
	}
	if m := numberRe.FindStringSubmatch(text); m != nil {
		f.Number = model.Some(m[1])
	}

	for _, line := range strings.Split(text, "\n") {
		words := tokenize(line)
		if !f.Set.Present() {
			if set := setRun(words); set != "" {
				f.Set = model.Some(set)
			}
		}
		if !f.Player.Present() {
			if name := nameRun(words); name != "" {
				f.Player = model.Some(name)
			}
		}
	}
	return f
}

func tokenize(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(",|:;/()[]*#_", r)
	})
}

func isBrand(w string) bool {
	lw := strings.ToLower(w)
	return manufacturers[lw] || products[lw]
}

// capitalized reports whether w looks like a proper-noun token.
func capitalized(w string) bool {
	w = strings.TrimRight(w, ".")
	runes := []rune(w)
	if len(runes) < 2 || !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if !unicode.IsLetter(r) && r != '\'' && r != '-' && r != '.' {
			return false
		}
	}
	return true
}

// properCase title-cases shouted tokens and keeps mixed case (McDavid) as is.
func properCase(w string) string {
	w = strings.TrimRight(w, ".")
	if strings.ToUpper(w) == w {
		return titler.String(strings.ToLower(w))
	}
	return w
}

// nameRun returns the first run of two capitalized tokens that are neither
// brand words nor card boilerplate.
func nameRun(words []string) string {
	for i := 0; i+1 < len(words); i++ {
		a, b := words[i], words[i+1]
		if !capitalized(a) || !capitalized(b) {
			continue
		}
		if isBrand(a) || isBrand(b) || notNames[strings.ToLower(a)] || notNames[strings.ToLower(b)] {
			continue
		}
		return properCase(a) + " " + properCase(b)
	}
	return ""
}

// setRun returns a manufacturer followed by any product words.
func setRun(words []string) string {
	for i, w := range words {
		if !manufacturers[strings.ToLower(w)] {
			continue
		}
		parts := []string{properCase(w)}
		for _, next := range words[i+1:] {
			if !products[strings.ToLower(next)] {
				break
			}
			parts = append(parts, properCase(next))
		}
		return strings.Join(parts, " ")
	}
	return ""
}
