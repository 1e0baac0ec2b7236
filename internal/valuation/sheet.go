package valuation

import (
	"context"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cardflow/internal/model"
)

// Sheet is a price source backed by a hand-maintained YAML file:
//
//	cards:
//	  - year: 2018
//	    set: Topps Chrome
//	    player: Shohei Ohtani
//	    number: "150"
//	    ungraded: "30.00"
//	    graded:
//	      9: "120.00"
//	      10: "400.00"
type Sheet struct {
	entries map[string]sheetPrices
}

type sheetFile struct {
	Cards []sheetRow `yaml:"cards"`
}

type sheetRow struct {
	Year     int               `yaml:"year"`
	Set      string            `yaml:"set"`
	Player   string            `yaml:"player"`
	Number   string            `yaml:"number"`
	Ungraded string            `yaml:"ungraded"`
	Graded   map[string]string `yaml:"graded"`
}

type sheetPrices struct {
	ungraded *decimal.Decimal
	graded   map[int]decimal.Decimal
}

// LoadSheet reads a price sheet.
func LoadSheet(path string) (*Sheet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "valuation: read price sheet %s", path)
	}
	return ParseSheet(data)
}

// ParseSheet parses price sheet YAML.
func ParseSheet(data []byte) (*Sheet, error) {
	var f sheetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "valuation: parse price sheet")
	}

	s := &Sheet{entries: make(map[string]sheetPrices, len(f.Cards))}
	for i, row := range f.Cards {
		card := model.RecognizedCard{Year: row.Year, Set: row.Set, Player: row.Player, Number: row.Number}
		p := sheetPrices{graded: map[int]decimal.Decimal{}}
		if row.Ungraded != "" {
			d, err := decimal.NewFromString(row.Ungraded)
			if err != nil {
				return nil, eris.Wrapf(err, "valuation: price sheet row %d: ungraded", i+1)
			}
			p.ungraded = &d
		}
		for gs, ps := range row.Graded {
			g, err := strconv.Atoi(gs)
			if err != nil || g < 1 || g > MaxGrade {
				return nil, eris.Errorf("valuation: price sheet row %d: bad grade %q", i+1, gs)
			}
			d, err := decimal.NewFromString(ps)
			if err != nil {
				return nil, eris.Wrapf(err, "valuation: price sheet row %d: grade %d", i+1, g)
			}
			p.graded[g] = d
		}
		s.entries[card.Key()] = p
	}
	return s, nil
}

// UngradedPrice implements PriceSource.
func (s *Sheet) UngradedPrice(_ context.Context, card model.RecognizedCard) (decimal.Decimal, error) {
	p, ok := s.entries[card.Key()]
	if !ok || p.ungraded == nil {
		return decimal.Zero, ErrPriceUnavailable
	}
	return *p.ungraded, nil
}

// GradedPrice implements PriceSource.
func (s *Sheet) GradedPrice(_ context.Context, card model.RecognizedCard, grade int) (decimal.Decimal, error) {
	p, ok := s.entries[card.Key()]
	if !ok {
		return decimal.Zero, ErrPriceUnavailable
	}
	d, ok := p.graded[grade]
	if !ok {
		return decimal.Zero, ErrPriceUnavailable
	}
	return d, nil
}
