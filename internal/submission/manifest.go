package submission

import (
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/cardflow/internal/model"
)

// ManifestName is the file name of the submission spreadsheet.
const ManifestName = "manifest.xlsx"

var itemHeader = []string{
	"Line", "Identity", "Year", "Set", "Player", "Card Number",
	"Estimated Grade", "Declared Value", "Front Image", "Back Image",
}

// BuildManifest lays the submission out as a two-sheet workbook: a summary
// and one row per card.
func BuildManifest(sub model.Submission) (*xlsx.File, error) {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return nil, eris.Wrap(err, "submission: add summary sheet")
	}
	for _, kv := range [][2]string{
		{"Batch", sub.BatchID},
		{"Service Level", sub.ServiceLevel},
		{"Created", sub.CreatedAt.UTC().Format("2006-01-02 15:04:05")},
		{"Cards", strconv.Itoa(len(sub.Items))},
		{"Declared Total", sub.DeclaredTotal().StringFixed(2)},
	} {
		row := summary.AddRow()
		row.AddCell().SetString(kv[0])
		row.AddCell().SetString(kv[1])
	}

	items, err := f.AddSheet("Cards")
	if err != nil {
		return nil, eris.Wrap(err, "submission: add cards sheet")
	}
	header := items.AddRow()
	for _, h := range itemHeader {
		header.AddCell().SetString(h)
	}
	for i, it := range sub.Items {
		row := items.AddRow()
		row.AddCell().SetInt(i + 1)
		row.AddCell().SetString(it.Identity)
		row.AddCell().SetInt(it.Card.Year)
		row.AddCell().SetString(it.Card.Set)
		row.AddCell().SetString(it.Card.Player)
		row.AddCell().SetString(it.Card.Number)
		row.AddCell().SetInt(it.EstimatedGrade)
		row.AddCell().SetString(it.DeclaredValue.StringFixed(2))
		row.AddCell().SetString(it.FrontImage)
		row.AddCell().SetString(it.BackImage)
	}
	return f, nil
}

// WriteManifest renders the manifest to w.
func WriteManifest(w io.Writer, sub model.Submission) error {
	f, err := BuildManifest(sub)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "submission: write manifest")
}

// ReadManifest returns every row of the named sheet as strings.
func ReadManifest(path, sheet string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "submission: open manifest %s", path)
	}
	sh, ok := f.Sheet[sheet]
	if !ok {
		return nil, eris.Errorf("submission: sheet %q not found", sheet)
	}
	out := make([][]string, 0, len(sh.Rows))
	for _, row := range sh.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		out = append(out, cells)
	}
	return out, nil
}
