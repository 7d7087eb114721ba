// Package excel handles the .xlsx surfaces of the application: parsing
// catalog import files, generating the import template, and rendering
// calculation workbooks for export.
package excel

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/sakif/trade-accounting/internal/model"
)

// ItemImportHeader is the header row expected in catalog import files
// and written into the import template.
var ItemImportHeader = []string{"Name", "Price"}

// ItemRow is one parsed row of an import file. Rows that could not be
// parsed carry a non-empty Problem instead of a value.
type ItemRow struct {
	Name    string
	Price   decimal.Decimal
	Problem string
}

// ParseItems reads an .xlsx stream and extracts (name, price) rows from
// its first sheet. The header row is matched by name so column order
// does not matter. Unparseable rows are returned with Problem set
// rather than aborting the file.
func ParseItems(r io.Reader) ([]ItemRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("excel: opening workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("excel: workbook has no sheets")
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("excel: reading rows: %w", err)
	}
	if len(rows) < 1 {
		return nil, fmt.Errorf("excel: workbook is empty")
	}

	nameCol, priceCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "name":
			nameCol = i
		case "price":
			priceCol = i
		}
	}
	if nameCol < 0 || priceCol < 0 {
		return nil, fmt.Errorf("excel: header row must contain %q and %q columns",
			ItemImportHeader[0], ItemImportHeader[1])
	}

	out := make([]ItemRow, 0, len(rows)-1)
	for _, row := range rows[1:] {
		name := cellAt(row, nameCol)
		priceRaw := cellAt(row, priceCol)
		if name == "" && priceRaw == "" {
			continue // blank line
		}

		item := ItemRow{Name: name}
		switch {
		case name == "":
			item.Problem = "missing name"
		case priceRaw == "":
			item.Problem = "missing price"
		default:
			price, err := decimal.NewFromString(normalizeNumber(priceRaw))
			if err != nil {
				item.Problem = fmt.Sprintf("bad price %q", priceRaw)
			} else {
				item.Price = price
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func cellAt(row []string, col int) string {
	if col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// normalizeNumber accepts the comma decimal separator common in
// hand-edited sheets.
func normalizeNumber(s string) string {
	s = strings.ReplaceAll(s, " ", "")
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return s
}

// ImportTemplate renders an empty workbook with just the expected
// header row, styled the same way as exports.
func ImportTemplate() ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Items"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("excel: creating sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	style, err := headerStyle(f)
	if err != nil {
		return nil, err
	}
	if err := writeHeader(f, sheet, ItemImportHeader, style); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(sheet, "A", "A", 40); err != nil {
		return nil, fmt.Errorf("excel: setting column width: %w", err)
	}
	if err := f.SetColWidth(sheet, "B", "B", 14); err != nil {
		return nil, fmt.Errorf("excel: setting column width: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("excel: writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// CalculationWorkbook renders one calculation as a two-sheet workbook:
// a summary sheet with titles and totals, and a positions sheet with
// one row per line.
func CalculationWorkbook(calc *model.Calculation) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	header, err := headerStyle(f)
	if err != nil {
		return nil, err
	}
	money, err := moneyStyle(f)
	if err != nil {
		return nil, err
	}

	if err := writeSummarySheet(f, calc, header, money); err != nil {
		return nil, err
	}
	if err := writePositionsSheet(f, calc, header, money); err != nil {
		return nil, err
	}
	f.DeleteSheet("Sheet1")

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("excel: writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummarySheet(f *excelize.File, calc *model.Calculation, header, money int) error {
	const sheet = "Summary"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("excel: creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	rows := []struct {
		label string
		value any
		style int
	}{
		{"Title", calc.Title, 0},
		{"Owner", calc.OwnerName, 0},
		{"Created", calc.CreatedAt.Format("2006-01-02 15:04"), 0},
		{"Markup, %", calc.Markup.InexactFloat64(), 0},
		{"Total", calc.TotalPrice.InexactFloat64(), money},
		{"Total with markup", calc.TotalPriceWithMarkup.InexactFloat64(), money},
	}
	for i, row := range rows {
		labelCell, _ := excelize.CoordinatesToCellName(1, i+1)
		valueCell, _ := excelize.CoordinatesToCellName(2, i+1)
		if err := f.SetCellValue(sheet, labelCell, row.label); err != nil {
			return fmt.Errorf("excel: writing summary: %w", err)
		}
		if err := f.SetCellStyle(sheet, labelCell, labelCell, header); err != nil {
			return fmt.Errorf("excel: styling summary: %w", err)
		}
		if err := f.SetCellValue(sheet, valueCell, row.value); err != nil {
			return fmt.Errorf("excel: writing summary: %w", err)
		}
		if row.style != 0 {
			if err := f.SetCellStyle(sheet, valueCell, valueCell, row.style); err != nil {
				return fmt.Errorf("excel: styling summary: %w", err)
			}
		}
	}
	if err := f.SetColWidth(sheet, "A", "A", 22); err != nil {
		return fmt.Errorf("excel: setting column width: %w", err)
	}
	return f.SetColWidth(sheet, "B", "B", 40)
}

func writePositionsSheet(f *excelize.File, calc *model.Calculation, header, money int) error {
	const sheet = "Positions"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("excel: creating sheet: %w", err)
	}

	if err := writeHeader(f, sheet, []string{"#", "Item", "Price", "Quantity", "Line total"}, header); err != nil {
		return err
	}

	for i, line := range calc.Lines {
		rowNum := i + 2
		values := []any{
			i + 1,
			line.ItemName,
			line.ItemPrice.InexactFloat64(),
			line.Quantity,
			line.LineTotal().InexactFloat64(),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, rowNum)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("excel: writing position row: %w", err)
			}
			if col == 2 || col == 4 {
				if err := f.SetCellStyle(sheet, cell, cell, money); err != nil {
					return fmt.Errorf("excel: styling position row: %w", err)
				}
			}
		}
	}

	widths := []float64{6, 40, 14, 10, 16}
	for i, w := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheet, col, col, w); err != nil {
			return fmt.Errorf("excel: setting column width: %w", err)
		}
	}
	return nil
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	for col, h := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("excel: converting coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("excel: writing header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("excel: styling header cell %s: %w", cell, err)
		}
	}
	return nil
}

func headerStyle(f *excelize.File) (int, error) {
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return 0, fmt.Errorf("excel: creating header style: %w", err)
	}
	return style, nil
}

func moneyStyle(f *excelize.File) (int, error) {
	format := "#,##0.00"
	style, err := f.NewStyle(&excelize.Style{CustomNumFmt: &format})
	if err != nil {
		return 0, fmt.Errorf("excel: creating money style: %w", err)
	}
	return style, nil
}

// ExportArchive bundles one workbook per calculation into a zip. File
// names are derived from the calculation titles, deduplicated with the
// short id when titles collide.
func ExportArchive(calcs []*model.Calculation) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	used := make(map[string]bool, len(calcs))
	for _, calc := range calcs {
		book, err := CalculationWorkbook(calc)
		if err != nil {
			return nil, err
		}

		name := safeFileName(calc.Title)
		if used[name] {
			name = name + "-" + calc.ID
		}
		used[name] = true

		w, err := zw.Create(name + ".xlsx")
		if err != nil {
			return nil, fmt.Errorf("excel: adding archive entry: %w", err)
		}
		if _, err := w.Write(book); err != nil {
			return nil, fmt.Errorf("excel: writing archive entry: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("excel: closing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// safeFileName strips characters that are unsafe in archive entry
// names.
func safeFileName(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	name := strings.TrimSpace(b.String())
	if name == "" {
		name = "calculation"
	}
	return name
}
