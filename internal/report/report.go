// Package report renders one-row spreadsheet reports for suggestions.
package report

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/xuri/excelize/v2"
	"github.com/zulandar/helpdesk/internal/models"
)

// TimeLayout formats submission timestamps in reports and notifications.
const TimeLayout = "2006-01-02 15:04:05"

// Column is one named cell of the report row. Order is preserved.
type Column struct {
	Name  string
	Value string
}

// Artifact is a rendered report file. The caller owns it and must Close it,
// which deletes the file.
type Artifact struct {
	Path string // location on disk
	Name string // file name shown to recipients

	once sync.Once
	err  error
}

// Open opens the artifact for reading.
func (a *Artifact) Open() (io.ReadCloser, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", a.Path, err)
	}
	return f, nil
}

// Bytes reads the whole artifact.
func (a *Artifact) Bytes() ([]byte, error) {
	rc, err := a.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("report: read %s: %w", a.Path, err)
	}
	return data, nil
}

// Close removes the artifact file. It is safe to call more than once.
func (a *Artifact) Close() error {
	a.once.Do(func() {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.err = fmt.Errorf("report: remove %s: %w", a.Path, err)
		}
	})
	return a.err
}

// Generator writes reports into a directory.
type Generator struct {
	dir string
}

// NewGenerator creates a Generator writing temporary files under dir. An
// empty dir uses the system temp directory.
func NewGenerator(dir string) (*Generator, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create dir %s: %w", dir, err)
	}
	return &Generator{dir: dir}, nil
}

// Render writes a single-sheet workbook with a header row of column names
// and one data row, and returns it as an Artifact named name.
func (g *Generator) Render(name string, row []Column) (*Artifact, error) {
	if len(row) == 0 {
		return nil, fmt.Errorf("report: render: no columns")
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("report: header style: %w", err)
	}
	for i, col := range row {
		nameCell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, fmt.Errorf("report: cell: %w", err)
		}
		valueCell, _ := excelize.CoordinatesToCellName(i+1, 2)
		if err := f.SetCellValue(sheet, nameCell, col.Name); err != nil {
			return nil, fmt.Errorf("report: write header %q: %w", col.Name, err)
		}
		if err := f.SetCellValue(sheet, valueCell, col.Value); err != nil {
			return nil, fmt.Errorf("report: write value for %q: %w", col.Name, err)
		}
		if err := f.SetCellStyle(sheet, nameCell, nameCell, header); err != nil {
			return nil, fmt.Errorf("report: style header %q: %w", col.Name, err)
		}
		colName, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheet, colName, colName, columnWidth(col)); err != nil {
			return nil, fmt.Errorf("report: width %q: %w", col.Name, err)
		}
	}

	tmp, err := os.CreateTemp(g.dir, "report-*.xlsx")
	if err != nil {
		return nil, fmt.Errorf("report: create temp file: %w", err)
	}
	path := tmp.Name()
	if err := f.Write(tmp); err != nil {
		tmp.Close()
		os.Remove(path)
		return nil, fmt.Errorf("report: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("report: close %s: %w", path, err)
	}
	return &Artifact{Path: path, Name: name}, nil
}

// columnWidth sizes a column to its longest cell, within sane bounds.
func columnWidth(c Column) float64 {
	n := len([]rune(c.Name))
	if v := len([]rune(c.Value)); v > n {
		n = v
	}
	w := float64(n) + 2
	if w < 10 {
		w = 10
	}
	if w > 80 {
		w = 80
	}
	return w
}

// SuggestionRow builds the report row for a suggestion ticket.
func SuggestionRow(t *models.Ticket, p *models.UserProfile) []Column {
	return []Column{
		{Name: "User", Value: p.DisplayName()},
		{Name: "Page", Value: deref(t.Page)},
		{Name: "Section", Value: deref(t.Section)},
		{Name: "Submitted at", Value: t.CreatedAt.Format(TimeLayout)},
		{Name: "Suggestion", Value: t.Description},
		{Name: "Ticket number", Value: t.Token},
	}
}

// SuggestionFileName names the report file for a suggestion ticket.
func SuggestionFileName(t *models.Ticket) string {
	return fmt.Sprintf("suggestion_%s.xlsx", t.Token)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
