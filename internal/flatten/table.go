package flatten

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Field is a named scalar copied into every row of a table.
type Field struct {
	Name  string
	Value any
}

// Table is a rectangular grid of cells addressed by row index and column name.
// Rows run from 0 to the highest row index; rows no entry reached stay empty.
type Table struct {
	columns  []string
	colIndex map[string]int
	cells    [][]cell
}

type cell struct {
	value any
	set   bool
}

// Build lays the entries of m out on a grid of rows 0..m.RowCount()-1 by
// sorted columns and then broadcasts each field into a column of the same
// name. A broadcast field whose column already exists overwrites it in place;
// otherwise the column is appended.
func Build(m Mapping, broadcast ...Field) *Table {
	return BuildRows(m, 0, broadcast...)
}

// BuildRows is Build with at least minRows rows, for callers that know how
// many elements the flattened sequence had.
func BuildRows(m Mapping, minRows int, broadcast ...Field) *Table {
	rowCount := m.RowCount()
	if minRows > rowCount {
		rowCount = minRows
	}
	t := &Table{
		columns:  m.Columns(),
		colIndex: map[string]int{},
	}
	for i, column := range t.columns {
		t.colIndex[column] = i
	}
	t.cells = make([][]cell, rowCount)
	for i := range t.cells {
		t.cells[i] = make([]cell, len(t.columns))
	}
	for _, entry := range m.Entries() {
		t.cells[entry.Row][t.colIndex[entry.Path]] = cell{value: entry.Value, set: true}
	}
	for _, field := range broadcast {
		t.broadcast(field)
	}
	return t
}

func (t *Table) broadcast(field Field) {
	col, ok := t.colIndex[field.Name]
	if !ok {
		col = len(t.columns)
		t.columns = append(t.columns, field.Name)
		t.colIndex[field.Name] = col
		for i := range t.cells {
			t.cells[i] = append(t.cells[i], cell{})
		}
	}
	for i := range t.cells {
		t.cells[i][col] = cell{value: field.Value, set: true}
	}
}

// Columns returns the column names in output order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Len reports the number of rows.
func (t *Table) Len() int {
	return len(t.cells)
}

// Get returns the value at (row, column) and whether the cell was written.
func (t *Table) Get(row int, column string) (any, bool) {
	if row < 0 || row >= len(t.cells) {
		return nil, false
	}
	c, ok := t.colIndex[column]
	if !ok {
		return nil, false
	}
	cell := t.cells[row][c]
	return cell.value, cell.set
}

// WriteCSV writes a header of column names followed by one record per row.
func (t *Table) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.columns); err != nil {
		return err
	}
	record := make([]string, len(t.columns))
	for _, row := range t.cells {
		for i, cell := range row {
			record[i] = FormatValue(cell.value)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// FormatValue renders a decoded JSON scalar as CSV cell text. Null renders
// as the empty string and numbers keep their source text.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}
