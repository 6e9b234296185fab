package flatten

import (
	"sort"
	"strconv"
	"strings"
)

// Entry is one scalar leaf of a flattened document.
type Entry struct {
	Path  string
	Value any
	Row   int
}

// Key returns the de-duplication key of the entry, "<path>_<row>".
func (e Entry) Key() string {
	return e.Path + "_" + strconv.Itoa(e.Row)
}

// Mapping holds flattened entries keyed by Entry.Key.
type Mapping map[string]Entry

// Flatten walks node depth first and returns every scalar leaf with its
// dotted path and row index. Sequence elements are laid out as rows: element
// i of a sequence reached at row r lands on row r+i. Mapping keys are visited
// in sorted order so that two producers of the same (path, row) cell always
// resolve the same way; the later one wins.
//
// Flatten is tuned for the entry array of a bundle document. Other nesting
// shapes flatten, but their column/row assignment is not meaningful.
func Flatten(node any) Mapping {
	f := &flattener{out: Mapping{}}
	f.visit(node, "", 0)
	return f.out
}

type flattener struct {
	out Mapping
}

func (f *flattener) visit(node any, prefix string, row int) {
	switch value := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			f.visit(value[key], prefix+key+".", row)
		}
	case []any:
		for i, child := range value {
			f.visit(child, prefix, row+i)
		}
	default:
		entry := Entry{
			Path:  strings.TrimSuffix(prefix, "."),
			Value: value,
			Row:   row,
		}
		f.out[entry.Key()] = entry
	}
}

// Columns returns the sorted distinct paths of m.
func (m Mapping) Columns() []string {
	seen := make(map[string]struct{}, len(m))
	columns := make([]string, 0, len(m))
	for _, entry := range m {
		if _, ok := seen[entry.Path]; ok {
			continue
		}
		seen[entry.Path] = struct{}{}
		columns = append(columns, entry.Path)
	}
	sort.Strings(columns)
	return columns
}

// Rows returns the sorted distinct row indices of m.
func (m Mapping) Rows() []int {
	seen := make(map[int]struct{}, len(m))
	rows := make([]int, 0, len(m))
	for _, entry := range m {
		if _, ok := seen[entry.Row]; ok {
			continue
		}
		seen[entry.Row] = struct{}{}
		rows = append(rows, entry.Row)
	}
	sort.Ints(rows)
	return rows
}

// RowCount returns the highest row index of m plus one, or 0 when m is empty.
func (m Mapping) RowCount() int {
	count := 0
	for _, entry := range m {
		if entry.Row+1 > count {
			count = entry.Row + 1
		}
	}
	return count
}

// Entries returns the entries of m ordered by key.
func (m Mapping) Entries() []Entry {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, m[key])
	}
	return entries
}
