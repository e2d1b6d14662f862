package partition

import (
	"github.com/ternarybob/crawjud/internal/models"
)

// Partition is a named subset of input rows processed under one session
type Partition struct {
	Name string
	Rows []models.Row
	// positions maps a row's place in the partition to its place in the input
	positions []int
}

// Position resolves the i-th row of the partition to its original input position
func (p *Partition) Position(i int) int {
	return p.positions[i]
}

// InvalidRow is a row whose partition key could not be derived
type InvalidRow struct {
	Row models.Row
	Err error
}

// Plan is the partitioning of a job's input
type Plan struct {
	Partitioned bool
	Partitions  []*Partition
	Invalid     []InvalidRow
}

// Rows returns the number of rows the plan accounts for
func (p *Plan) Rows() int {
	n := len(p.Invalid)
	for _, part := range p.Partitions {
		n += len(part.Rows)
	}
	return n
}

// KeyFunc derives the partition of a row
type KeyFunc func(row models.Row) (string, error)

// Single places every row into one unnamed partition
func Single(rows []models.Row) *Plan {
	part := &Partition{Rows: rows, positions: make([]int, len(rows))}
	for i, row := range rows {
		part.positions[i] = row.Index
	}
	return &Plan{Partitions: []*Partition{part}}
}

// Build groups rows by key. Partitions keep their first-appearance order and rows keep
// their input order inside a partition.
func Build(rows []models.Row, key KeyFunc) *Plan {
	if key == nil {
		return Single(rows)
	}

	plan := &Plan{Partitioned: true}
	byName := make(map[string]*Partition)
	for _, row := range rows {
		name, err := key(row)
		if err != nil {
			plan.Invalid = append(plan.Invalid, InvalidRow{Row: row, Err: err})
			continue
		}
		part, ok := byName[name]
		if !ok {
			part = &Partition{Name: name}
			byName[name] = part
			plan.Partitions = append(plan.Partitions, part)
		}
		part.Rows = append(part.Rows, row)
		part.positions = append(part.positions, row.Index)
	}
	return plan
}

// CaseNumberKey partitions rows by the court region of the given case-number column
func CaseNumberKey(column string) KeyFunc {
	return func(row models.Row) (string, error) {
		return Region(row.Get(column))
	}
}
