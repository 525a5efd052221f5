package fit

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/globalfit/internal/optimization"
)

// zeroGuess replaces an initial guess of exactly zero for a fitted entry;
// a multiplicative search cannot move away from zero.
const zeroGuess = 1e-20

// Coord addresses one entry of a parameter matrix.
type Coord struct {
	Run   int `json:"run"`
	Param int `json:"param"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(run %d, param %d)", c.Run, c.Param)
}

// Group is a set of entries in one column that share a single fitted value.
type Group struct {
	// Name is the parameter name of the column.
	Name string
	// ID is the identifier shared by the members.
	ID int
	// Coords lists the members in run order.
	Coords []Coord
	// Base is the value the group's multiplier scales.
	Base float64
}

// FixedEntry is a known parameter value that is never fitted.
type FixedEntry struct {
	Coord
	Value float64
}

// KnownParameter lists where one parameter is held fixed.
type KnownParameter struct {
	Name string
	// Runs are 1-based run numbers.
	Runs   []int
	Values []float64
	// AllRuns is true when the parameter is fixed in every run.
	AllRuns bool
}

// Grouping partitions a parameter matrix into fit groups and fixed entries.
type Grouping struct {
	rows, cols int
	names      []string
	groups     []Group
	fixed      []FixedEntry
	// slot maps a matrix entry to its group index, or -1 when fixed.
	slot [][]int
}

// NewGrouping builds the fit groups for params and ids.
//
// Entries with id 0 are fixed. Within a column, all entries sharing a
// positive id form one group; ids are reused independently per column and
// are bounded by the number of runs. Groups are ordered by column, then id.
// Every member of a group must hold the same initial value.
func NewGrouping(names []string, params *mat.Dense, ids [][]int) (*Grouping, error) {
	if params == nil {
		return nil, configErr("NewGrouping", "parameter matrix is required")
	}
	rows, cols := params.Dims()
	if len(names) != cols {
		return nil, configErr("NewGrouping", "got %d parameter names for %d columns", len(names), cols)
	}
	if len(ids) != rows {
		return nil, configErr("NewGrouping", "identifier matrix has %d rows, parameter matrix has %d", len(ids), rows)
	}
	for r, row := range ids {
		if len(row) != cols {
			return nil, configErr("NewGrouping", "identifier row %d has %d columns, parameter matrix has %d", r, len(row), cols)
		}
		for c, id := range row {
			if id < 0 || id > rows {
				return nil, configErr("NewGrouping", "identifier %d at %v is outside [0, %d]", id, Coord{r, c}, rows)
			}
		}
	}

	g := &Grouping{
		rows:  rows,
		cols:  cols,
		names: append([]string(nil), names...),
		slot:  make([][]int, rows),
	}
	for r := range g.slot {
		g.slot[r] = make([]int, cols)
		for c := range g.slot[r] {
			g.slot[r][c] = -1
		}
	}

	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			if ids[r][c] == 0 {
				g.fixed = append(g.fixed, FixedEntry{Coord: Coord{r, c}, Value: params.At(r, c)})
			}
		}
		for id := 1; id <= rows; id++ {
			var coords []Coord
			for r := 0; r < rows; r++ {
				if ids[r][c] == id {
					coords = append(coords, Coord{r, c})
				}
			}
			if len(coords) == 0 {
				continue
			}

			first := coords[0]
			base := params.At(first.Run, first.Param)
			for _, co := range coords[1:] {
				if v := params.At(co.Run, co.Param); v != base {
					return nil, configErr("NewGrouping",
						"fit group %q id %d has inconsistent initial values: %v=%v vs %v=%v",
						names[c], id, first, base, co, v)
				}
			}
			if base == 0 {
				base = zeroGuess
			}

			for _, co := range coords {
				g.slot[co.Run][co.Param] = len(g.groups)
			}
			g.groups = append(g.groups, Group{Name: names[c], ID: id, Coords: coords, Base: base})
		}
	}

	return g, nil
}

// Dims returns the shape of the parameter matrix.
func (g *Grouping) Dims() (rows, cols int) { return g.rows, g.cols }

// Names returns the parameter names.
func (g *Grouping) Names() []string { return append([]string(nil), g.names...) }

// Len returns the number of fit groups.
func (g *Grouping) Len() int { return len(g.groups) }

// Groups returns a copy of the fit groups.
func (g *Grouping) Groups() []Group {
	out := make([]Group, len(g.groups))
	for i, grp := range g.groups {
		grp.Coords = append([]Coord(nil), grp.Coords...)
		out[i] = grp
	}
	return out
}

// Fixed returns the fixed entries in column-major order.
func (g *Grouping) Fixed() []FixedEntry { return append([]FixedEntry(nil), g.fixed...) }

// GroupOf returns the index of the group holding (run, param), or -1.
func (g *Grouping) GroupOf(run, param int) int { return g.slot[run][param] }

// InitialValues returns the base value of every group.
func (g *Grouping) InitialValues() []float64 {
	out := make([]float64, len(g.groups))
	for i, grp := range g.groups {
		out[i] = grp.Base
	}
	return out
}

// Ones returns the all-ones fit vector.
func (g *Grouping) Ones() []float64 {
	out := make([]float64, len(g.groups))
	for i := range out {
		out[i] = 1
	}
	return out
}

// Rebase returns a copy of g whose groups scale values instead of their
// current bases.
func (g *Grouping) Rebase(values []float64) (*Grouping, error) {
	if len(values) != len(g.groups) {
		return nil, configErr("Grouping.Rebase", "got %d values for %d groups", len(values), len(g.groups))
	}
	out := *g
	out.groups = g.Groups()
	for i := range out.groups {
		out.groups[i].Base = values[i]
	}
	return &out, nil
}

// Build returns a copy of params with every group entry replaced by
// |b[i]| * Base. Fixed entries keep their value.
func (g *Grouping) Build(b []float64, params mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(params)
	for i, grp := range g.groups {
		v := math.Abs(b[i]) * grp.Base
		for _, co := range grp.Coords {
			out.Set(co.Run, co.Param, v)
		}
	}
	return out
}

// Scatter returns an rows x cols matrix holding values[i] at every member of
// group i and zero at fixed entries.
func (g *Grouping) Scatter(values []float64) *mat.Dense {
	out := mat.NewDense(g.rows, g.cols, nil)
	for i, grp := range g.groups {
		for _, co := range grp.Coords {
			out.Set(co.Run, co.Param, values[i])
		}
	}
	return out
}

// Known returns the fixed parameters grouped by name, in column order.
func (g *Grouping) Known() []KnownParameter {
	byCol := make(map[int]*KnownParameter)
	var order []int
	for _, f := range g.fixed {
		k, ok := byCol[f.Param]
		if !ok {
			k = &KnownParameter{Name: g.names[f.Param]}
			byCol[f.Param] = k
			order = append(order, f.Param)
		}
		k.Runs = append(k.Runs, f.Run+1)
		k.Values = append(k.Values, f.Value)
	}
	sort.Ints(order)

	out := make([]KnownParameter, 0, len(order))
	for _, c := range order {
		k := byCol[c]
		k.AllRuns = len(k.Runs) == g.rows
		out = append(out, *k)
	}
	return out
}

// KnownSummary renders Known for logs and reports.
func (g *Grouping) KnownSummary() string {
	var b strings.Builder
	b.WriteString("The known parameters are:")
	for _, k := range g.Known() {
		if k.AllRuns {
			fmt.Fprintf(&b, "\n%s for runs all", k.Name)
		} else {
			fmt.Fprintf(&b, "\n%s for runs %v", k.Name, k.Runs)
		}
	}
	return b.String()
}

func configErr(op, format string, args ...interface{}) error {
	return optimization.ConfigErrorf(format, args...).
		WithComponent("fit").
		WithOperation(op)
}
