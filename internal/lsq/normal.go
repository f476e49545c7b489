package lsq

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrNotPositiveDefinite is returned when the normal matrix cannot be
// Cholesky-factorized.
var ErrNotPositiveDefinite = errors.New("normal matrix is not positive definite")

// Block is a range of parameters that no Jacobian column couples to another
// block, such as the position of one star.
type Block struct {
	Start int
	Size  int
}

// blockEquations holds the diagonal block of one Block and its coupling to
// the reduced parameters.
type blockEquations struct {
	Block
	d    *mat.SymDense
	rows []int       // reduced parameters coupled to the block
	slot map[int]int // reduced parameter -> position in rows
	c    []float64   // len(rows) x Size, row major
}

// coupling returns the row of C for reduced parameter r, adding it if needed.
// The slice is only valid until the next call.
func (b *blockEquations) coupling(r int) []float64 {
	k, ok := b.slot[r]
	if !ok {
		k = len(b.rows)
		b.slot[r] = k
		b.rows = append(b.rows, r)
		b.c = append(b.c, make([]float64, b.Size)...)
	}
	return b.c[k*b.Size : (k+1)*b.Size]
}

func (b *blockEquations) at(r, l int) float64 {
	k, ok := b.slot[r]
	if !ok {
		return 0
	}
	return b.c[k*b.Size+l]
}

// NormalEquations is the normal matrix J*J^T of a Jacobian whose parameters
// split into independent diagonal blocks and the remaining, reduced,
// parameters:
//
//	[ A    C_k ]
//	[ C_k' D_k ]
//
// The blocks are eliminated with their Schur complement when solving, so the
// only dense factorization is the one of the reduced parameters. Memory and
// time grow linearly with the number of blocks.
type NormalEquations struct {
	nPar    int
	blockOf []int // block of each parameter, -1 for reduced parameters
	local   []int // position of each parameter in its block or in the reduced set
	reduced []int // reduced position -> parameter
	a       *mat.SymDense
	blocks  []*blockEquations

	inBlock, inReduced []Triplet
}

// NewNormalEquations accumulates J*J^T for the nPar x ncol Jacobian held by
// l. Duplicate (row, column) entries are summed. Blocks must not overlap and
// no column may touch two of them.
func NewNormalEquations(l *TripletList, nPar int, blocks []Block) (*NormalEquations, error) {
	n := &NormalEquations{
		nPar:    nPar,
		blockOf: make([]int, nPar),
		local:   make([]int, nPar),
	}
	for i := range n.blockOf {
		n.blockOf[i] = -1
	}
	for k, b := range blocks {
		if b.Size <= 0 || b.Start < 0 || b.Start+b.Size > nPar {
			return nil, fmt.Errorf("block %d [%d,%d) outside [0,%d)", k, b.Start, b.Start+b.Size, nPar)
		}
		for i := b.Start; i < b.Start+b.Size; i++ {
			if n.blockOf[i] != -1 {
				return nil, fmt.Errorf("blocks %d and %d overlap at parameter %d", n.blockOf[i], k, i)
			}
			n.blockOf[i] = k
			n.local[i] = i - b.Start
		}
		n.blocks = append(n.blocks, &blockEquations{
			Block: b,
			d:     mat.NewSymDense(b.Size, nil),
			slot:  make(map[int]int),
		})
	}
	for i, b := range n.blockOf {
		if b == -1 {
			n.local[i] = len(n.reduced)
			n.reduced = append(n.reduced, i)
		}
	}
	if len(n.reduced) > 0 {
		n.a = mat.NewSymDense(len(n.reduced), nil)
	}

	ts := make([]Triplet, len(l.triplets))
	copy(ts, l.triplets)
	for _, t := range ts {
		if t.Row < 0 || t.Row >= nPar {
			return nil, fmt.Errorf("triplet row %d outside [0,%d)", t.Row, nPar)
		}
	}
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Col != ts[j].Col {
			return ts[i].Col < ts[j].Col
		}
		return ts[i].Row < ts[j].Row
	})

	col := make([]Triplet, 0, 64)
	for i, t := range ts {
		if i > 0 && t.Col != ts[i-1].Col {
			if err := n.addColumn(col); err != nil {
				return nil, err
			}
			col = col[:0]
		}
		if k := len(col); k > 0 && col[k-1].Row == t.Row {
			col[k-1].Value += t.Value
			continue
		}
		col = append(col, t)
	}
	if err := n.addColumn(col); err != nil {
		return nil, err
	}
	return n, nil
}

// addColumn adds the outer product of one Jacobian column.
func (n *NormalEquations) addColumn(col []Triplet) error {
	var blk *blockEquations
	inBlock, inReduced := n.inBlock[:0], n.inReduced[:0]
	for _, t := range col {
		b := n.blockOf[t.Row]
		if b == -1 {
			inReduced = append(inReduced, t)
			continue
		}
		if blk != nil && blk != n.blocks[b] {
			return fmt.Errorf("column %d couples the blocks starting at %d and %d", t.Col, blk.Start, n.blocks[b].Start)
		}
		blk = n.blocks[b]
		inBlock = append(inBlock, t)
	}
	n.inBlock, n.inReduced = inBlock, inReduced

	if n.a != nil {
		addOuter(n.a, inReduced, n.local)
	}
	if blk == nil {
		return nil
	}
	addOuter(blk.d, inBlock, n.local)
	for _, r := range inReduced {
		row := blk.coupling(n.local[r.Row])
		for _, t := range inBlock {
			row[n.local[t.Row]] += r.Value * t.Value
		}
	}
	return nil
}

func addOuter(s *mat.SymDense, col []Triplet, pos []int) {
	raw := s.RawSymmetric()
	for a, ta := range col {
		i := pos[ta.Row]
		for _, tb := range col[a:] {
			j := pos[tb.Row]
			if i <= j {
				raw.Data[i*raw.Stride+j] += ta.Value * tb.Value
			} else {
				raw.Data[j*raw.Stride+i] += ta.Value * tb.Value
			}
		}
	}
}

// Dim returns the number of parameters.
func (n *NormalEquations) Dim() int { return n.nPar }

// ReducedDim returns the number of parameters outside the blocks, the size
// of the dense system Solve factorizes.
func (n *NormalEquations) ReducedDim() int { return len(n.reduced) }

// At returns element (i, j) of the normal matrix.
func (n *NormalEquations) At(i, j int) float64 {
	bi, bj := n.blockOf[i], n.blockOf[j]
	switch {
	case bi == -1 && bj == -1:
		return n.a.At(n.local[i], n.local[j])
	case bi == bj:
		return n.blocks[bi].d.At(n.local[i], n.local[j])
	case bi == -1:
		return n.blocks[bj].at(n.local[i], n.local[j])
	case bj == -1:
		return n.blocks[bi].at(n.local[j], n.local[i])
	}
	return 0
}

// Solve returns x with (J*J^T)*x = rhs. Each block is eliminated through the
// Cholesky factor of its diagonal part, the reduced system is factorized and
// solved, then the block unknowns are back-substituted. It returns
// ErrNotPositiveDefinite when a block or the reduced system cannot be
// factorized.
func (n *NormalEquations) Solve(rhs []float64) ([]float64, error) {
	if len(rhs) != n.nPar {
		return nil, fmt.Errorf("right-hand side has %d entries, matrix is %dx%d", len(rhs), n.nPar, n.nPar)
	}
	x := make([]float64, n.nPar)
	if n.nPar == 0 {
		return x, nil
	}

	nr := len(n.reduced)
	var s *mat.SymDense
	g := make([]float64, nr)
	if nr > 0 {
		s = mat.NewSymDense(nr, nil)
		s.CopySym(n.a)
		for p, i := range n.reduced {
			g[p] = rhs[i]
		}
	}

	chols := make([]mat.Cholesky, len(n.blocks))
	for k, b := range n.blocks {
		if ok := chols[k].Factorize(b.d); !ok {
			return nil, fmt.Errorf("block at parameter %d: %w", b.Start, ErrNotPositiveDefinite)
		}
		m := len(b.rows)
		if m == 0 {
			continue
		}
		// y = D^-1 [C' g_b]
		ct := mat.NewDense(b.Size, m+1, nil)
		for r := 0; r < m; r++ {
			for l := 0; l < b.Size; l++ {
				ct.Set(l, r, b.c[r*b.Size+l])
			}
		}
		for l := 0; l < b.Size; l++ {
			ct.Set(l, m, rhs[b.Start+l])
		}
		var y mat.Dense
		if err := chols[k].SolveTo(&y, ct); err != nil {
			return nil, fmt.Errorf("block at parameter %d: %w", b.Start, err)
		}

		// S -= C D^-1 C', g -= C D^-1 g_b
		raw := s.RawSymmetric()
		for r, pr := range b.rows {
			cr := b.c[r*b.Size : (r+1)*b.Size]
			for q := r; q < m; q++ {
				v := 0.0
				for l, c := range cr {
					v += c * y.At(l, q)
				}
				i, j := pr, b.rows[q]
				if i > j {
					i, j = j, i
				}
				raw.Data[i*raw.Stride+j] -= v
			}
			v := 0.0
			for l, c := range cr {
				v += c * y.At(l, m)
			}
			g[pr] -= v
		}
	}

	xr := make([]float64, nr)
	if nr > 0 {
		var chol mat.Cholesky
		if ok := chol.Factorize(s); !ok {
			return nil, fmt.Errorf("reduced system of %d parameters: %w", nr, ErrNotPositiveDefinite)
		}
		var v mat.VecDense
		if err := chol.SolveVecTo(&v, mat.NewVecDense(nr, g)); err != nil {
			return nil, fmt.Errorf("cholesky solve: %w", err)
		}
		for p, i := range n.reduced {
			xr[p] = v.AtVec(p)
			x[i] = xr[p]
		}
	}

	for k, b := range n.blocks {
		t := make([]float64, b.Size)
		copy(t, rhs[b.Start:b.Start+b.Size])
		for r, pr := range b.rows {
			for l := range t {
				t[l] -= b.c[r*b.Size+l] * xr[pr]
			}
		}
		var v mat.VecDense
		if err := chols[k].SolveVecTo(&v, mat.NewVecDense(b.Size, t)); err != nil {
			return nil, fmt.Errorf("block at parameter %d: %w", b.Start, err)
		}
		for l := range t {
			x[b.Start+l] = v.AtVec(l)
		}
	}
	return x, nil
}

type entry struct {
	i, j int
	v    float64
}

// WriteUpper dumps the non-zero entries of the upper triangle as
// "row col value" lines, sorted by row then column.
func (n *NormalEquations) WriteUpper(w io.Writer) error {
	var es []entry
	add := func(i, j int, v float64) {
		if v == 0 {
			return
		}
		if i > j {
			i, j = j, i
		}
		es = append(es, entry{i: i, j: j, v: v})
	}
	for p, i := range n.reduced {
		for q := p; q < len(n.reduced); q++ {
			add(i, n.reduced[q], n.a.At(p, q))
		}
	}
	for _, b := range n.blocks {
		for l := 0; l < b.Size; l++ {
			for m := l; m < b.Size; m++ {
				add(b.Start+l, b.Start+m, b.d.At(l, m))
			}
		}
		for r, pr := range b.rows {
			for l := 0; l < b.Size; l++ {
				add(n.reduced[pr], b.Start+l, b.c[r*b.Size+l])
			}
		}
	}
	sort.Slice(es, func(a, b int) bool {
		if es[a].i != es[b].i {
			return es[a].i < es[b].i
		}
		return es[a].j < es[b].j
	})
	for _, e := range es {
		if _, err := fmt.Fprintf(w, "%d %d %.17g\n", e.i, e.j, e.v); err != nil {
			return err
		}
	}
	return nil
}
