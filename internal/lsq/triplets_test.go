package lsq

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// testJacobian has reduced parameters 0, 1 and 6 and two blocks, {2,3} and
// {4,5}. No column touches both blocks.
func testJacobian() *mat.Dense {
	return mat.NewDense(7, 8, []float64{
		1, 0, 0, 1, 0, 0, 1, 0,
		0, 1, 0, 0, -1, 0, 1, 0,
		2, 0, 1, 0, 0, 0, 0, 0.5,
		0, 1, -1, 0, 0, 0, 0, 0,
		0, 0, 0, 2, 0, 1, 0, 0,
		0, 0, 0, 0, 1, 1, 0, 0,
		0, 0.5, 0, 0, 1, 0, 1, 2,
	})
}

var testBlocks = []Block{{Start: 2, Size: 2}, {Start: 4, Size: 2}}

// tripletsOf lists the non-zero entries of jac, columns out of order and
// entry (0, 0) split in two.
func tripletsOf(jac *mat.Dense) *TripletList {
	rows, cols := jac.Dims()
	l := NewTripletList(0)
	for c := cols - 1; c >= 0; c-- {
		for r := 0; r < rows; r++ {
			v := jac.At(r, c)
			if v == 0 {
				continue
			}
			if r == 0 && c == 0 {
				l.AddTriplet(r, c, 0.5*v)
				l.AddTriplet(r, c, 0.5*v)
				continue
			}
			l.AddTriplet(r, c, v)
		}
	}
	l.SetNextFreeIndex(cols)
	return l
}

func TestNormalEquationsMatchDense(t *testing.T) {
	jac := testJacobian()
	ne, err := NewNormalEquations(tripletsOf(jac), 7, testBlocks)
	if err != nil {
		t.Fatal(err)
	}
	if ne.Dim() != 7 || ne.ReducedDim() != 3 {
		t.Fatalf("dims %d/%d, want 7/3", ne.Dim(), ne.ReducedDim())
	}
	var want mat.Dense
	want.Mul(jac, jac.T())
	for i := 0; i < 7; i++ {
		for j := 0; j < 7; j++ {
			if math.Abs(ne.At(i, j)-want.At(i, j)) > 1e-12 {
				t.Fatalf("H(%d,%d) = %g, want %g", i, j, ne.At(i, j), want.At(i, j))
			}
		}
	}

	rhs := []float64{1, -2, 0.5, 3, -1, 2, 0.25}
	x, err := ne.Solve(rhs)
	if err != nil {
		t.Fatal(err)
	}
	h := mat.NewSymDense(7, nil)
	for i := 0; i < 7; i++ {
		for j := i; j < 7; j++ {
			h.SetSym(i, j, want.At(i, j))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(h) {
		t.Fatal("reference matrix not positive definite")
	}
	var ref mat.VecDense
	if err := chol.SolveVecTo(&ref, mat.NewVecDense(7, rhs)); err != nil {
		t.Fatal(err)
	}
	for i := range x {
		if math.Abs(x[i]-ref.AtVec(i)) > 1e-10 {
			t.Fatalf("x[%d] = %g, want %g", i, x[i], ref.AtVec(i))
		}
	}

	// without blocks every parameter is reduced and the result is the same
	full, err := NewNormalEquations(tripletsOf(jac), 7, nil)
	if err != nil {
		t.Fatal(err)
	}
	x2, err := full.Solve(rhs)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x2 {
		if math.Abs(x2[i]-ref.AtVec(i)) > 1e-10 {
			t.Fatalf("dense x[%d] = %g, want %g", i, x2[i], ref.AtVec(i))
		}
	}
}

func TestNormalEquationsLayoutErrors(t *testing.T) {
	l := tripletsOf(testJacobian())
	l.AddTriplet(7, 0, 1)
	if _, err := NewNormalEquations(l, 7, testBlocks); err == nil {
		t.Fatal("row out of range accepted")
	}

	coupled := NewTripletList(0)
	coupled.AddTriplet(2, 0, 1)
	coupled.AddTriplet(4, 0, 1)
	if _, err := NewNormalEquations(coupled, 7, testBlocks); err == nil {
		t.Fatal("column coupling two blocks accepted")
	}

	tests := [][]Block{
		{{Start: 2, Size: 2}, {Start: 3, Size: 2}},
		{{Start: 6, Size: 2}},
		{{Start: 0, Size: 0}},
	}
	for _, blocks := range tests {
		if _, err := NewNormalEquations(NewTripletList(0), 7, blocks); err == nil {
			t.Errorf("blocks %v accepted", blocks)
		}
	}
}

func TestAppendShiftsColumns(t *testing.T) {
	a := NewTripletList(0)
	a.AddTriplet(0, 0, 1)
	a.AddTriplet(1, 1, 2)
	a.SetNextFreeIndex(2)

	b := NewTripletList(0)
	b.AddTriplet(2, 0, 3)
	b.AddTriplet(0, 1, 4)
	b.SetNextFreeIndex(2)

	a.Append(b)
	if a.NextFreeIndex() != 4 || a.Len() != 4 {
		t.Fatalf("after append: next %d len %d", a.NextFreeIndex(), a.Len())
	}
	ts := a.Triplets()
	if ts[2] != (Triplet{Row: 2, Col: 2, Value: 3}) || ts[3] != (Triplet{Row: 0, Col: 3, Value: 4}) {
		t.Fatalf("appended triplets %v", ts[2:])
	}
}

func TestSolveSingular(t *testing.T) {
	// parameter 3 of the first block is never constrained
	l := NewTripletList(0)
	l.AddTriplet(0, 0, 1)
	l.AddTriplet(2, 0, 1)
	l.AddTriplet(1, 1, 1)
	ne, err := NewNormalEquations(l, 4, []Block{{Start: 2, Size: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ne.Solve(make([]float64, 4)); !errors.Is(err, ErrNotPositiveDefinite) {
		t.Fatalf("singular block: %v", err)
	}

	// the reduced parameters 0 and 1 always move together
	l = NewTripletList(0)
	l.AddTriplet(0, 0, 1)
	l.AddTriplet(1, 0, 1)
	l.AddTriplet(2, 1, 1)
	ne, err = NewNormalEquations(l, 3, []Block{{Start: 2, Size: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ne.Solve(make([]float64, 3)); !errors.Is(err, ErrNotPositiveDefinite) {
		t.Fatalf("singular reduced system: %v", err)
	}
	if _, err := ne.Solve([]float64{1}); err == nil {
		t.Fatal("length mismatch accepted")
	}
}

func TestDumps(t *testing.T) {
	l := NewTripletList(1)
	l.AddTriplet(1, 0, 2)
	l.AddTriplet(0, 0, 1)
	ne, err := NewNormalEquations(l, 2, []Block{{Start: 1, Size: 1}})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteTriplets(&buf, l); err != nil {
		t.Fatal(err)
	}
	if err := ne.WriteUpper(&buf); err != nil {
		t.Fatal(err)
	}
	if err := WriteVector(&buf, []float64{0.5}); err != nil {
		t.Fatal(err)
	}
	want := "1 0 2\n0 0 1\n0 0 1\n0 1 2\n1 1 4\n0.5\n"
	if got := buf.String(); got != want {
		t.Fatalf("dump %q, want %q", got, want)
	}
	if strings.Count(buf.String(), "\n") != 6 {
		t.Fatal("unexpected line count")
	}
}
