// Package chi2 accumulates weighted residual contributions, either as a
// running total for convergence reporting or as a per-measurement list for
// outlier detection.
package chi2

import (
	"fmt"
	"sort"

	"jointastrom/internal/survey"

	"gonum.org/v1/gonum/stat"
)

// Accumulator receives chi2 contributions. m is nil for terms that do not come
// from a measurement (reference star terms).
type Accumulator interface {
	AddEntry(chi2 float64, ndof int, m *survey.Measurement)
}

// Statistic is the running sum of chi2 and degrees of freedom.
type Statistic struct {
	Chi2 float64
	NDof int
}

// AddEntry adds one contribution; the measurement is ignored.
func (s *Statistic) AddEntry(chi2 float64, ndof int, _ *survey.Measurement) {
	s.Chi2 += chi2
	s.NDof += ndof
}

// Add merges another statistic into s.
func (s *Statistic) Add(other Statistic) {
	s.Chi2 += other.Chi2
	s.NDof += other.NDof
}

// Reduced returns chi2/ndof.
func (s Statistic) Reduced() float64 {
	return s.Chi2 / float64(s.NDof)
}

func (s Statistic) String() string {
	return fmt.Sprintf("chi2/ndof : %g/%d=%g", s.Chi2, s.NDof, s.Reduced())
}

// Entry is one measurement's contribution.
type Entry struct {
	Chi2        float64
	Measurement *survey.Measurement
}

// List keeps every contribution together with the measurement it came from,
// so that outliers can be reached without another pass over the data.
type List []Entry

// AddEntry appends one contribution; ndof is not recorded.
func (l *List) AddEntry(chi2 float64, _ int, m *survey.Measurement) {
	*l = append(*l, Entry{Chi2: chi2, Measurement: m})
}

// Values returns the chi2 contributions in list order.
func (l List) Values() []float64 {
	v := make([]float64, len(l))
	for i, e := range l {
		v[i] = e.Chi2
	}
	return v
}

// AverageAndSigma returns the mean and the population standard deviation of
// the contributions.
func (l List) AverageAndSigma() (average, sigma float64) {
	if len(l) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(l.Values(), nil)
}

// Sort orders the list by increasing chi2.
func (l List) Sort() {
	sort.SliceStable(l, func(i, j int) bool { return l[i].Chi2 < l[j].Chi2 })
}

// Median returns the median contribution. The list must be sorted.
func (l List) Median() float64 {
	n := len(l)
	switch {
	case n == 0:
		return 0
	case n%2 == 1:
		return l[n/2].Chi2
	default:
		return 0.5 * (l[n/2-1].Chi2 + l[n/2].Chi2)
	}
}
