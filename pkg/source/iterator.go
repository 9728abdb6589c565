package source

import "github.com/nicktill/tinysync/pkg/metrics"

// Iterator is a finite, single-pass sequence of series. The underlying fetch
// runs at most once, on the first call to Next; an exhausted iterator stays
// exhausted.
//
//	it := client.Query(ctx, window, query)
//	for it.Next() {
//	    s := it.Series()
//	}
type Iterator struct {
	fetch   func() []metrics.Series
	series  []metrics.Series
	fetched bool
	pos     int
}

func newIterator(fetch func() []metrics.Series) *Iterator {
	return &Iterator{fetch: fetch, pos: -1}
}

// FromSlice returns an iterator over fixed series.
func FromSlice(series []metrics.Series) *Iterator {
	return &Iterator{series: series, fetched: true, pos: -1}
}

// Next advances to the next series and reports whether there is one.
func (it *Iterator) Next() bool {
	if !it.fetched {
		it.series = it.fetch()
		it.fetched = true
		it.fetch = nil
	}
	if it.pos+1 >= len(it.series) {
		it.pos = len(it.series)
		return false
	}
	it.pos++
	return true
}

// Series returns the current series. Only valid after Next returned true.
func (it *Iterator) Series() metrics.Series {
	return it.series[it.pos]
}
