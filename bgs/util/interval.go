package util

import (
	"fmt"
	"strings"
)

// Interval is a half-open byte range [Begin, End).
type Interval struct {
	Begin int64
	End   int64
}

func NewInterval(begin, end int64) Interval {
	return Interval{Begin: begin, End: end}
}

func (i Interval) IsEmpty() bool {
	return i.Begin >= i.End
}

func (i Interval) Size() int64 {
	if i.IsEmpty() {
		return 0
	}
	return i.End - i.Begin
}

// IntervalSet is a sorted set of non-overlapping, non-adjacent intervals.
// The zero value is an empty set ready to use.
type IntervalSet struct {
	intervals []Interval
}

func NewIntervalSet(intervals ...Interval) IntervalSet {
	var s IntervalSet
	for _, i := range intervals {
		s.Add(i)
	}
	return s
}

func (s *IntervalSet) IsEmpty() bool {
	return len(s.intervals) == 0
}

func (s *IntervalSet) Clear() {
	s.intervals = s.intervals[:0]
}

// Add unions the interval into the set, merging neighbors.
func (s *IntervalSet) Add(n Interval) {
	if n.IsEmpty() {
		return
	}
	merged := make([]Interval, 0, len(s.intervals)+1)
	inserted := false
	for _, i := range s.intervals {
		switch {
		case i.End < n.Begin:
			merged = append(merged, i)
		case n.End < i.Begin:
			if !inserted {
				merged = append(merged, n)
				inserted = true
			}
			merged = append(merged, i)
		default:
			// overlaps or touches, absorb into n
			if i.Begin < n.Begin {
				n.Begin = i.Begin
			}
			if i.End > n.End {
				n.End = i.End
			}
		}
	}
	if !inserted {
		merged = append(merged, n)
	}
	s.intervals = merged
}

func (s *IntervalSet) AddSet(other IntervalSet) {
	for _, i := range other.intervals {
		s.Add(i)
	}
}

// Subtract removes every byte of other from the set.
func (s *IntervalSet) Subtract(other IntervalSet) {
	for _, cut := range other.intervals {
		s.subtractInterval(cut)
	}
}

func (s *IntervalSet) subtractInterval(cut Interval) {
	if cut.IsEmpty() {
		return
	}
	result := make([]Interval, 0, len(s.intervals)+1)
	for _, i := range s.intervals {
		if i.End <= cut.Begin || cut.End <= i.Begin {
			result = append(result, i)
			continue
		}
		if i.Begin < cut.Begin {
			result = append(result, Interval{Begin: i.Begin, End: cut.Begin})
		}
		if cut.End < i.End {
			result = append(result, Interval{Begin: cut.End, End: i.End})
		}
	}
	s.intervals = result
}

// IsSubsetOf reports whether every byte of s is covered by other.
func (s *IntervalSet) IsSubsetOf(other IntervalSet) bool {
	j := 0
	for _, i := range s.intervals {
		for j < len(other.intervals) && other.intervals[j].End <= i.Begin {
			j++
		}
		if j == len(other.intervals) || other.intervals[j].Begin > i.Begin || other.intervals[j].End < i.End {
			return false
		}
	}
	return true
}

func (s *IntervalSet) ContainsInterval(i Interval) bool {
	sub := NewIntervalSet(i)
	return sub.IsSubsetOf(*s)
}

// Clone returns an independent copy of the set.
func (s *IntervalSet) Clone() IntervalSet {
	clone := IntervalSet{intervals: make([]Interval, len(s.intervals))}
	copy(clone.intervals, s.intervals)
	return clone
}

func (s *IntervalSet) Intervals() []Interval {
	return s.intervals
}

func (s *IntervalSet) TotalSize() (total int64) {
	for _, i := range s.intervals {
		total += i.Size()
	}
	return
}

func (s *IntervalSet) Equal(other IntervalSet) bool {
	if len(s.intervals) != len(other.intervals) {
		return false
	}
	for n, i := range s.intervals {
		if i != other.intervals[n] {
			return false
		}
	}
	return true
}

func (s IntervalSet) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for n, i := range s.intervals {
		if n > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "[%d,%d)", i.Begin, i.End)
	}
	sb.WriteByte('}')
	return sb.String()
}
