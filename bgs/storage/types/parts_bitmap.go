package types

import "strings"

// PartsBitmap is a set of 0-based part indices, bit i for part index i.
type PartsBitmap uint8

func NewPartsBitmap(partIdxs ...int) PartsBitmap {
	var pb PartsBitmap
	for _, i := range partIdxs {
		pb = pb.With(i)
	}
	return pb
}

func (pb PartsBitmap) With(partIdx int) PartsBitmap {
	return pb | 1<<uint(partIdx)
}

func (pb PartsBitmap) Without(partIdx int) PartsBitmap {
	return pb &^ (1 << uint(partIdx))
}

func (pb PartsBitmap) Has(partIdx int) bool {
	return pb&(1<<uint(partIdx)) != 0
}

func (pb PartsBitmap) Empty() bool {
	return pb == 0
}

func (pb PartsBitmap) Count() (n int) {
	for v := pb; v != 0; v &= v - 1 {
		n++
	}
	return
}

// Sub removes all parts of other from the set.
func (pb PartsBitmap) Sub(other PartsBitmap) PartsBitmap {
	return pb &^ other
}

func (pb PartsBitmap) Or(other PartsBitmap) PartsBitmap {
	return pb | other
}

// Parts returns the contained 0-based part indices in ascending order.
func (pb PartsBitmap) Parts() []int {
	parts := make([]int, 0, 8)
	for i := 0; i < 8; i++ {
		if pb.Has(i) {
			parts = append(parts, i)
		}
	}
	return parts
}

func (pb PartsBitmap) String() string {
	var sb strings.Builder
	for i := 0; i < 8; i++ {
		if pb.Has(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
