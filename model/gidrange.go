package model

import (
	"fmt"
	"iter"
)

// GIDRange describes the contiguous block [Min, End) of GIDs created by
// one placement request, all of the same model.
type GIDRange struct {
	Min   GID
	End   GID
	Model ModelID
}

// Len is the number of GIDs in the range.
func (r GIDRange) Len() int { return int(r.End - r.Min) }

// Last is the largest GID in the range.
func (r GIDRange) Last() GID { return r.End - 1 }

// Contains reports whether gid lies inside the range.
func (r GIDRange) Contains(gid GID) bool { return gid >= r.Min && gid < r.End }

// All yields every GID in ascending order.
func (r GIDRange) All() iter.Seq[GID] {
	return func(yield func(GID) bool) {
		for gid := r.Min; gid < r.End; gid++ {
			if !yield(gid) {
				return
			}
		}
	}
}

func (r GIDRange) String() string {
	return fmt.Sprintf("[%d, %d) model=%d", r.Min, r.End, r.Model)
}
