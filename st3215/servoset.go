package st3215

import (
	"fmt"
	"slices"

	"github.com/Cogni-Robot/st3215/protocol"
)

// IDRange is an inclusive range of servo ids.
type IDRange struct {
	First, Last int
}

// FullRange covers every unicast id.
func FullRange() IDRange {
	return IDRange{First: 0, Last: protocol.MaxID}
}

// Len returns the number of ids in the range.
func (r IDRange) Len() int {
	return r.Last - r.First + 1
}

func (r IDRange) validate() error {
	if r.First < 0 || r.Last > protocol.MaxID || r.First > r.Last {
		return fmt.Errorf("%w: %d to %d", ErrInvalidRange, r.First, r.Last)
	}
	return nil
}

// ServoSet is a snapshot of the servos that answered a scan: ascending,
// without duplicates. It is not updated when servos are attached or removed
// afterwards.
type ServoSet struct {
	ids []int
}

// NewServoSet builds a set from ids in any order.
func NewServoSet(ids ...int) ServoSet {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return ServoSet{ids: slices.Compact(sorted)}
}

// Count returns the number of servos in the set.
func (s ServoSet) Count() int {
	return len(s.ids)
}

// Empty returns true if no servo answered.
func (s ServoSet) Empty() bool {
	return len(s.ids) == 0
}

// IDs returns the ids in ascending order.
func (s ServoSet) IDs() []int {
	return slices.Clone(s.ids)
}

// Contains reports whether id is in the set.
func (s ServoSet) Contains(id int) bool {
	_, found := slices.BinarySearch(s.ids, id)
	return found
}

// Single returns the only id in the set. ok is false unless Count is 1.
func (s ServoSet) Single() (id int, ok bool) {
	if len(s.ids) != 1 {
		return 0, false
	}
	return s.ids[0], true
}

// Equal reports whether both sets hold the same ids.
func (s ServoSet) Equal(o ServoSet) bool {
	return slices.Equal(s.ids, o.ids)
}

func (s ServoSet) String() string {
	return fmt.Sprintf("%v (count %d)", s.ids, len(s.ids))
}

// replace returns a copy with from swapped for to.
func (s ServoSet) replace(from, to int) ServoSet {
	ids := slices.DeleteFunc(slices.Clone(s.ids), func(id int) bool { return id == from })
	return NewServoSet(append(ids, to)...)
}
