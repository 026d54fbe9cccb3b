package state

import (
	"fmt"

	"github.com/pingcap/errors"
)

// LSN is a PostgreSQL log sequence number, the byte position a node has
// reached in the WAL stream. Zero means the node has not reported one yet.
type LSN uint64

// InvalidLSN is the zero position, before any report.
const InvalidLSN LSN = 0

// ParseLSN parses the textual "16/B374D848" form used by Postgres.
func ParseLSN(s string) (LSN, error) {
	var hi, lo uint32

	n, err := fmt.Sscanf(s, "%X/%X", &hi, &lo)
	if err != nil || n != 2 {
		return InvalidLSN, errors.Errorf("invalid LSN %q", s)
	}

	return LSN(uint64(hi)<<32 | uint64(lo)), nil
}

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}

// Compare returns 1 if l is further along the WAL stream than o, -1 if it is
// behind, and 0 when equal.
func (l LSN) Compare(o LSN) int {
	if l > o {
		return 1
	} else if l < o {
		return -1
	}
	return 0
}

// DiffWithin returns whether the two positions are within delta bytes of each
// other. Returns false when either side has not reported yet: the absence of
// a position is never treated as being caught up.
func (l LSN) DiffWithin(o LSN, delta uint64) bool {
	if l == InvalidLSN || o == InvalidLSN {
		return false
	}

	var d uint64
	if l > o {
		d = uint64(l - o)
	} else {
		d = uint64(o - l)
	}

	return d <= delta
}
