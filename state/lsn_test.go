package state

import (
	"github.com/pingcap/check"
)

type lsnSuite struct {
}

var _ = check.Suite(&lsnSuite{})

func (s *lsnSuite) TestParseAndString(c *check.C) {
	l, err := ParseLSN("16/B374D848")
	c.Assert(err, check.IsNil)
	c.Assert(uint64(l), check.Equals, uint64(0x16B374D848))
	c.Assert(l.String(), check.Equals, "16/B374D848")

	l, err = ParseLSN("0/0")
	c.Assert(err, check.IsNil)
	c.Assert(l, check.Equals, InvalidLSN)

	_, err = ParseLSN("not-an-lsn")
	c.Assert(err, check.NotNil)

	_, err = ParseLSN("")
	c.Assert(err, check.NotNil)
}

func (s *lsnSuite) TestCompare(c *check.C) {
	ascending := []LSN{
		0x0000000000000004,
		0x0000000100000000,
		0x0000001600000000,
		0x16B374D848,
		0xFF00000000000000,
	}

	for i := 1; i < len(ascending); i++ {
		c.Assert(ascending[i-1].Compare(ascending[i]), check.Equals, -1)
		c.Assert(ascending[i].Compare(ascending[i-1]), check.Equals, 1)
	}

	for _, l := range ascending {
		c.Assert(l.Compare(l), check.Equals, 0)
	}
}

func (s *lsnSuite) TestDiffWithin(c *check.C) {
	a := LSN(1000)
	b := LSN(1100)

	c.Assert(a.DiffWithin(b, 100), check.IsTrue)
	c.Assert(b.DiffWithin(a, 100), check.IsTrue)
	c.Assert(a.DiffWithin(b, 99), check.IsFalse)
	c.Assert(a.DiffWithin(a, 0), check.IsTrue)

	// unreported positions are never caught up
	c.Assert(InvalidLSN.DiffWithin(b, 1<<62), check.IsFalse)
	c.Assert(b.DiffWithin(InvalidLSN, 1<<62), check.IsFalse)
}
