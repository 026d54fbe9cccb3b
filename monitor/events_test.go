package monitor

import (
	"strconv"

	"github.com/pingcap/check"
)

type eventsSuite struct{}

var _ = check.Suite(&eventsSuite{})

func (s *eventsSuite) TestRingKeepsNewest(c *check.C) {
	l := NewEventLog(4)

	for i := 0; i < 10; i++ {
		l.Append(Event{Description: strconv.Itoa(i)})
	}

	events := l.Last(0)
	c.Assert(events, check.HasLen, 4)
	c.Assert(events[0].Description, check.Equals, "9")
	c.Assert(events[3].Description, check.Equals, "6")

	events = l.Last(2)
	c.Assert(events, check.HasLen, 2)
	c.Assert(events[0].Description, check.Equals, "9")
	c.Assert(events[1].Description, check.Equals, "8")
}

func (s *eventsSuite) TestPartiallyFilled(c *check.C) {
	l := NewEventLog(8)

	l.Append(Event{Description: "first"})
	l.Append(Event{Description: "second"})

	events := l.Last(100)
	c.Assert(events, check.HasLen, 2)
	c.Assert(events[0].Description, check.Equals, "second")
	c.Assert(events[1].Description, check.Equals, "first")

	c.Assert(NewEventLog(8).Last(5), check.HasLen, 0)
}
