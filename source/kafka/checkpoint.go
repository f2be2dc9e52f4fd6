package kafka

import "sort"

// TopicPartition identifies one partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// Offset is the last offset handled on a partition. Drivers commit Offset+1.
type Offset struct {
	TopicPartition
	Offset int64
}

// Cursor tracks how far a partition has progressed through the pipeline.
// -1 means nothing happened yet.
type Cursor struct {
	Fetched   int64
	Delivered int64
	Committed int64
}

func newCursor() *Cursor { return &Cursor{Fetched: -1, Delivered: -1, Committed: -1} }

type cursors map[TopicPartition]*Cursor

func (c cursors) get(tp TopicPartition) *Cursor {
	cur, ok := c[tp]
	if !ok {
		cur = newCursor()
		c[tp] = cur
	}
	return cur
}

func (c cursors) fetched(tp TopicPartition, off int64) {
	if cur := c.get(tp); off > cur.Fetched {
		cur.Fetched = off
	}
}

func (c cursors) delivered(tp TopicPartition, off int64) {
	if cur := c.get(tp); off > cur.Delivered {
		cur.Delivered = off
	}
}

// uncommitted returns delivered offsets that are ahead of the committed ones,
// in a stable order.
func (c cursors) uncommitted() []Offset {
	var out []Offset
	for tp, cur := range c {
		if cur.Delivered > cur.Committed {
			out = append(out, Offset{TopicPartition: tp, Offset: cur.Delivered})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

func (c cursors) committed(offsets []Offset) {
	for _, o := range offsets {
		if cur := c.get(o.TopicPartition); o.Offset > cur.Committed {
			cur.Committed = o.Offset
		}
	}
}

// rewind moves fetch and delivery positions back to the last commit.
func (c cursors) rewind() {
	for _, cur := range c {
		cur.Fetched = cur.Committed
		cur.Delivered = cur.Committed
	}
}

func (c cursors) snapshot() map[TopicPartition]Cursor {
	out := make(map[TopicPartition]Cursor, len(c))
	for tp, cur := range c {
		out[tp] = *cur
	}
	return out
}
