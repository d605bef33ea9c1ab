package client

// outboundQueue holds frames sent while disconnected. With a positive limit
// the oldest frame is evicted to make room.
type outboundQueue struct {
	items [][]byte
	limit int
}

func newOutboundQueue(limit int) *outboundQueue {
	return &outboundQueue{limit: limit}
}

// push appends frame and reports whether an older frame was evicted.
func (q *outboundQueue) push(frame []byte) bool {
	evicted := false
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items[0] = nil
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, frame)
	return evicted
}

func (q *outboundQueue) pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	frame := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return frame, true
}

func (q *outboundQueue) len() int { return len(q.items) }
