package protocol

import (
	"encoding/binary"
	"errors"
	"sync"
)

// QueryIDLen is the width of the query ids this host allocates. Sixteen
// bits keep wraparound out of reach of realistic outstanding-request counts.
const QueryIDLen = 2

// ErrQueryIDReused is delivered to a pending response callback whose id was
// allocated again before the peripheral answered.
var ErrQueryIDReused = errors.New("protocol: query id reused before response")

// ResponseFunc receives the data of a correlated response, or an error when
// the request will never be answered.
type ResponseFunc func(data []byte, err error)

// Correlator allocates query ids and routes responses back to the request
// that carried them. Safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	next    uint16
	pending map[uint16]ResponseFunc
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[uint16]ResponseFunc)}
}

// Next allocates a query id that expects no response.
func (c *Correlator) Next() []byte {
	c.mu.Lock()
	id := c.allocLocked()
	old := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if old != nil {
		old(nil, ErrQueryIDReused)
	}
	return encodeQueryID(id)
}

// Register allocates a query id and registers cb for its response. If the
// id still has an outstanding callback, that callback fails with
// ErrQueryIDReused instead of being dropped.
func (c *Correlator) Register(cb ResponseFunc) []byte {
	c.mu.Lock()
	id := c.allocLocked()
	old := c.pending[id]
	c.pending[id] = cb
	c.mu.Unlock()

	if old != nil {
		old(nil, ErrQueryIDReused)
	}
	return encodeQueryID(id)
}

// Resolve delivers a response frame to its callback. It reports whether a
// callback was waiting for the frame's query id.
func (c *Correlator) Resolve(f Frame) bool {
	if len(f.QueryID) != QueryIDLen {
		return false
	}
	id := binary.BigEndian.Uint16(f.QueryID)

	c.mu.Lock()
	cb, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok && cb != nil {
		cb(f.Data, nil)
	}
	return ok
}

// Cancel fails a single outstanding request.
func (c *Correlator) Cancel(queryID []byte, err error) {
	if len(queryID) != QueryIDLen {
		return
	}
	id := binary.BigEndian.Uint16(queryID)
	c.mu.Lock()
	cb := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if cb != nil {
		cb(nil, err)
	}
}

// FailAll fails every outstanding request with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint16]ResponseFunc)
	c.mu.Unlock()

	for _, cb := range pending {
		if cb != nil {
			cb(nil, err)
		}
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) allocLocked() uint16 {
	id := c.next
	c.next++
	return id
}

func encodeQueryID(id uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, id)
}
