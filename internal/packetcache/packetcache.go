// Package packetcache keeps a bounded, ordered log of broadcast session
// packets so that a late joiner can be caught up with the exact prefix
// of events everyone else saw.
package packetcache

import (
	"github.com/quickfawn/lockhost/internal/debug"
	"github.com/quickfawn/lockhost/internal/protocol"
)

const DefaultCapacity = 512

type Cache struct {
	capacity int
	packets  []*protocol.Packet
	appended uint64
}

func New(capacity int) *Cache {
	debug.Assert(capacity > 0)
	return &Cache{
		capacity: capacity,
		packets:  make([]*protocol.Packet, 0, capacity),
	}
}

// Append records a broadcast packet, evicting the oldest entry when at
// capacity. Losing very old history only affects very-late joiners.
func (c *Cache) Append(p *protocol.Packet) {
	if len(c.packets) == c.capacity {
		copy(c.packets, c.packets[1:])
		c.packets = c.packets[:c.capacity-1]
	}
	c.packets = append(c.packets, p)
	c.appended++
}

// ReplayTo hands every retained packet, in original broadcast order, to
// send. Replay stops at the first send error; the caller decides
// whether the joiner is still viable.
func (c *Cache) ReplayTo(send func(*protocol.Packet) error) error {
	for _, p := range c.packets {
		if err := send(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Len() int {
	return len(c.packets)
}

// Appended is the total number of packets ever appended, including
// evicted ones.
func (c *Cache) Appended() uint64 {
	return c.appended
}
