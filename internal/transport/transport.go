// Package transport is the point-to-point delivery capability the
// session coordinator is written against. The coordinator never knows
// which variant is active: plain UDP, websocket, or the redundant
// dual-path wrapper.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/quickfawn/lockhost/internal/protocol"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrUnknownOrigin = errors.New("unknown origin")
)

const (
	// inboundQueueSize bounds buffered inbound packets. Producers back
	// off instead of dropping when it fills; ordering beats latency on
	// this channel.
	inboundQueueSize = 1024
	queueFullBackoff = 10 * time.Millisecond

	sendRetryLimit = 5
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 500 * time.Millisecond
)

// Origin identifies a remote peer across the life of a session. It is a
// hash of the peer's address, so it survives the peer's participant
// slot being recycled.
type Origin uint64

func OriginOf(addr string) Origin {
	return Origin(xxhash.Sum64String(addr))
}

// Inbound is one delivered buffer plus who sent it.
type Inbound struct {
	Origin Origin
	Packet *protocol.Packet
}

// Transport is the capability surface the coordinator consumes. Sends
// must not block the caller beyond a bounded retry budget; anything
// slower has to be handed off internally.
type Transport interface {
	// Broadcast sends to every connected peer.
	Broadcast(p *protocol.Packet) error
	// SendTo sends to a single peer.
	SendTo(origin Origin, p *protocol.Packet) error
	// Poll returns the next inbound buffer, non-blocking.
	Poll() (Inbound, bool)
	// ConnectionQuality is a round-trip estimate in milliseconds;
	// 0 means no estimate yet.
	ConnectionQuality() float64
	// ObserveRTT feeds a round-trip sample into the quality estimate.
	ObserveRTT(ms float64)
	// TriggerFailover asks the transport to switch redundancy path /
	// attempt recovery. Variants without a second path treat it as a
	// hint only.
	TriggerFailover()
	Close() error
}

// retryDelay is the capped backoff between send attempts.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay * time.Duration(attempt)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

// qualityMeter is the shared RTT EWMA every variant embeds.
type qualityMeter struct {
	mu   sync.Mutex
	ewma float64
}

func (q *qualityMeter) ObserveRTT(ms float64) {
	if ms < 0 {
		return
	}
	q.mu.Lock()
	if q.ewma == 0 {
		q.ewma = ms
	} else {
		q.ewma = q.ewma*0.8 + ms*0.2
	}
	q.mu.Unlock()
}

func (q *qualityMeter) ConnectionQuality() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ewma
}
