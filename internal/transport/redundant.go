package transport

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"

	"github.com/quickfawn/lockhost/internal/protocol"
)

// dedupeWindow bounds how many recently seen inbound packets are
// remembered for duplicate suppression.
const dedupeWindow = 1024

// Redundant duplicates traffic across two underlying transports and
// suppresses the inbound duplicates, so losing either path loses
// nothing. A failover request flips which path is preferred for
// polling order.
type Redundant struct {
	paths [2]Transport

	logger *log.Logger

	// preferred indexes paths; TriggerFailover flips it.
	preferred atomic.Uint32
	failovers atomic.Uint64

	mu   sync.Mutex
	seen map[uint64]struct{}
	ring [dedupeWindow]uint64
	next int
}

var _ Transport = (*Redundant)(nil)

func NewRedundant(primary, secondary Transport, logger *log.Logger) *Redundant {
	// if logger is nil (which might be true in tests) => use default,
	// but silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Redundant{
		paths:  [2]Transport{primary, secondary},
		logger: logger,
		seen:   make(map[uint64]struct{}, dedupeWindow),
	}
}

func (t *Redundant) Broadcast(p *protocol.Packet) error {
	var errs error
	failed := 0
	for _, path := range t.paths {
		if err := path.Broadcast(p); err != nil {
			errs = multierror.Append(errs, err)
			failed++
		}
	}
	// one surviving path means delivery happened; both failing is the
	// caller's problem
	if failed < len(t.paths) {
		return nil
	}
	return errs
}

func (t *Redundant) SendTo(origin Origin, p *protocol.Packet) error {
	var errs error
	failed := 0
	for _, path := range t.paths {
		if err := path.SendTo(origin, p); err != nil {
			errs = multierror.Append(errs, err)
			failed++
		}
	}
	if failed < len(t.paths) {
		return nil
	}
	return errs
}

// dedupeKey folds payload and origin together; two peers sending
// identical bytes must not suppress each other.
func dedupeKey(in Inbound) uint64 {
	d := xxhash.New()
	var originBytes [8]byte
	for i := 0; i < 8; i++ {
		originBytes[i] = byte(uint64(in.Origin) >> (8 * i))
	}
	d.Write(originBytes[:])
	d.Write(in.Packet.Bytes())
	return d.Sum64()
}

func (t *Redundant) remember(key uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[key]; dup {
		return false
	}
	// ring holds insertion order so the map stays bounded
	if old := t.ring[t.next]; old != 0 {
		delete(t.seen, old)
	}
	t.ring[t.next] = key
	t.next = (t.next + 1) % dedupeWindow
	t.seen[key] = struct{}{}
	return true
}

func (t *Redundant) Poll() (Inbound, bool) {
	first := t.preferred.Load() % 2
	for i := uint32(0); i < 2; i++ {
		path := t.paths[(first+i)%2]
		for {
			in, ok := path.Poll()
			if !ok {
				break
			}
			if t.remember(dedupeKey(in)) {
				return in, true
			}
			// duplicate of a packet already delivered on the other
			// path
		}
	}
	return Inbound{}, false
}

func (t *Redundant) ConnectionQuality() float64 {
	return t.paths[t.preferred.Load()%2].ConnectionQuality()
}

func (t *Redundant) ObserveRTT(ms float64) {
	for _, path := range t.paths {
		path.ObserveRTT(ms)
	}
}

// TriggerFailover switches the preferred path and propagates the
// request so the demoted path can attempt recovery.
func (t *Redundant) TriggerFailover() {
	was := t.preferred.Load() % 2
	t.preferred.Store((was + 1) % 2)
	t.failovers.Add(1)

	t.logger.Warn().
		Uint64("failovers", t.failovers.Load()).
		Msgf("redundant path failover: %d -> %d", was, (was+1)%2)

	t.paths[was].TriggerFailover()
}

// Failovers reports how many path switches have happened.
func (t *Redundant) Failovers() uint64 {
	return t.failovers.Load()
}

func (t *Redundant) Close() error {
	var errs error
	for _, path := range t.paths {
		if err := path.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
