package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"

	"github.com/quickfawn/lockhost/internal/protocol"
)

const udpPeerTimeout = 10 * time.Second

type udpPeer struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

// UDP is the plain point-to-point transport: one socket, a peer table
// keyed by address hash, a blocking read loop and an evictor for silent
// peers.
type UDP struct {
	qualityMeter

	conn *net.UDPConn
	buf  []byte

	logger *log.Logger

	mu    sync.Mutex
	peers map[Origin]*udpPeer

	inbound chan Inbound

	quit chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

var _ Transport = (*UDP)(nil)

func NewUDP(network, address string, logger *log.Logger) (*UDP, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default,
	// but silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	t := &UDP{
		conn: conn,
		buf:  make([]byte, protocol.MsgMaxSize),

		logger: logger,

		peers: make(map[Origin]*udpPeer),

		inbound: make(chan Inbound, inboundQueueSize),

		quit: make(chan struct{}),
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runRecv()
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runPeerEvictor()
	}()

	return t, nil
}

// Addr can be useful to retrieve the bound address when the transport
// was constructed with ":0".
func (t *UDP) Addr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *UDP) runRecv() {
	for {
		select {
		case <-t.quit:
			return
		default:
		}

		if err := t.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}

		n, addr, err := t.conn.ReadFromUDP(t.buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.quit:
				return
			default:
			}
			t.logger.Error().
				Msgf("could not read from udp: %v", err)
			continue
		}

		pkt, err := protocol.NewPacket(t.buf[:n])
		if err != nil {
			t.logger.Error().
				Str("bytes", fmt.Sprintf("%v", t.buf[:n])).
				Msgf("dropping inbound: %v", err)
			continue
		}

		origin := OriginOf(addr.String())
		t.mu.Lock()
		peer, ok := t.peers[origin]
		if ok {
			peer.lastSeen = time.Now()
		} else {
			t.peers[origin] = &udpPeer{addr: addr, lastSeen: time.Now()}
		}
		t.mu.Unlock()

		t.enqueue(Inbound{Origin: origin, Packet: pkt})
	}
}

// enqueue backs off with a short sleep while the queue is full; packets
// are never silently dropped.
func (t *UDP) enqueue(in Inbound) {
	for {
		select {
		case t.inbound <- in:
			return
		case <-t.quit:
			return
		default:
			time.Sleep(queueFullBackoff)
		}
	}
}

func (t *UDP) runPeerEvictor() {
	for {
		select {
		case <-t.quit:
			return
		case <-time.After(time.Second):
			now := time.Now()
			t.mu.Lock()
			for origin, peer := range t.peers {
				if now.Sub(peer.lastSeen) > udpPeerTimeout {
					delete(t.peers, origin)
					t.logger.Debug().
						Str("addr", peer.addr.String()).
						Msg("evicted silent peer")
				}
			}
			t.mu.Unlock()
		}
	}
}

func (t *UDP) sendBytes(buf []byte, addr *net.UDPAddr) error {
	var lastErr error
	for attempt := 1; attempt <= sendRetryLimit; attempt++ {
		_, err := t.conn.WriteToUDP(buf, addr)
		if err == nil {
			return nil
		}
		lastErr = err
		t.logger.Warn().
			Str("addr", addr.String()).
			Msgf("send attempt %d failed: %v", attempt, err)
		time.Sleep(retryDelay(attempt))
	}
	return fmt.Errorf("send to %s failed after %d attempts: %w", addr, sendRetryLimit, lastErr)
}

func (t *UDP) Broadcast(p *protocol.Packet) error {
	t.mu.Lock()
	addrs := make([]*net.UDPAddr, 0, len(t.peers))
	for _, peer := range t.peers {
		addrs = append(addrs, peer.addr)
	}
	t.mu.Unlock()

	var errs error
	for _, addr := range addrs {
		if err := t.sendBytes(p.Bytes(), addr); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (t *UDP) SendTo(origin Origin, p *protocol.Packet) error {
	t.mu.Lock()
	peer, ok := t.peers[origin]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownOrigin
	}
	return t.sendBytes(p.Bytes(), peer.addr)
}

func (t *UDP) Poll() (Inbound, bool) {
	select {
	case in := <-t.inbound:
		return in, true
	default:
		return Inbound{}, false
	}
}

// TriggerFailover has no second path on plain UDP; the best it can do
// is forget peers that already look dead so reconnects start clean.
func (t *UDP) TriggerFailover() {
	t.logger.Warn().Msg("failover requested on plain udp transport")
	t.mu.Lock()
	now := time.Now()
	for origin, peer := range t.peers {
		if now.Sub(peer.lastSeen) > udpPeerTimeout/2 {
			delete(t.peers, origin)
		}
	}
	t.mu.Unlock()
}

func (t *UDP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}
