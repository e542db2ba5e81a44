package transport

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/quickfawn/lockhost/internal/protocol"
)

// Pipe is an in-memory transport: clients attach in-process and
// exchange packets over channels. It backs tests and local (same
// process) participants, the way a loopback connection would.
type Pipe struct {
	qualityMeter

	mu      sync.Mutex
	clients map[Origin]*PipeClient
	closed  bool

	inbound chan Inbound

	failovers int
}

var _ Transport = (*Pipe)(nil)

func NewPipe() *Pipe {
	return &Pipe{
		clients: make(map[Origin]*PipeClient),
		inbound: make(chan Inbound, inboundQueueSize),
	}
}

// PipeClient is the peer end of a Pipe attachment.
type PipeClient struct {
	pipe   *Pipe
	origin Origin
	recv   chan *protocol.Packet
}

// Connect attaches a named client. The name plays the role of a remote
// address.
func (t *Pipe) Connect(name string) *PipeClient {
	c := &PipeClient{
		pipe:   t,
		origin: OriginOf(name),
		recv:   make(chan *protocol.Packet, inboundQueueSize),
	}
	t.mu.Lock()
	t.clients[c.origin] = c
	t.mu.Unlock()
	return c
}

func (t *Pipe) Broadcast(p *protocol.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	var errs error
	for origin, c := range t.clients {
		select {
		case c.recv <- p:
		default:
			errs = multierror.Append(errs, fmt.Errorf("client %d receive queue full", origin))
		}
	}
	return errs
}

func (t *Pipe) SendTo(origin Origin, p *protocol.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	c, ok := t.clients[origin]
	if !ok {
		return ErrUnknownOrigin
	}
	c.recv <- p
	return nil
}

func (t *Pipe) Poll() (Inbound, bool) {
	select {
	case in := <-t.inbound:
		return in, true
	default:
		return Inbound{}, false
	}
}

func (t *Pipe) TriggerFailover() {
	t.mu.Lock()
	t.failovers++
	t.mu.Unlock()
}

// Failovers reports how many failover requests were received; tests
// assert on it.
func (t *Pipe) Failovers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failovers
}

func (t *Pipe) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (c *PipeClient) Origin() Origin {
	return c.origin
}

// Send pushes a packet to the server side.
func (c *PipeClient) Send(p *protocol.Packet) {
	c.pipe.inbound <- Inbound{Origin: c.origin, Packet: p}
}

// TryRecv pops the next packet delivered to this client, non-blocking.
func (c *PipeClient) TryRecv() (*protocol.Packet, bool) {
	select {
	case p := <-c.recv:
		return p, true
	default:
		return nil, false
	}
}

// Drain pops everything currently delivered to this client.
func (c *PipeClient) Drain() []*protocol.Packet {
	var out []*protocol.Packet
	for {
		p, ok := c.TryRecv()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}
