package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"

	"github.com/quickfawn/lockhost/internal/protocol"
)

type wsPeer struct {
	conn *websocket.Conn
	// mu serializes writes; gorilla allows one concurrent writer per
	// conn.
	mu sync.Mutex
}

// WS is the websocket fallback transport. Each accepted connection gets
// a read pump feeding the shared inbound queue.
type WS struct {
	qualityMeter

	logger *log.Logger

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[Origin]*wsPeer

	inbound chan Inbound

	quit chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

var _ Transport = (*WS)(nil)

func NewWS(address string, logger *log.Logger) (*WS, error) {
	// if logger is nil (which might be true in tests) => use default,
	// but silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	t := &WS{
		logger: logger,

		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  protocol.MsgMaxSize,
			WriteBufferSize: protocol.MsgMaxSize,
		},

		peers: make(map[Origin]*wsPeer),

		inbound: make(chan Inbound, inboundQueueSize),

		quit: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", t.handleSession)
	t.server = &http.Server{Handler: mux}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.logger.Error().Msgf("ws serve failed: %v", err)
		}
	}()

	return t, nil
}

// Addr can be useful to retrieve the bound address when the transport
// was constructed with ":0".
func (t *WS) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *WS) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error().Msgf("could not upgrade: %v", err)
		return
	}

	origin := OriginOf(conn.RemoteAddr().String())
	peer := &wsPeer{conn: conn}

	t.mu.Lock()
	t.peers[origin] = peer
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readPump(origin, peer)
	}()
}

func (t *WS) readPump(origin Origin, peer *wsPeer) {
	defer func() {
		t.mu.Lock()
		delete(t.peers, origin)
		t.mu.Unlock()
		peer.conn.Close()
	}()

	for {
		select {
		case <-t.quit:
			return
		default:
		}

		msgType, buf, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug().Msgf("peer read failed: %v", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		pkt, err := protocol.NewPacket(buf)
		if err != nil {
			t.logger.Error().Msgf("dropping inbound: %v", err)
			continue
		}

		t.enqueue(Inbound{Origin: origin, Packet: pkt})
	}
}

func (t *WS) enqueue(in Inbound) {
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

func (t *WS) sendToPeer(peer *wsPeer, p *protocol.Packet) error {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	peer.conn.SetWriteDeadline(time.Now().Add(retryMaxDelay))
	return peer.conn.WriteMessage(websocket.BinaryMessage, p.Bytes())
}

func (t *WS) Broadcast(p *protocol.Packet) error {
	t.mu.Lock()
	peers := make([]*wsPeer, 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, peer)
	}
	t.mu.Unlock()

	var errs error
	for _, peer := range peers {
		if err := t.sendToPeer(peer, p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (t *WS) SendTo(origin Origin, p *protocol.Packet) error {
	t.mu.Lock()
	peer, ok := t.peers[origin]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownOrigin
	}
	return t.sendToPeer(peer, p)
}

func (t *WS) Poll() (Inbound, bool) {
	select {
	case in := <-t.inbound:
		return in, true
	default:
		return Inbound{}, false
	}
}

// TriggerFailover drops connections so clients re-dial; websocket has
// no second path of its own.
func (t *WS) TriggerFailover() {
	t.logger.Warn().Msg("failover requested on websocket transport")
	t.mu.Lock()
	for origin, peer := range t.peers {
		peer.conn.Close()
		delete(t.peers, origin)
	}
	t.mu.Unlock()
}

func (t *WS) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = t.server.Shutdown(ctx)

		t.mu.Lock()
		for _, peer := range t.peers {
			peer.conn.Close()
		}
		t.mu.Unlock()

		t.wg.Wait()
	})
	return err
}
