// Package autohost speaks the fixed binary notification protocol an
// external monitoring process ("autohost") consumes: one tag byte plus
// a per-tag payload. The inbound direction is a low-volume command
// injection channel (chat).
package autohost

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// Event tags. These values are the external contract; tooling on the
// other end matches on them byte for byte.
const (
	EventServerStarted      uint8 = 0
	EventServerQuit         uint8 = 1
	EventServerStartPlaying uint8 = 2
	EventServerGameOver     uint8 = 3

	EventPlayerJoined   uint8 = 10
	EventPlayerLeft     uint8 = 11
	EventPlayerReady    uint8 = 12
	EventPlayerChat     uint8 = 13
	EventPlayerDefeated uint8 = 14

	EventGameLuaMsg uint8 = 20
)

const (
	commandQueueSize = 1024
	// queueFullBackoff: inbound commands back off rather than drop;
	// delivery beats latency on this channel.
	queueFullBackoff = 10 * time.Millisecond

	sendRetryLimit = 3
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 500 * time.Millisecond

	readBufSize = 64 << 10
)

// Interface is the autohost notification channel. A nil *Interface is
// valid and turns every Send* into a no-op, which is how a server
// without an autohost configured runs.
type Interface struct {
	conn *net.UDPConn

	logger *log.Logger

	commands chan []byte

	quit chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

func New(network, address string, logger *log.Logger) (*Interface, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve autohost addr: %w", err)
	}

	conn, err := net.DialUDP(network, nil, addr)
	if err != nil {
		return nil, fmt.Errorf("could not dial autohost: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default,
	// but silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	a := &Interface{
		conn: conn,

		logger: logger,

		commands: make(chan []byte, commandQueueSize),

		quit: make(chan struct{}),
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runRecv()
	}()

	return a, nil
}

func (a *Interface) runRecv() {
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-a.quit:
			return
		default:
		}

		if err := a.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}

		n, err := a.conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-a.quit:
				return
			default:
			}
			a.logger.Error().Msgf("autohost read failed: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		cmd := make([]byte, n)
		copy(cmd, buf[:n])

		for {
			select {
			case a.commands <- cmd:
			case <-a.quit:
				return
			default:
				time.Sleep(queueFullBackoff)
				continue
			}
			break
		}
	}
}

// PopCommand returns the next inbound command buffer, non-blocking;
// ok is false when none is pending.
func (a *Interface) PopCommand() ([]byte, bool) {
	if a == nil {
		return nil, false
	}
	select {
	case cmd := <-a.commands:
		return cmd, true
	default:
		return nil, false
	}
}

func (a *Interface) send(buf []byte) {
	if a == nil {
		return
	}
	var lastErr error
	for attempt := 1; attempt <= sendRetryLimit; attempt++ {
		if _, lastErr = a.conn.Write(buf); lastErr == nil {
			return
		}
		delay := retryBaseDelay * time.Duration(attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		time.Sleep(delay)
	}
	a.logger.Warn().Msgf("autohost send failed after %d attempts: %v", sendRetryLimit, lastErr)
}

func (a *Interface) SendStart() {
	a.send([]byte{EventServerStarted})
}

func (a *Interface) SendQuit() {
	a.send([]byte{EventServerQuit})
}

// SendStartPlaying announces the simulation start. The size field
// counts the whole frame and is little-endian; that is what existing
// autohost tooling parses.
func (a *Interface) SendStartPlaying(gameID [16]byte, demoName string) {
	size := uint32(1 + 4 + len(gameID) + len(demoName))
	buf := bytes.Buffer{}
	buf.WriteByte(EventServerStartPlaying)
	binary.Write(&buf, binary.LittleEndian, size)
	buf.Write(gameID[:])
	buf.WriteString(demoName)
	a.send(buf.Bytes())
}

func (a *Interface) SendGameOver(player uint8, winningTeams []uint8) {
	buf := bytes.Buffer{}
	buf.WriteByte(EventServerGameOver)
	buf.WriteByte(player)
	buf.WriteByte(uint8(len(winningTeams) + 3))
	buf.Write(winningTeams)
	a.send(buf.Bytes())
}

func (a *Interface) SendPlayerJoined(player uint8, name string) {
	buf := bytes.Buffer{}
	buf.WriteByte(EventPlayerJoined)
	buf.WriteByte(player)
	buf.WriteString(name)
	a.send(buf.Bytes())
}

func (a *Interface) SendPlayerLeft(player uint8, reason uint8) {
	a.send([]byte{EventPlayerLeft, player, reason})
}

func (a *Interface) SendPlayerReady(player uint8, state uint8) {
	a.send([]byte{EventPlayerReady, player, state})
}

func (a *Interface) SendPlayerChat(player uint8, dest uint8, text string) {
	buf := bytes.Buffer{}
	buf.WriteByte(EventPlayerChat)
	buf.WriteByte(player)
	buf.WriteByte(dest)
	buf.WriteString(text)
	a.send(buf.Bytes())
}

func (a *Interface) SendPlayerDefeated(player uint8) {
	a.send([]byte{EventPlayerDefeated, player})
}

func (a *Interface) SendLuaMsg(payload []byte) {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, EventGameLuaMsg)
	buf = append(buf, payload...)
	a.send(buf)
}

// Send passes a preframed buffer through unchanged.
func (a *Interface) Send(buf []byte) {
	a.send(buf)
}

func (a *Interface) Close() error {
	if a == nil {
		return nil
	}
	var err error
	a.closeOnce.Do(func() {
		close(a.quit)
		err = a.conn.Close()
		a.wg.Wait()
	})
	return err
}
