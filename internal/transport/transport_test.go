package transport_test

import (
	"net"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/quickfawn/lockhost/internal/protocol"
	"github.com/quickfawn/lockhost/internal/transport"
)

func TestPipeRoundTrip(t *testing.T) {
	is := is.New(t)

	pipe := transport.NewPipe()
	defer pipe.Close()

	client := pipe.Connect("client-a")

	client.Send((&protocol.Ping{Player: 1}).Packet())
	in, ok := pipe.Poll()
	is.True(ok)
	is.Equal(in.Origin, client.Origin())
	is.Equal(in.Packet.Tag(), protocol.MsgPing)

	_, ok = pipe.Poll()
	is.True(!ok)

	is.NoErr(pipe.Broadcast(protocol.KeyFrame(16)))
	got, ok := client.TryRecv()
	is.True(ok)
	is.Equal(got.Tag(), protocol.MsgKeyFrame)
}

func TestPipeSendToUnknownOrigin(t *testing.T) {
	is := is.New(t)

	pipe := transport.NewPipe()
	defer pipe.Close()

	err := pipe.SendTo(transport.OriginOf("nobody"), protocol.Quit())
	is.Equal(err, transport.ErrUnknownOrigin)
}

func TestRedundantSuppressesDuplicates(t *testing.T) {
	is := is.New(t)

	pathA := transport.NewPipe()
	pathB := transport.NewPipe()
	red := transport.NewRedundant(pathA, pathB, nil)
	defer red.Close()

	clientA := pathA.Connect("peer")
	clientB := pathB.Connect("peer")

	// the same packet arrives on both paths, as a redundant client
	// would send it
	pkt := (&protocol.Ping{Player: 2}).Packet()
	clientA.Send(pkt)
	clientB.Send(pkt)

	_, ok := red.Poll()
	is.True(ok)
	_, ok = red.Poll()
	is.True(!ok)
}

func TestRedundantKeepsDistinctSenders(t *testing.T) {
	is := is.New(t)

	pathA := transport.NewPipe()
	pathB := transport.NewPipe()
	red := transport.NewRedundant(pathA, pathB, nil)
	defer red.Close()

	clientA := pathA.Connect("peer-a")
	clientB := pathB.Connect("peer-b")

	// identical bytes from different peers are not duplicates
	pkt := (&protocol.Ping{Player: 2}).Packet()
	clientA.Send(pkt)
	clientB.Send(pkt)

	_, ok := red.Poll()
	is.True(ok)
	_, ok = red.Poll()
	is.True(ok)
}

func TestRedundantFailoverFlipsPath(t *testing.T) {
	is := is.New(t)

	pathA := transport.NewPipe()
	pathB := transport.NewPipe()
	red := transport.NewRedundant(pathA, pathB, nil)
	defer red.Close()

	is.Equal(red.Failovers(), uint64(0))
	red.TriggerFailover()
	is.Equal(red.Failovers(), uint64(1))
	// the demoted path was asked to recover
	is.Equal(pathA.Failovers(), 1)
	is.Equal(pathB.Failovers(), 0)
}

func TestRedundantBroadcastSurvivesOnePathDown(t *testing.T) {
	is := is.New(t)

	pathA := transport.NewPipe()
	pathB := transport.NewPipe()
	red := transport.NewRedundant(pathA, pathB, nil)

	client := pathA.Connect("peer")
	is.NoErr(pathB.Close())

	is.NoErr(red.Broadcast(protocol.KeyFrame(1)))
	got, ok := client.TryRecv()
	is.True(ok)
	is.Equal(got.Tag(), protocol.MsgKeyFrame)

	pathA.Close()
}

func TestUDPDeliversInbound(t *testing.T) {
	is := is.New(t)

	tr, err := transport.NewUDP("udp4", "127.0.0.1:0", nil)
	is.NoErr(err)
	defer tr.Close()

	clientConn, err := net.DialUDP("udp4", nil, tr.Addr())
	is.NoErr(err)
	defer clientConn.Close()

	pkt := (&protocol.Ping{Player: 5}).Packet()
	_, err = clientConn.Write(pkt.Bytes())
	is.NoErr(err)

	in, ok := pollWait(tr, time.Second)
	is.True(ok)
	is.Equal(in.Packet.Bytes(), pkt.Bytes())

	// the sender is now a known peer: SendTo reaches it
	err = tr.SendTo(in.Origin, protocol.KeyFrame(32))
	is.NoErr(err)

	err = clientConn.SetReadDeadline(time.Now().Add(time.Second))
	is.NoErr(err)
	buf := make([]byte, protocol.MsgMaxSize)
	n, err := clientConn.Read(buf)
	is.NoErr(err)
	is.Equal(buf[:n], protocol.KeyFrame(32).Bytes())
}

func TestQualityMeterEWMA(t *testing.T) {
	is := is.New(t)

	pipe := transport.NewPipe()
	defer pipe.Close()

	is.Equal(pipe.ConnectionQuality(), float64(0))
	pipe.ObserveRTT(100)
	is.Equal(pipe.ConnectionQuality(), float64(100))

	pipe.ObserveRTT(50)
	quality := pipe.ConnectionQuality()
	is.True(quality < 100 && quality > 50)
}

func pollWait(tr transport.Transport, timeout time.Duration) (transport.Inbound, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if in, ok := tr.Poll(); ok {
			return in, ok
		}
		time.Sleep(time.Millisecond)
	}
	return transport.Inbound{}, false
}
