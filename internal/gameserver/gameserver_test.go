package gameserver_test

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/quickfawn/lockhost/internal/gameserver"
	"github.com/quickfawn/lockhost/internal/protocol"
	"github.com/quickfawn/lockhost/internal/transport"
)

// harness drives the coordinator deterministically: no Run loop, just
// explicit steps over an in-memory transport.
type harness struct {
	server *gameserver.Server
	pipe   *transport.Pipe
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	pipe := transport.NewPipe()
	t.Cleanup(func() { pipe.Close() })

	h := &harness{
		server: gameserver.New(gameserver.DefaultConfig(), pipe, nil, nil, nil),
		pipe:   pipe,
		now:    time.Now(),
	}
	// burn the first step so the periodic timers are anchored
	h.step()
	return h
}

func (h *harness) step() {
	h.now = h.now.Add(5 * time.Millisecond)
	h.server.Step(h.now)
}

func (h *harness) join(name string, team uint8) *transport.PipeClient {
	client := h.pipe.Connect(name)
	client.Send((&protocol.NewPlayerRequest{Name: name, Version: "1.0", Team: team}).Packet())
	h.step()
	return client
}

func tagsOf(packets []*protocol.Packet) []uint8 {
	tags := make([]uint8, len(packets))
	for i, p := range packets {
		tags[i] = p.Tag()
	}
	return tags
}

func filterTag(packets []*protocol.Packet, tag uint8) []*protocol.Packet {
	var out []*protocol.Packet
	for _, p := range packets {
		if p.Tag() == tag {
			out = append(out, p)
		}
	}
	return out
}

func TestJoinAnnouncesSlotTeamAndReady(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	client := h.join("alice", 0)

	packets := client.Drain()
	is.Equal(tagsOf(packets), []uint8{protocol.MsgNewPlayer, protocol.MsgJoinTeam, protocol.MsgPlayerReady})
	is.Equal(packets[0].Bytes(), protocol.NewPlayerBroadcast(0, false, 0, "alice").Bytes())
	is.Equal(packets[1].Bytes(), protocol.JoinTeam(0, 0).Bytes())
	is.Equal(packets[2].Bytes(), protocol.PlayerReady(0, 1).Bytes())
}

func TestLateJoinerSeesHistoryBeforeOwnJoin(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)

	chat := (&protocol.Chat{From: 0, Dest: protocol.ChatToEveryone, Text: "hello"}).Packet()
	alice.Send(chat)
	h.step()

	bob := h.join("bob", 1)

	// bob observes the exact event prefix everyone else saw, then his
	// own join
	packets := bob.Drain()
	is.Equal(len(packets), 7)
	is.Equal(packets[0].Bytes(), protocol.NewPlayerBroadcast(0, false, 0, "alice").Bytes())
	is.Equal(packets[1].Bytes(), protocol.JoinTeam(0, 0).Bytes())
	is.Equal(packets[2].Bytes(), protocol.PlayerReady(0, 1).Bytes())
	is.Equal(packets[3].Bytes(), chat.Bytes())
	is.Equal(packets[4].Bytes(), protocol.NewPlayerBroadcast(1, false, 1, "bob").Bytes())
	is.Equal(packets[5].Bytes(), protocol.JoinTeam(1, 1).Bytes())
	is.Equal(packets[6].Bytes(), protocol.PlayerReady(1, 1).Bytes())
}

func TestChatRelayRespectsMute(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)
	alice.Drain()

	alice.Send((&protocol.Chat{From: 0, Dest: protocol.ChatToEveryone, Text: "gl hf"}).Packet())
	h.step()
	is.Equal(len(filterTag(alice.Drain(), protocol.MsgChat)), 1)

	h.server.MuteParticipant(0, true, false)
	alice.Send((&protocol.Chat{From: 0, Dest: protocol.ChatToEveryone, Text: "spam"}).Packet())
	h.step()
	is.Equal(len(filterTag(alice.Drain(), protocol.MsgChat)), 0)
}

func TestStartGameBroadcastsIdentifierOnce(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)
	alice.Drain()

	h.server.StartGame()
	h.server.StartGame()

	packets := alice.Drain()
	ids := filterTag(packets, protocol.MsgGameID)
	is.Equal(len(ids), 1)
	is.Equal(ids[0].Bytes(), protocol.GameID(h.server.GameID()).Bytes())
	is.Equal(len(filterTag(packets, protocol.MsgStartPlaying)), 1)
}

func TestKeyframeMarkerOnBoundary(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)
	bob := h.join("bob", 1)
	_ = bob

	h.server.StartGame()
	alice.Drain()

	for i := 0; i < 16; i++ {
		h.step()
	}

	keyframes := filterTag(alice.Drain(), protocol.MsgKeyFrame)
	is.Equal(len(keyframes), 1)
	frame, err := protocol.KeyFrameNum(keyframes[0])
	is.NoErr(err)
	is.Equal(frame, int32(16))
}

func TestPauseTransitionBroadcastsOnce(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)
	bob := h.join("bob", 1)
	_ = bob

	h.server.StartGame()
	h.step()
	alice.Drain()

	pause := (&protocol.Pause{Player: 0, Paused: true}).Packet()
	alice.Send(pause)
	alice.Send(pause)
	h.step()

	is.Equal(len(filterTag(alice.Drain(), protocol.MsgPause)), 1)
}

func TestChecksumMismatchTriggersFailover(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)
	bob := h.join("bob", 1)

	h.server.StartGame()
	h.step()

	frame := int32(1)
	alice.Send((&protocol.SyncResponse{Player: 0, Frame: frame, Checksum: 0xAAAA}).Packet())
	bob.Send((&protocol.SyncResponse{Player: 1, Frame: frame, Checksum: 0xBBBB}).Packet())
	h.step()

	is.Equal(h.pipe.Failovers(), 1)
}

func TestLeaveRecyclesLowestSlot(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)
	bob := h.join("bob", 1)
	alice.Drain()
	bob.Drain()

	alice.Send(protocol.Quit())
	h.step()

	left := filterTag(bob.Drain(), protocol.MsgPlayerLeft)
	is.Equal(len(left), 1)
	is.Equal(left[0].Bytes(), protocol.PlayerLeft(0, 1).Bytes())

	carol := h.join("carol", 0)
	packets := filterTag(carol.Drain(), protocol.MsgNewPlayer)
	is.Equal(packets[len(packets)-1].Bytes(), protocol.NewPlayerBroadcast(0, false, 0, "carol").Bytes())
}

func TestLoneSurvivingTeamEndsGame(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)
	bob := h.join("bob", 1)

	h.server.StartGame()
	h.step()
	alice.Drain()

	bob.Send(protocol.Quit())
	h.step()

	packets := alice.Drain()
	over := filterTag(packets, protocol.MsgGameOver)
	is.Equal(len(over), 1)
	is.Equal(over[0].Bytes(), protocol.GameOver(protocol.ServerSlot, []uint8{0}).Bytes())
	is.Equal(len(filterTag(packets, protocol.MsgQuit)), 1)
}

func TestSingleTeamSessionDoesNotEndInstantly(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)

	h.server.StartGame()
	h.step()
	h.step()

	is.Equal(len(filterTag(alice.Drain(), protocol.MsgGameOver)), 0)
}

func TestUnknownTagIsRelayedVerbatim(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	alice := h.join("alice", 0)
	alice.Drain()

	raw, err := protocol.NewPacket([]byte{200, 1, 2, 3})
	is.NoErr(err)
	alice.Send(raw)
	h.step()

	packets := alice.Drain()
	is.Equal(len(packets), 1)
	is.Equal(packets[0].Bytes(), raw.Bytes())
}

func TestRejectedJoinGetsReason(t *testing.T) {
	is := is.New(t)

	h := newHarness(t)
	client := h.pipe.Connect("spec")
	client.Send((&protocol.NewPlayerRequest{Name: "spec", Spectator: true}).Packet())
	h.step()

	packets := client.Drain()
	is.Equal(len(packets), 1)
	is.Equal(packets[0].Tag(), protocol.MsgReject)
}
