package protocol_test

import (
	"testing"

	"github.com/matryer/is"

	"github.com/quickfawn/lockhost/internal/protocol"
)

func TestSyncResponseEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.SyncResponse{
		Player:   3,
		Frame:    -1,
		Checksum: 0xdeadbeef,
	}

	pkt := original.Packet()
	is.Equal(pkt.Tag(), protocol.MsgSyncResponse)

	decoded := protocol.SyncResponse{}
	err := protocol.Unmarshal(pkt, &decoded)
	is.NoErr(err)
	is.Equal(original, decoded)
}

func TestNewPlayerRequestEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.NewPlayerRequest{
		DeclaredSlot: 7,
		Name:         "grunt",
		Password:     "hunter2",
		Version:      "105.1",
		Spectator:    true,
		Team:         4,
	}

	pkt := original.Packet()
	is.Equal(pkt.Tag(), protocol.MsgNewPlayer)

	decoded := protocol.NewPlayerRequest{}
	err := protocol.Unmarshal(pkt, &decoded)
	is.NoErr(err)
	is.Equal(original, decoded)
}

func TestChatEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.Chat{
		From: 1,
		Dest: protocol.ChatToEveryone,
		Text: "gg",
	}

	pkt := original.Packet()

	decoded := protocol.Chat{}
	err := protocol.Unmarshal(pkt, &decoded)
	is.NoErr(err)
	is.Equal(original, decoded)
}

func TestKeyFrameRoundTrip(t *testing.T) {
	is := is.New(t)

	pkt := protocol.KeyFrame(1024)
	is.Equal(pkt.Tag(), protocol.MsgKeyFrame)

	frame, err := protocol.KeyFrameNum(pkt)
	is.NoErr(err)
	is.Equal(frame, int32(1024))
}

func TestTruncatedPayloadIsMalformed(t *testing.T) {
	is := is.New(t)

	pkt, err := protocol.NewPacket([]byte{protocol.MsgSyncResponse, 1, 2})
	is.NoErr(err)

	decoded := protocol.SyncResponse{}
	err = protocol.Unmarshal(pkt, &decoded)
	is.True(err != nil)
}

func TestNewPacketRejectsEmpty(t *testing.T) {
	is := is.New(t)

	_, err := protocol.NewPacket(nil)
	is.True(err != nil)
}

func TestNewPacketCopiesBuffer(t *testing.T) {
	is := is.New(t)

	buf := []byte{protocol.MsgPing, 9}
	pkt, err := protocol.NewPacket(buf)
	is.NoErr(err)

	buf[1] = 42
	is.Equal(pkt.Bytes()[1], uint8(9))
}
