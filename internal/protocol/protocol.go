package protocol

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"

	"github.com/quickfawn/lockhost/internal/byteorder"
	"github.com/quickfawn/lockhost/internal/debug"
)

const (
	// MsgMaxSize bounds a single session message on the wire. 4k is
	// plenty: the largest legitimate message is a chat line or an
	// opaque mod payload.
	MsgMaxSize = 4 << 10
)

// ServerSlot is the pseudo participant number used for server-originated
// messages (pause-from-server, system chat, and so on).
const ServerSlot uint8 = 255

// Session message tags. The coordinator only parses a small subset of
// these; everything else it relays verbatim, so gaps left for future
// tags are harmless.
const (
	_ uint8 = iota
	MsgKeyFrame
	MsgQuit
	MsgStartPlaying
	MsgGameID
	MsgPlayerName
	MsgChat
	MsgPause
	MsgInternalSpeed
	MsgUserSpeed
	MsgSyncResponse
	MsgNewPlayer
	MsgPing
	MsgFrameProgress
	MsgStateDump
	MsgGameState
	MsgPlayerInfo
	MsgPlayerLeft
	MsgPlayerReady
	MsgJoinTeam
	MsgReject
	MsgSystemMessage
	MsgGameOver

	MsgMax
)

// Chat destination codes. Values below these are direct participant
// slots.
const (
	ChatToAllies     uint8 = 252
	ChatToSpectators uint8 = 253
	ChatToEveryone   uint8 = 254
)

var ErrMalformed = errors.New("malformed packet")

// Packet is an immutable tagged session message. The first byte is the
// tag, the rest is the tag-specific payload.
type Packet struct {
	data []byte
}

// NewPacket copies buf into an owned Packet. The transport reuses its
// read buffer, so not copying here would alias live socket memory.
func NewPacket(buf []byte) (*Packet, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformed)
	}
	if len(buf) > MsgMaxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds max %d", ErrMalformed, len(buf), MsgMaxSize)
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	return &Packet{data: data}, nil
}

func (p *Packet) Tag() uint8 {
	return p.data[0]
}

// Bytes returns the full wire image including the tag byte. Callers
// must not mutate it.
func (p *Packet) Bytes() []byte {
	return p.data
}

func (p *Packet) Len() int {
	return len(p.data)
}

// payload returns everything after the tag byte.
func (p *Packet) payload() []byte {
	return p.data[1:]
}

func pack(tag uint8, chunks ...[]byte) *Packet {
	buf := bytes.Buffer{}
	buf.WriteByte(tag)
	for _, chunk := range chunks {
		buf.Write(chunk)
	}
	data := buf.Bytes()
	debug.Assert(len(data) <= MsgMaxSize)
	return &Packet{data: data}
}

// reader is a bounds-checked payload cursor; first failure sticks.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated at offset %d (want %d more, have %d)",
			ErrMalformed, r.off, n, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := byteorder.Ntohl(r.buf[r.off : r.off+4])
	r.off += 4
	return v
}

func (r *reader) i32() int32 {
	return int32(r.u32())
}

func (r *reader) f32() float32 {
	if !r.need(4) {
		return 0
	}
	v := byteorder.Ntohf(r.buf[r.off : r.off+4])
	r.off += 4
	return v
}

func (r *reader) str() string {
	n := int(r.u8())
	if !r.need(n) {
		return ""
	}
	v := string(r.buf[r.off : r.off+n])
	r.off += n
	return v
}

func putStr(buf *bytes.Buffer, s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	buf.WriteByte(uint8(len(s)))
	buf.WriteString(s)
}

func marshalStr(s string) []byte {
	buf := bytes.Buffer{}
	putStr(&buf, s)
	return buf.Bytes()
}

// SyncResponse carries a participant's simulation checksum for one
// frame.
type SyncResponse struct {
	Player   uint8
	Frame    int32
	Checksum uint32
}

var (
	_ encoding.BinaryMarshaler   = (*SyncResponse)(nil)
	_ encoding.BinaryUnmarshaler = (*SyncResponse)(nil)
)

func (m *SyncResponse) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte(m.Player)
	buf.Write(byteorder.Htonl(uint32(m.Frame)))
	buf.Write(byteorder.Htonl(m.Checksum))
	return buf.Bytes(), nil
}

func (m *SyncResponse) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}
	m.Player = r.u8()
	m.Frame = r.i32()
	m.Checksum = r.u32()
	return r.err
}

func (m *SyncResponse) Packet() *Packet {
	body, err := m.MarshalBinary()
	debug.Assert(err == nil)
	return pack(MsgSyncResponse, body)
}

// NewPlayerRequest is the join handshake a connecting client sends.
// DeclaredSlot is what the client believes its slot should be; the
// registry is free to disagree.
type NewPlayerRequest struct {
	DeclaredSlot uint8
	Name         string
	Password     string
	Version      string
	Spectator    bool
	Team         uint8
}

var (
	_ encoding.BinaryMarshaler   = (*NewPlayerRequest)(nil)
	_ encoding.BinaryUnmarshaler = (*NewPlayerRequest)(nil)
)

func (m *NewPlayerRequest) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte(m.DeclaredSlot)
	putStr(&buf, m.Name)
	putStr(&buf, m.Password)
	putStr(&buf, m.Version)
	buf.WriteByte(boolByte(m.Spectator))
	buf.WriteByte(m.Team)
	return buf.Bytes(), nil
}

func (m *NewPlayerRequest) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}
	m.DeclaredSlot = r.u8()
	m.Name = r.str()
	m.Password = r.str()
	m.Version = r.str()
	m.Spectator = r.u8() != 0
	m.Team = r.u8()
	return r.err
}

func (m *NewPlayerRequest) Packet() *Packet {
	body, err := m.MarshalBinary()
	debug.Assert(err == nil)
	return pack(MsgNewPlayer, body)
}

// Chat is a relayed chat line. Dest is a slot number or one of the
// ChatTo* codes.
type Chat struct {
	From uint8
	Dest uint8
	Text string
}

var (
	_ encoding.BinaryMarshaler   = (*Chat)(nil)
	_ encoding.BinaryUnmarshaler = (*Chat)(nil)
)

func (m *Chat) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte(m.From)
	buf.WriteByte(m.Dest)
	putStr(&buf, m.Text)
	return buf.Bytes(), nil
}

func (m *Chat) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}
	m.From = r.u8()
	m.Dest = r.u8()
	m.Text = r.str()
	return r.err
}

func (m *Chat) Packet() *Packet {
	body, err := m.MarshalBinary()
	debug.Assert(err == nil)
	return pack(MsgChat, body)
}

// Pause is both the client request and the broadcast acknowledgment.
type Pause struct {
	Player uint8
	Paused bool
}

var (
	_ encoding.BinaryMarshaler   = (*Pause)(nil)
	_ encoding.BinaryUnmarshaler = (*Pause)(nil)
)

func (m *Pause) MarshalBinary() ([]byte, error) {
	return []byte{m.Player, boolByte(m.Paused)}, nil
}

func (m *Pause) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}
	m.Player = r.u8()
	m.Paused = r.u8() != 0
	return r.err
}

func (m *Pause) Packet() *Packet {
	body, err := m.MarshalBinary()
	debug.Assert(err == nil)
	return pack(MsgPause, body)
}

// Ping is a keepalive from a participant.
type Ping struct {
	Player uint8
}

var (
	_ encoding.BinaryMarshaler   = (*Ping)(nil)
	_ encoding.BinaryUnmarshaler = (*Ping)(nil)
)

func (m *Ping) MarshalBinary() ([]byte, error) {
	return []byte{m.Player}, nil
}

func (m *Ping) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}
	m.Player = r.u8()
	return r.err
}

func (m *Ping) Packet() *Packet {
	return pack(MsgPing, []byte{m.Player})
}

// FrameProgress reports how far a participant's local simulation has
// advanced.
type FrameProgress struct {
	Player uint8
	Frame  int32
}

var (
	_ encoding.BinaryMarshaler   = (*FrameProgress)(nil)
	_ encoding.BinaryUnmarshaler = (*FrameProgress)(nil)
)

func (m *FrameProgress) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte(m.Player)
	buf.Write(byteorder.Htonl(uint32(m.Frame)))
	return buf.Bytes(), nil
}

func (m *FrameProgress) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}
	m.Player = r.u8()
	m.Frame = r.i32()
	return r.err
}

func (m *FrameProgress) Packet() *Packet {
	body, err := m.MarshalBinary()
	debug.Assert(err == nil)
	return pack(MsgFrameProgress, body)
}

// StateDump asks the server to snapshot/rebroadcast session state for a
// frame.
type StateDump struct {
	Player uint8
	Frame  int32
}

var (
	_ encoding.BinaryMarshaler   = (*StateDump)(nil)
	_ encoding.BinaryUnmarshaler = (*StateDump)(nil)
)

func (m *StateDump) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte(m.Player)
	buf.Write(byteorder.Htonl(uint32(m.Frame)))
	return buf.Bytes(), nil
}

func (m *StateDump) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}
	m.Player = r.u8()
	m.Frame = r.i32()
	return r.err
}

func (m *StateDump) Packet() *Packet {
	body, err := m.MarshalBinary()
	debug.Assert(err == nil)
	return pack(MsgStateDump, body)
}

// PlayerInfo is the periodic per-participant load/progress report the
// server broadcasts.
type PlayerInfo struct {
	Player uint8
	Load   float32
	Frame  int32
}

var (
	_ encoding.BinaryMarshaler   = (*PlayerInfo)(nil)
	_ encoding.BinaryUnmarshaler = (*PlayerInfo)(nil)
)

func (m *PlayerInfo) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte(m.Player)
	buf.Write(byteorder.Htonf(m.Load))
	buf.Write(byteorder.Htonl(uint32(m.Frame)))
	return buf.Bytes(), nil
}

func (m *PlayerInfo) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}
	m.Player = r.u8()
	m.Load = r.f32()
	m.Frame = r.i32()
	return r.err
}

func (m *PlayerInfo) Packet() *Packet {
	body, err := m.MarshalBinary()
	debug.Assert(err == nil)
	return pack(MsgPlayerInfo, body)
}

// Outbound-only constructors. These mirror the server side of the
// protocol; clients never need to build them, so plain functions beat
// full marshal/unmarshal types.

func KeyFrame(frame int32) *Packet {
	return pack(MsgKeyFrame, byteorder.Htonl(uint32(frame)))
}

func KeyFrameNum(p *Packet) (int32, error) {
	debug.Assert(p.Tag() == MsgKeyFrame)
	r := reader{buf: p.payload()}
	frame := r.i32()
	return frame, r.err
}

func Quit() *Packet {
	return pack(MsgQuit)
}

func StartPlaying(countdown uint32) *Packet {
	return pack(MsgStartPlaying, byteorder.Htonl(countdown))
}

func GameID(id [16]byte) *Packet {
	return pack(MsgGameID, id[:])
}

func PlayerName(player uint8, name string) *Packet {
	return pack(MsgPlayerName, []byte{player}, marshalStr(name))
}

func NewPlayerBroadcast(player uint8, spectator bool, team uint8, name string) *Packet {
	return pack(MsgNewPlayer, []byte{player}, marshalStr(name), marshalStr(""), marshalStr(""), []byte{boolByte(spectator), team})
}

func InternalSpeed(speed float32) *Packet {
	return pack(MsgInternalSpeed, byteorder.Htonf(speed))
}

func UserSpeed(player uint8, speed float32) *Packet {
	return pack(MsgUserSpeed, []byte{player}, byteorder.Htonf(speed))
}

func PlayerLeft(player uint8, reason uint8) *Packet {
	return pack(MsgPlayerLeft, []byte{player, reason})
}

func PlayerReady(player uint8, state uint8) *Packet {
	return pack(MsgPlayerReady, []byte{player, state})
}

func JoinTeam(player uint8, team uint8) *Packet {
	return pack(MsgJoinTeam, []byte{player, team})
}

func Reject(player uint8, reason string) *Packet {
	return pack(MsgReject, []byte{player}, marshalStr(reason))
}

func SystemMessage(player uint8, text string) *Packet {
	return pack(MsgSystemMessage, []byte{player}, marshalStr(text))
}

func GameState(frame int32) *Packet {
	return pack(MsgGameState, byteorder.Htonl(uint32(frame)))
}

func GameOver(player uint8, winningTeams []uint8) *Packet {
	return pack(MsgGameOver, []byte{player}, winningTeams)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Unmarshal decodes p's payload into msg, which must match p's tag.
func Unmarshal(p *Packet, msg encoding.BinaryUnmarshaler) error {
	if err := msg.UnmarshalBinary(p.payload()); err != nil {
		return fmt.Errorf("could not unmarshal tag %d: %w", p.Tag(), err)
	}
	return nil
}
