// Package gameserver is the session coordinator: it owns the registry,
// the frame clock, the sync detector and the packet cache, demultiplexes
// inbound traffic, drives the periodic tick and is the only component
// that broadcasts.
package gameserver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/quickfawn/lockhost/internal/autohost"
	"github.com/quickfawn/lockhost/internal/frameclock"
	"github.com/quickfawn/lockhost/internal/packetcache"
	"github.com/quickfawn/lockhost/internal/protocol"
	"github.com/quickfawn/lockhost/internal/registry"
	"github.com/quickfawn/lockhost/internal/synccheck"
	"github.com/quickfawn/lockhost/internal/transport"
)

type Config struct {
	// TickInterval is the driver cadence.
	TickInterval time.Duration
	// SpeedControl selects arbitration: 0 off, 1 average load, 2 max
	// load.
	SpeedControl int

	PlayerInfoInterval time.Duration
	LinkCheckInterval  time.Duration

	CacheCapacity int
	DemoName      string

	// BroadcastFailureLimit is how many consecutive failed broadcasts
	// are tolerated before switching to the fallback transport (or
	// terminating when none is configured).
	BroadcastFailureLimit int

	Registry registry.Config
	Clock    frameclock.Config
	Sync     synccheck.Config
}

func DefaultConfig() Config {
	return Config{
		TickInterval:          5 * time.Millisecond,
		SpeedControl:          frameclock.SpeedCtrlAverage,
		PlayerInfoInterval:    time.Second,
		LinkCheckInterval:     5 * time.Second,
		CacheCapacity:         packetcache.DefaultCapacity,
		BroadcastFailureLimit: 10,
		Registry:              registry.DefaultConfig(),
		Clock:                 frameclock.DefaultConfig(),
		Sync:                  synccheck.DefaultConfig(),
	}
}

// Server coordinates one session. All session state is mutated under
// one lock by the driver goroutine; transport workers only feed the
// inbound queue.
type Server struct {
	cfg    Config
	logger *log.Logger

	hostif *autohost.Interface

	mu sync.Mutex

	tr       transport.Transport
	fallback transport.Transport

	reg   *registry.Registry
	clock *frameclock.Clock
	sync  *synccheck.Detector
	cache *packetcache.Cache

	// slot <-> origin bookkeeping; origins survive slot recycling so a
	// rejoining peer keeps its failed-attempt history.
	originBySlot map[uint8]transport.Origin
	slotByOrigin map[transport.Origin]uint8

	gameID [16]byte

	gameOver     bool
	winningTeams []uint8
	// peakTeams is the most teams ever active at once; it keeps a
	// one-team session from ending the moment it starts.
	peakTeams int

	lastPlayerInfo time.Time
	lastLinkCheck  time.Time

	reloading bool
	quit      atomic.Bool

	broadcastFailures int
}

// New wires a coordinator to its transport. fallback may be nil;
// hostif may be nil (no autohost configured).
func New(cfg Config, tr transport.Transport, fallback transport.Transport, hostif *autohost.Interface, logger *log.Logger) *Server {
	// if logger is nil (which might be true in tests) => use default,
	// but silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,

		hostif: hostif,

		tr:       tr,
		fallback: fallback,

		reg:   registry.New(cfg.Registry, logger),
		sync:  synccheck.New(cfg.Sync, logger),
		cache: packetcache.New(cfg.CacheCapacity),

		originBySlot: make(map[uint8]transport.Origin),
		slotByOrigin: make(map[transport.Origin]uint8),

		gameID: [16]byte(uuid.New()),
	}
	s.clock = frameclock.New(cfg.Clock, logger, s.broadcastLocked)
	return s
}

// GameID is the immutable 128-bit session identifier.
func (s *Server) GameID() [16]byte {
	return s.gameID
}

// Run drives the session until ctx is canceled or the game quits.
func (s *Server) Run(ctx context.Context) error {
	s.hostif.SendStart()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for !s.quit.Load() {
		select {
		case <-ctx.Done():
			s.QuitGame()
		case now := <-ticker.C:
			s.Step(now)
		}
	}

	s.hostif.SendQuit()

	var errs error
	if err := s.tr.Close(); err != nil {
		errs = fmt.Errorf("could not close transport: %w", err)
	}
	if s.fallback != nil {
		if err := s.fallback.Close(); err != nil && errs == nil {
			errs = fmt.Errorf("could not close fallback transport: %w", err)
		}
	}
	if err := s.hostif.Close(); err != nil && errs == nil {
		errs = fmt.Errorf("could not close autohost: %w", err)
	}
	return errs
}

// Step runs one driver iteration at the given time. Run calls it on
// the tick cadence; embedders and tests may drive it from their own
// scheduler instead.
func (s *Server) Step(now time.Time) {
	s.mu.Lock()
	s.update(now)
	s.mu.Unlock()
}

// update is one driver iteration. Caller holds s.mu.
func (s *Server) update(now time.Time) {
	// drain inbound
	for {
		in, ok := s.tr.Poll()
		if !ok {
			break
		}
		s.dispatch(now, in)
	}

	// autohost command injection arrives as server-originated chat
	for {
		cmd, ok := s.hostif.PopCommand()
		if !ok {
			break
		}
		s.handleChat(&protocol.Chat{
			From: protocol.ServerSlot,
			Dest: protocol.ChatToEveryone,
			Text: string(cmd),
		})
	}

	if !s.clock.Paused() && !s.reloading && !s.clock.PreSim() {
		preTick := s.clock.Frame()
		s.clock.Tick(now)
		if frame := s.clock.Frame(); frame != preTick {
			s.sync.Track(frame)
		}
		s.clock.UpdateSpeedControl(s.cfg.SpeedControl, s.activeLoads(), s.tr.ConnectionQuality())
	}

	s.sync.Resolve(s.reg.ActiveNonSpectators(), s.clock.Frame(), s.tr.ConnectionQuality())
	if s.sync.ConsumeDesync() {
		s.logger.Warn().
			Msgf("desync flagged (error frame %d, warn frame %d), requesting failover",
				s.sync.ErrorFrame(), s.sync.WarnFrame())
		s.tr.TriggerFailover()
	}

	if now.Sub(s.lastPlayerInfo) > s.cfg.PlayerInfoInterval {
		s.broadcastPlayerInfo()
		s.lastPlayerInfo = now
	}

	if now.Sub(s.lastLinkCheck) > s.cfg.LinkCheckInterval {
		s.checkLink(now)
		s.lastLinkCheck = now
	}

	if s.checkForGameEnd() {
		s.quitGameLocked()
	}
}

func (s *Server) dispatch(now time.Time, in transport.Inbound) {
	p := in.Packet
	switch p.Tag() {
	case protocol.MsgSyncResponse:
		var msg protocol.SyncResponse
		if err := protocol.Unmarshal(p, &msg); err != nil {
			s.logger.Error().Msgf("dropping sync response: %v", err)
			return
		}
		s.sync.Report(msg.Player, msg.Frame, msg.Checksum)

	case protocol.MsgNewPlayer:
		s.handleJoin(in)

	case protocol.MsgPing:
		var msg protocol.Ping
		if err := protocol.Unmarshal(p, &msg); err != nil {
			s.logger.Error().Msgf("dropping ping: %v", err)
			return
		}
		if participant := s.reg.Get(msg.Player); participant != nil && participant.Active {
			participant.LastPing = now
		}

	case protocol.MsgFrameProgress:
		var msg protocol.FrameProgress
		if err := protocol.Unmarshal(p, &msg); err != nil {
			s.logger.Error().Msgf("dropping frame progress: %v", err)
			return
		}
		if participant := s.reg.Get(msg.Player); participant != nil && participant.Active {
			participant.LastFrame = msg.Frame
		}

	case protocol.MsgPlayerInfo:
		var msg protocol.PlayerInfo
		if err := protocol.Unmarshal(p, &msg); err != nil {
			s.logger.Error().Msgf("dropping player info: %v", err)
			return
		}
		if participant := s.reg.Get(msg.Player); participant != nil && participant.Active {
			participant.Load = msg.Load
			participant.LastFrame = msg.Frame
		}

	case protocol.MsgStateDump:
		var msg protocol.StateDump
		if err := protocol.Unmarshal(p, &msg); err != nil {
			s.logger.Error().Msgf("dropping state dump: %v", err)
			return
		}
		s.logger.Info().
			Uint64("player", uint64(msg.Player)).
			Msgf("state dump requested for frame %d", msg.Frame)
		s.broadcastLocked(protocol.GameState(msg.Frame))

	case protocol.MsgChat:
		var msg protocol.Chat
		if err := protocol.Unmarshal(p, &msg); err != nil {
			s.logger.Error().Msgf("dropping chat: %v", err)
			return
		}
		s.handleChat(&msg)

	case protocol.MsgPause:
		var msg protocol.Pause
		if err := protocol.Unmarshal(p, &msg); err != nil {
			s.logger.Error().Msgf("dropping pause: %v", err)
			return
		}
		s.clock.PauseGame(msg.Paused, msg.Player)

	case protocol.MsgPlayerReady:
		s.handleReady(p)

	case protocol.MsgQuit:
		s.handleLeave(in.Origin, registry.ReasonLeft)

	default:
		// forward-compatibility: relay what we do not understand,
		// verbatim, to everyone
		s.broadcastLocked(p)
	}
}

func (s *Server) handleJoin(in transport.Inbound) {
	var req protocol.NewPlayerRequest
	if err := protocol.Unmarshal(in.Packet, &req); err != nil {
		s.logger.Error().Msgf("dropping join request: %v", err)
		return
	}

	res, err := s.reg.Join(registry.JoinRequest{
		Origin:       in.Origin,
		Name:         req.Name,
		Version:      req.Version,
		Spectator:    req.Spectator,
		Team:         req.Team,
		DeclaredSlot: req.DeclaredSlot,
	}, !s.clock.PreSim())
	if err != nil {
		s.logger.Warn().
			Str("name", req.Name).
			Msgf("rejected join: %v", err)
		if sendErr := s.tr.SendTo(in.Origin, protocol.Reject(req.DeclaredSlot, err.Error())); sendErr != nil {
			s.logger.Error().Msgf("could not deliver rejection: %v", sendErr)
		}
		return
	}

	slot := res.Slot
	s.originBySlot[slot] = in.Origin
	s.slotByOrigin[in.Origin] = slot

	// history first: the joiner must observe the same event prefix as
	// everyone else before any live traffic, its own join included
	if err := s.cache.ReplayTo(func(p *protocol.Packet) error {
		return s.tr.SendTo(in.Origin, p)
	}); err != nil {
		s.logger.Error().Msgf("could not replay history to slot %d: %v", slot, err)
	}

	s.broadcastLocked(protocol.NewPlayerBroadcast(slot, req.Spectator, req.Team, req.Name))
	if res.TeamActivated {
		s.broadcastLocked(protocol.JoinTeam(slot, req.Team))
	}
	if res.Ready {
		s.broadcastLocked(protocol.PlayerReady(slot, 1))
		s.hostif.SendPlayerReady(slot, 1)
	}

	s.hostif.SendPlayerJoined(slot, req.Name)
}

func (s *Server) handleLeave(origin transport.Origin, reason uint8) {
	slot, ok := s.slotByOrigin[origin]
	if !ok {
		return
	}
	participant := s.reg.Get(slot)
	if participant == nil || !participant.Active {
		return
	}
	team := participant.Team
	spectator := participant.Spectator

	if err := s.reg.Leave(slot, reason); err != nil {
		s.logger.Error().Msgf("could not process leave for slot %d: %v", slot, err)
		return
	}

	s.broadcastLocked(protocol.PlayerLeft(slot, reason))
	s.hostif.SendPlayerLeft(slot, reason)

	if !spectator && !s.teamHasActiveMembers(team) {
		s.reg.DeactivateTeam(team)
	}

	delete(s.slotByOrigin, origin)
	delete(s.originBySlot, slot)
	s.reg.Recycle(slot)
}

func (s *Server) handleReady(p *protocol.Packet) {
	// [player][state], same layout as the broadcast form
	raw := p.Bytes()
	if len(raw) < 3 {
		s.logger.Error().Msgf("dropping ready toggle: %v", protocol.ErrMalformed)
		return
	}
	slot, state := raw[1], raw[2]
	participant := s.reg.Get(slot)
	if participant == nil || !participant.Active {
		return
	}
	participant.Ready = state != 0

	s.broadcastLocked(protocol.PlayerReady(slot, state))
	s.hostif.SendPlayerReady(slot, state)
}

func (s *Server) handleChat(msg *protocol.Chat) {
	if msg.Text == "" {
		return
	}
	if participant := s.reg.Get(msg.From); participant != nil && participant.MutedChat {
		s.logger.Debug().
			Uint64("player", uint64(msg.From)).
			Msg("dropping chat from muted participant")
		return
	}

	s.broadcastLocked(msg.Packet())

	// server-originated lines are not echoed back to the autohost
	if msg.From != protocol.ServerSlot {
		s.hostif.SendPlayerChat(msg.From, msg.Dest, msg.Text)
	}
}

// broadcastLocked appends to the replay cache and hands the packet to
// the transport. Every broadcast goes through here, which is what keeps
// the cache a true prefix of the live stream.
func (s *Server) broadcastLocked(p *protocol.Packet) {
	s.cache.Append(p)

	if err := s.tr.Broadcast(p); err != nil {
		s.broadcastFailures++
		s.logger.Error().Msgf("broadcast failed (%d consecutive): %v", s.broadcastFailures, err)
		if s.broadcastFailures >= s.cfg.BroadcastFailureLimit {
			s.failTransport()
		}
		return
	}
	s.broadcastFailures = 0
}

// failTransport swaps in the fallback transport when one is configured;
// otherwise the session cannot continue.
func (s *Server) failTransport() {
	if s.fallback == nil {
		s.logger.Error().Msg("transport failed with no fallback, terminating session")
		s.quitGameLocked()
		return
	}
	s.logger.Warn().Msg("switching to fallback transport")
	if err := s.tr.Close(); err != nil {
		s.logger.Error().Msgf("could not close failed transport: %v", err)
	}
	s.tr = s.fallback
	s.fallback = nil
	s.broadcastFailures = 0
}

func (s *Server) activeLoads() []float32 {
	loads := make([]float32, 0, 8)
	s.reg.ForEachActive(func(p *registry.Participant) {
		// zero load means the participant has not reported yet
		if !p.Spectator && p.Load > 0 {
			loads = append(loads, p.Load)
		}
	})
	return loads
}

func (s *Server) broadcastPlayerInfo() {
	s.reg.ForEachActive(func(p *registry.Participant) {
		s.broadcastLocked((&protocol.PlayerInfo{
			Player: p.Slot,
			Load:   p.Load,
			Frame:  p.LastFrame,
		}).Packet())
	})
}

// checkLink feeds ping staleness into the transport's quality estimate
// and logs the link state.
func (s *Server) checkLink(now time.Time) {
	var sumMs float64
	n := 0
	s.reg.ForEachActive(func(p *registry.Participant) {
		if !p.LastPing.IsZero() {
			sumMs += float64(now.Sub(p.LastPing).Milliseconds())
			n++
		}
	})
	if n > 0 {
		s.tr.ObserveRTT(sumMs / float64(n))
	}

	quality := s.tr.ConnectionQuality()
	if quality > s.cfg.Clock.RTTThresholdMs {
		s.logger.Warn().
			Msgf("link degraded: quality %.1fms over threshold %.1fms", quality, s.cfg.Clock.RTTThresholdMs)
	} else {
		s.logger.Debug().
			Int("participants", s.reg.ActiveCount()).
			Int("outstandingSyncFrames", s.sync.Outstanding()).
			Msgf("link ok: quality %.1fms", quality)
	}
}

func (s *Server) teamHasActiveMembers(team uint8) bool {
	found := false
	s.reg.ForEachActive(func(p *registry.Participant) {
		if !p.Spectator && p.Team == team {
			found = true
		}
	})
	return found
}

// checkForGameEnd ends the session once at most one team is left after
// the simulation started; the survivors are the winners.
func (s *Server) checkForGameEnd() bool {
	if s.clock.PreSim() || s.gameOver {
		return false
	}
	active := s.reg.ActiveTeams()
	if len(active) > s.peakTeams {
		s.peakTeams = len(active)
	}
	if len(active) > 1 {
		return false
	}
	// a lone team only wins if it ever had opposition
	if len(active) == 1 && s.peakTeams < 2 {
		return false
	}

	s.gameOver = true
	s.winningTeams = active
	for _, team := range active {
		s.reg.DeactivateTeam(team)
	}

	s.broadcastLocked(protocol.GameOver(protocol.ServerSlot, s.winningTeams))
	s.hostif.SendGameOver(protocol.ServerSlot, s.winningTeams)
	s.logger.Info().
		Msgf("game over, winning teams: %v", s.winningTeams)
	return true
}

// StartGame begins the simulation; idempotent.
func (s *Server) StartGame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.clock.StartGame(time.Now()) {
		return
	}
	s.broadcastLocked(protocol.GameID(s.gameID))
	s.broadcastLocked(protocol.StartPlaying(0))
	s.hostif.SendStartPlaying(s.gameID, s.cfg.DemoName)
}

// PauseGame pauses or resumes on the server's behalf.
func (s *Server) PauseGame(pause bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock.PauseGame(pause, protocol.ServerSlot)
}

// QuitGame terminates the session; idempotent.
func (s *Server) QuitGame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quitGameLocked()
}

func (s *Server) quitGameLocked() {
	if !s.clock.QuitGame() {
		return
	}
	s.broadcastLocked(protocol.Quit())
	s.quit.Store(true)
}

// SetGamePausable controls whether pause requests are honored.
func (s *Server) SetGamePausable(pausable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock.SetPausable(pausable)
}

// SetReloading suppresses frame production while a reload of the
// session setup is in flight.
func (s *Server) SetReloading(reloading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloading = reloading
}

// ReserveSkirmishSlot hands out a non-human participant id.
func (s *Server) ReserveSkirmishSlot() (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.ReserveSkirmishSlot()
}

func (s *Server) ReleaseSkirmishSlot(id uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg.ReleaseSkirmishSlot(id)
}

// MuteParticipant toggles a participant's chat/draw mute flags.
func (s *Server) MuteParticipant(slot uint8, chat, draw bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.reg.Get(slot); p != nil {
		p.MutedChat = chat
		p.MutedDraw = draw
	}
}
