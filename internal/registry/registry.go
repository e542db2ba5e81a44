// Package registry owns the participant slot table: admission,
// departure, team activation and the pool of skirmish (non-human)
// participant ids.
package registry

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/phuslu/log"

	"github.com/quickfawn/lockhost/internal/debug"
	"github.com/quickfawn/lockhost/internal/transport"
)

const (
	DefaultMaxParticipants  = 64
	DefaultMaxTeams         = 32
	DefaultMaxSkirmishSlots = 32

	// DefaultMaxFailedAttempts is how many rejections an origin gets
	// before further join attempts are refused outright.
	DefaultMaxFailedAttempts = 3
)

var (
	ErrSlotsExhausted  = errors.New("no free participant slot")
	ErrPoolExhausted   = errors.New("no free skirmish slot")
	ErrPolicyDenied    = errors.New("spectator joins are not allowed")
	ErrTooManyAttempts = errors.New("too many failed connection attempts")
	ErrNoSuchSlot      = errors.New("no such slot")
)

// LeaveReason codes carried in player-left broadcasts and autohost
// notifications.
const (
	ReasonConnectionLost uint8 = 0
	ReasonLeft           uint8 = 1
	ReasonKicked         uint8 = 2
)

type Participant struct {
	Slot      uint8
	Name      string
	Version   string
	Team      uint8
	Spectator bool

	Active bool
	// reserved outlives Active: a departed participant keeps its slot
	// identity until the coordinator explicitly recycles it.
	reserved bool

	Ready       bool
	MidgameJoin bool

	MutedChat bool
	MutedDraw bool

	LastFrame int32
	Load      float32
	LastPing  time.Time
}

type Team struct {
	Active bool
}

type Config struct {
	MaxParticipants  int
	MaxTeams         int
	MaxSkirmishSlots int

	AllowSpectatorJoin  bool
	WhitelistAdditional bool
	// FreePlacement means participants choose start positions in-game,
	// so a first team member is not marked ready by default.
	FreePlacement bool

	MaxFailedAttempts int
}

func DefaultConfig() Config {
	return Config{
		MaxParticipants:   DefaultMaxParticipants,
		MaxTeams:          DefaultMaxTeams,
		MaxSkirmishSlots:  DefaultMaxSkirmishSlots,
		MaxFailedAttempts: DefaultMaxFailedAttempts,
	}
}

type JoinRequest struct {
	Origin    transport.Origin
	Name      string
	Version   string
	Spectator bool
	Team      uint8
	// DeclaredSlot is what the client asked for; kept for logging only,
	// the registry always assigns the lowest free slot.
	DeclaredSlot uint8
}

type JoinResult struct {
	Slot uint8
	// TeamActivated reports that this join flipped the team active,
	// which the coordinator answers with a join-team broadcast.
	TeamActivated bool
	Ready         bool
	MidgameJoin   bool
}

// Registry is not goroutine safe; the session coordinator is its single
// writer.
type Registry struct {
	cfg    Config
	logger *log.Logger

	participants []Participant
	teams        []Team

	// freeSkirmish is a stack: most recently released id is reused
	// first.
	freeSkirmish []uint8

	failedAttempts map[transport.Origin]int
}

func New(cfg Config, logger *log.Logger) *Registry {
	debug.Assert(cfg.MaxParticipants > 0 && cfg.MaxParticipants < 255)
	debug.Assert(cfg.MaxTeams > 0)

	// if logger is nil (which might be true in tests) => use default,
	// but silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger,

		participants: make([]Participant, cfg.MaxParticipants),
		teams:        make([]Team, cfg.MaxTeams),

		freeSkirmish: make([]uint8, 0, cfg.MaxSkirmishSlots),

		failedAttempts: make(map[transport.Origin]int),
	}
	for i := range r.participants {
		r.participants[i].Slot = uint8(i)
	}
	// stacked so that id 0 is handed out first
	for i := cfg.MaxSkirmishSlots - 1; i >= 0; i-- {
		r.freeSkirmish = append(r.freeSkirmish, uint8(i))
	}
	return r
}

// Join admits a participant and returns its assigned slot. Any
// rejection counts against the origin's failed-attempt budget.
func (r *Registry) Join(req JoinRequest, gameStarted bool) (JoinResult, error) {
	if r.failedAttempts[req.Origin] >= r.cfg.MaxFailedAttempts {
		return JoinResult{}, ErrTooManyAttempts
	}
	if req.Spectator && !r.cfg.AllowSpectatorJoin && !r.cfg.WhitelistAdditional {
		r.failedAttempts[req.Origin]++
		return JoinResult{}, ErrPolicyDenied
	}
	if int(req.Team) >= len(r.teams) && !req.Spectator {
		r.failedAttempts[req.Origin]++
		return JoinResult{}, ErrNoSuchSlot
	}

	slot := -1
	for i := range r.participants {
		if !r.participants[i].reserved {
			slot = i
			break
		}
	}
	if slot < 0 {
		r.failedAttempts[req.Origin]++
		return JoinResult{}, ErrSlotsExhausted
	}

	p := &r.participants[slot]
	*p = Participant{
		Slot:        uint8(slot),
		Name:        req.Name,
		Version:     req.Version,
		Team:        req.Team,
		Spectator:   req.Spectator,
		Active:      true,
		reserved:    true,
		MidgameJoin: gameStarted && !req.Spectator,
	}

	res := JoinResult{Slot: p.Slot, MidgameJoin: p.MidgameJoin}
	if !p.Spectator && !r.teams[p.Team].Active {
		r.teams[p.Team].Active = true
		res.TeamActivated = true
		p.Ready = !r.cfg.FreePlacement
		res.Ready = p.Ready
	}

	r.logger.Info().
		Str("name", p.Name).
		Uint64("slot", uint64(p.Slot)).
		Uint64("declared", uint64(req.DeclaredSlot)).
		Bool("spectator", p.Spectator).
		Msg("participant joined")

	return res, nil
}

// Leave retires the slot. Its identity sticks around until Recycle so
// that departure bookkeeping can still name the participant.
func (r *Registry) Leave(slot uint8, reason uint8) error {
	p := r.Get(slot)
	if p == nil || !p.Active {
		return ErrNoSuchSlot
	}
	p.Active = false

	r.logger.Info().
		Str("name", p.Name).
		Uint64("slot", uint64(slot)).
		Uint64("reason", uint64(reason)).
		Msg("participant left")

	return nil
}

// Recycle frees a retired slot for reuse by a future Join.
func (r *Registry) Recycle(slot uint8) {
	p := r.Get(slot)
	if p == nil || p.Active {
		return
	}
	*p = Participant{Slot: slot}
}

// Get returns the participant at slot, or nil when the slot is out of
// range. Mutations through the pointer are the coordinator's right as
// the single writer.
func (r *Registry) Get(slot uint8) *Participant {
	if int(slot) >= len(r.participants) {
		return nil
	}
	return &r.participants[slot]
}

func (r *Registry) ForEachActive(fn func(*Participant)) {
	for i := range r.participants {
		if r.participants[i].Active {
			fn(&r.participants[i])
		}
	}
}

// ActiveNonSpectators returns the slots expected to submit sync
// checksums.
func (r *Registry) ActiveNonSpectators() []uint8 {
	slots := make([]uint8, 0, 8)
	for i := range r.participants {
		if r.participants[i].Active && !r.participants[i].Spectator {
			slots = append(slots, uint8(i))
		}
	}
	return slots
}

func (r *Registry) ActiveCount() int {
	n := 0
	for i := range r.participants {
		if r.participants[i].Active {
			n++
		}
	}
	return n
}

// Names joins the display names of the given slots, for log/system
// messages.
func (r *Registry) Names(slots []uint8) string {
	names := make([]string, 0, len(slots))
	for _, slot := range slots {
		if p := r.Get(slot); p != nil && p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return strings.Join(names, ", ")
}

func (r *Registry) TeamActive(team uint8) bool {
	return int(team) < len(r.teams) && r.teams[team].Active
}

func (r *Registry) DeactivateTeam(team uint8) {
	if int(team) < len(r.teams) {
		r.teams[team].Active = false
	}
}

// ActiveTeams lists teams still in play, used by game-end bookkeeping.
func (r *Registry) ActiveTeams() []uint8 {
	teams := make([]uint8, 0, len(r.teams))
	for i := range r.teams {
		if r.teams[i].Active {
			teams = append(teams, uint8(i))
		}
	}
	return teams
}

// ReserveSkirmishSlot pops the most recently released skirmish id.
func (r *Registry) ReserveSkirmishSlot() (uint8, error) {
	if len(r.freeSkirmish) == 0 {
		return 0, ErrPoolExhausted
	}
	id := r.freeSkirmish[len(r.freeSkirmish)-1]
	r.freeSkirmish = r.freeSkirmish[:len(r.freeSkirmish)-1]
	return id, nil
}

func (r *Registry) ReleaseSkirmishSlot(id uint8) {
	if int(id) >= r.cfg.MaxSkirmishSlots {
		return
	}
	r.freeSkirmish = append(r.freeSkirmish, id)
}

// FailedAttempts reports how many rejections an origin has accumulated.
func (r *Registry) FailedAttempts(origin transport.Origin) int {
	return r.failedAttempts[origin]
}
