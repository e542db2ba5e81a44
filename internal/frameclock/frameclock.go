// Package frameclock advances the authoritative frame counter and
// arbitrates the simulation speed multiplier.
package frameclock

import (
	"io"
	"time"

	"github.com/phuslu/log"

	"github.com/quickfawn/lockhost/internal/debug"
	"github.com/quickfawn/lockhost/internal/protocol"
)

type State uint8

const (
	StatePreSim State = iota
	StateRunning
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePreSim:
		return "presim"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Speed control modes.
const (
	SpeedCtrlOff     = 0
	SpeedCtrlAverage = 1
	SpeedCtrlMaximum = 2
)

const DefaultKeyframeInterval = 16

type Config struct {
	KeyframeInterval int32
	MinUserSpeed     float32
	MaxUserSpeed     float32
	Pausable         bool
	// RTTThresholdMs is the connection quality above which the user
	// speed bound is scaled down to favor consistency over throughput.
	RTTThresholdMs float64
}

func DefaultConfig() Config {
	return Config{
		KeyframeInterval: DefaultKeyframeInterval,
		MinUserSpeed:     0.3,
		MaxUserSpeed:     3.0,
		Pausable:         true,
		RTTThresholdMs:   50,
	}
}

// Clock is not goroutine safe; the session coordinator is its single
// writer. Broadcasts go through the emit callback so that only the
// coordinator ever touches the transport.
type Clock struct {
	cfg    Config
	logger *log.Logger
	emit   func(*protocol.Packet)

	state State
	// frame is -1 before the simulation starts.
	frame int32

	lastTick      time.Time
	simTime       float64
	startTime     float64
	gameTime      float64
	frameTimeLeft float64

	internalSpeed float32
	userSpeed     float32
}

func New(cfg Config, logger *log.Logger, emit func(*protocol.Packet)) *Clock {
	debug.Assert(cfg.KeyframeInterval > 0)
	debug.Assert(cfg.MinUserSpeed > 0 && cfg.MinUserSpeed <= cfg.MaxUserSpeed)
	debug.Assert(emit != nil)

	// if logger is nil (which might be true in tests) => use default,
	// but silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Clock{
		cfg:    cfg,
		logger: logger,
		emit:   emit,

		state: StatePreSim,
		frame: -1,

		internalSpeed: 1,
		userSpeed:     1,
	}
}

func (c *Clock) State() State          { return c.state }
func (c *Clock) Frame() int32          { return c.frame }
func (c *Clock) PreSim() bool          { return c.frame == -1 }
func (c *Clock) Paused() bool          { return c.state == StatePaused }
func (c *Clock) Terminated() bool      { return c.state == StateTerminated }
func (c *Clock) InternalSpeed() float32 { return c.internalSpeed }
func (c *Clock) UserSpeed() float32    { return c.userSpeed }
func (c *Clock) SimTime() float64      { return c.simTime }
func (c *Clock) GameTime() float64     { return c.gameTime }

// StartGame moves PreSim to Running; calling again is a no-op. The
// frame counter becomes 0 at session start.
func (c *Clock) StartGame(now time.Time) bool {
	if c.state != StatePreSim {
		return false
	}
	c.state = StateRunning
	c.frame = 0
	c.lastTick = now
	c.startTime = c.simTime

	c.logger.Info().Msg("simulation started")
	return true
}

// Tick advances one frame: integrates simulation time by elapsed wall
// time times the internal speed, and emits a keyframe marker on every
// keyframe boundary so late/lossy clients can realign.
func (c *Clock) Tick(now time.Time) {
	if c.state != StateRunning {
		return
	}

	c.frame++
	delta := now.Sub(c.lastTick).Seconds()
	c.lastTick = now

	c.simTime += delta * float64(c.internalSpeed)
	c.gameTime = c.simTime - c.startTime
	if c.frameTimeLeft = c.frameTimeLeft - delta; c.frameTimeLeft < 0 {
		c.frameTimeLeft = 0
	}

	if c.frame%c.cfg.KeyframeInterval == 0 {
		c.emit(protocol.KeyFrame(c.frame))
	}
}

// PauseGame toggles Running<->Paused. No-op when pausing is disabled,
// the state is unchanged, or the simulation is not in a pausable state;
// exactly one broadcast per actual transition.
func (c *Clock) PauseGame(pause bool, player uint8) bool {
	if !c.cfg.Pausable {
		return false
	}
	switch {
	case pause && c.state == StateRunning:
		c.state = StatePaused
	case !pause && c.state == StatePaused:
		c.state = StateRunning
		// wall time spent paused must not advance the simulation
		c.lastTick = time.Now()
	default:
		return false
	}

	c.emit((&protocol.Pause{Player: player, Paused: pause}).Packet())
	c.logger.Info().
		Bool("paused", pause).
		Bool("byServer", player == protocol.ServerSlot).
		Msg("pause state changed")
	return true
}

// SetPausable toggles whether PauseGame has any effect.
func (c *Clock) SetPausable(pausable bool) {
	c.cfg.Pausable = pausable
}

// QuitGame terminates the clock; idempotent.
func (c *Clock) QuitGame() bool {
	if c.state == StateTerminated {
		return false
	}
	c.state = StateTerminated
	return true
}

// InternalSpeedChange broadcasts iff the value actually changed;
// repeated calls with the same value are silent.
func (c *Clock) InternalSpeedChange(speed float32) {
	if c.internalSpeed == speed {
		return
	}
	c.internalSpeed = speed
	c.emit(protocol.InternalSpeed(speed))
	c.logger.Debug().Msgf("internal speed -> %.2f", speed)
}

// UserSpeedChange clamps to the configured bounds and broadcasts iff
// the bound actually moved. The internal speed follows downward, and
// snaps to the new bound when it was pinned to the old one.
func (c *Clock) UserSpeedChange(speed float32, player uint8) {
	speed = c.clampUser(speed)
	if c.userSpeed == speed {
		return
	}

	if c.internalSpeed > speed || c.internalSpeed == c.userSpeed {
		c.InternalSpeedChange(speed)
	}

	c.userSpeed = speed
	c.emit(protocol.UserSpeed(player, speed))
	c.logger.Debug().
		Uint64("player", uint64(player)).
		Msgf("user speed -> %.2f", speed)
}

// UpdateSpeedControl arbitrates the internal speed from the
// participants' reported load metrics. Mode 0 disables arbitration,
// mode 1 follows the average load, mode 2 the maximum ("slowest
// participant governs"). Poor connection quality additionally scales
// the user bound down.
func (c *Clock) UpdateSpeedControl(mode int, loads []float32, qualityMs float64) {
	if mode == SpeedCtrlOff || len(loads) == 0 {
		return
	}

	if c.cfg.RTTThresholdMs > 0 && qualityMs > c.cfg.RTTThresholdMs {
		scaled := c.userSpeed * float32(c.cfg.RTTThresholdMs/qualityMs)
		c.UserSpeedChange(scaled, protocol.ServerSlot)
	}

	var target float32
	switch mode {
	case SpeedCtrlAverage:
		var sum float32
		for _, l := range loads {
			sum += l
		}
		target = sum / float32(len(loads))
	default:
		for _, l := range loads {
			if l > target {
				target = l
			}
		}
	}

	// the arbitrated speed never exceeds what the users asked for
	if target > c.userSpeed {
		target = c.userSpeed
	}
	if target < c.cfg.MinUserSpeed {
		target = c.cfg.MinUserSpeed
	}
	c.InternalSpeedChange(target)
}

func (c *Clock) clampUser(speed float32) float32 {
	if speed < c.cfg.MinUserSpeed {
		return c.cfg.MinUserSpeed
	}
	if speed > c.cfg.MaxUserSpeed {
		return c.cfg.MaxUserSpeed
	}
	return speed
}
