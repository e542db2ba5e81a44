// Package synccheck collects per-frame simulation checksums from
// participants and decides, frame by frame, whether everyone is still
// running the same simulation.
package synccheck

import (
	"io"

	"github.com/phuslu/log"

	"github.com/quickfawn/lockhost/internal/debug"
)

type Config struct {
	// BaseTimeoutFrames is how many frames a tracked frame may stay
	// unresolved before it is written off as indeterminate.
	BaseTimeoutFrames int32
	// MaxTimeoutFrames is the hard ceiling after quality scaling;
	// without it a bad link could grow the window forever.
	MaxTimeoutFrames int32
	// QualityScaleDiv converts the transport's RTT estimate (ms) into
	// extra timeout frames: extra = rtt / QualityScaleDiv.
	QualityScaleDiv float64
}

func DefaultConfig() Config {
	return Config{
		BaseTimeoutFrames: 300,
		MaxTimeoutFrames:  900,
		QualityScaleDiv:   10,
	}
}

// Detector is not goroutine safe; the session coordinator is its single
// writer.
type Detector struct {
	cfg    Config
	logger *log.Logger

	// outstanding maps tracked frame -> reporting slot -> checksum.
	outstanding map[int32]map[uint8]uint32
	// frames holds tracked frames in creation order, oldest first.
	frames []int32

	desync     bool
	errorFrame int32
	warnFrame  int32

	resolvedClean   uint64
	resolvedTimeout uint64
	mismatches      uint64
}

func New(cfg Config, logger *log.Logger) *Detector {
	debug.Assert(cfg.BaseTimeoutFrames > 0)
	debug.Assert(cfg.MaxTimeoutFrames >= cfg.BaseTimeoutFrames)

	// if logger is nil (which might be true in tests) => use default,
	// but silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Detector{
		cfg:    cfg,
		logger: logger,

		outstanding: make(map[int32]map[uint8]uint32),
	}
}

// Track registers a newly produced frame as awaiting checksums.
func (d *Detector) Track(frame int32) {
	if _, ok := d.outstanding[frame]; ok {
		return
	}
	d.outstanding[frame] = make(map[uint8]uint32)
	d.frames = append(d.frames, frame)
}

// Report records a participant's checksum for a frame. A report for a
// frame that is not being tracked (already resolved, or never produced)
// is log-only.
func (d *Detector) Report(player uint8, frame int32, checksum uint32) {
	records, ok := d.outstanding[frame]
	if !ok {
		d.logger.Debug().
			Uint64("player", uint64(player)).
			Msgf("sync report for untracked frame %d", frame)
		return
	}
	records[player] = checksum
}

// Resolve settles every frame it can: a frame with reports from all
// expected slots is checked for consistency, and a frame older than the
// timeout window is written off as indeterminate. Either a resolved
// frame was consistent, or the desync flag went up; a record is never
// silently dropped.
func (d *Detector) Resolve(expected []uint8, currentFrame int32, qualityMs float64) {
	timeout := d.timeoutFrames(qualityMs)

	remaining := d.frames[:0]
	for _, frame := range d.frames {
		records := d.outstanding[frame]

		if d.quorum(records, expected) {
			if !d.consistent(records) {
				d.mismatches++
				d.errorFrame = frame
				d.desync = true
				d.logger.Error().
					Msgf("checksum mismatch on frame %d (%d reports)", frame, len(records))
			} else {
				d.resolvedClean++
			}
			delete(d.outstanding, frame)
			continue
		}

		if currentFrame-frame > timeout {
			d.resolvedTimeout++
			d.warnFrame = frame
			d.desync = true
			d.logger.Warn().
				Msgf("frame %d unresolved after %d frames (%d/%d reports), marking indeterminate",
					frame, currentFrame-frame, len(records), len(expected))
			delete(d.outstanding, frame)
			continue
		}

		remaining = append(remaining, frame)
	}
	d.frames = remaining
}

func (d *Detector) quorum(records map[uint8]uint32, expected []uint8) bool {
	if len(expected) == 0 {
		return false
	}
	for _, slot := range expected {
		if _, ok := records[slot]; !ok {
			return false
		}
	}
	return true
}

func (d *Detector) consistent(records map[uint8]uint32) bool {
	first := true
	var ref uint32
	for _, sum := range records {
		if first {
			ref = sum
			first = false
			continue
		}
		if sum != ref {
			return false
		}
	}
	return true
}

func (d *Detector) timeoutFrames(qualityMs float64) int32 {
	timeout := d.cfg.BaseTimeoutFrames
	if d.cfg.QualityScaleDiv > 0 && qualityMs > 0 {
		timeout += int32(qualityMs / d.cfg.QualityScaleDiv)
	}
	if timeout > d.cfg.MaxTimeoutFrames {
		timeout = d.cfg.MaxTimeoutFrames
	}
	return timeout
}

// ConsumeDesync reports whether a desync was flagged since the last
// call, clearing the flag. It is an edge trigger for failover, not a
// cumulative error counter.
func (d *Detector) ConsumeDesync() bool {
	was := d.desync
	d.desync = false
	return was
}

func (d *Detector) Outstanding() int { return len(d.frames) }

// ErrorFrame is the last frame with a checksum mismatch, WarnFrame the
// last one resolved by timeout.
func (d *Detector) ErrorFrame() int32 { return d.errorFrame }
func (d *Detector) WarnFrame() int32  { return d.warnFrame }
