package synccheck_test

import (
	"testing"

	"github.com/matryer/is"

	"github.com/quickfawn/lockhost/internal/synccheck"
)

func newDetector(mutate func(*synccheck.Config)) *synccheck.Detector {
	cfg := synccheck.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return synccheck.New(cfg, nil)
}

func TestAllAgreeResolvesClean(t *testing.T) {
	is := is.New(t)

	d := newDetector(nil)
	expected := []uint8{0, 1, 2}

	d.Track(10)
	for _, slot := range expected {
		d.Report(slot, 10, 0xabad1dea)
	}

	d.Resolve(expected, 10, 0)
	is.Equal(d.Outstanding(), 0)
	is.True(!d.ConsumeDesync())
}

func TestMismatchFlagsDesync(t *testing.T) {
	is := is.New(t)

	d := newDetector(nil)
	expected := []uint8{0, 1}

	d.Track(10)
	d.Report(0, 10, 1)
	d.Report(1, 10, 2)

	d.Resolve(expected, 10, 0)
	is.Equal(d.Outstanding(), 0)
	is.True(d.ConsumeDesync())
	is.Equal(d.ErrorFrame(), int32(10))
}

func TestPartialReportsTimeOutAsIndeterminate(t *testing.T) {
	is := is.New(t)

	d := newDetector(func(cfg *synccheck.Config) {
		cfg.BaseTimeoutFrames = 5
		cfg.MaxTimeoutFrames = 5
	})
	expected := []uint8{0, 1}

	d.Track(10)
	d.Report(0, 10, 1)

	// still inside the window
	d.Resolve(expected, 14, 0)
	is.Equal(d.Outstanding(), 1)
	is.True(!d.ConsumeDesync())

	d.Resolve(expected, 16, 0)
	is.Equal(d.Outstanding(), 0)
	is.True(d.ConsumeDesync())
	is.Equal(d.WarnFrame(), int32(10))
}

func TestFrameResolvesExactlyOnce(t *testing.T) {
	is := is.New(t)

	d := newDetector(nil)
	expected := []uint8{0}

	d.Track(10)
	d.Report(0, 10, 7)
	d.Resolve(expected, 10, 0)
	is.True(!d.ConsumeDesync())

	// a straggler report for the resolved frame is log-only
	d.Report(0, 10, 8)
	d.Resolve(expected, 11, 0)
	is.Equal(d.Outstanding(), 0)
	is.True(!d.ConsumeDesync())
}

func TestDesyncFlagIsEdgeTriggered(t *testing.T) {
	is := is.New(t)

	d := newDetector(nil)
	expected := []uint8{0, 1}

	d.Track(10)
	d.Report(0, 10, 1)
	d.Report(1, 10, 2)
	d.Resolve(expected, 10, 0)

	is.True(d.ConsumeDesync())
	is.True(!d.ConsumeDesync())

	// a later mismatch raises it again independently
	d.Track(20)
	d.Report(0, 20, 1)
	d.Report(1, 20, 2)
	d.Resolve(expected, 20, 0)
	is.True(d.ConsumeDesync())
}

func TestTimeoutScalesWithQualityUpToCap(t *testing.T) {
	is := is.New(t)

	d := newDetector(func(cfg *synccheck.Config) {
		cfg.BaseTimeoutFrames = 10
		cfg.MaxTimeoutFrames = 20
		cfg.QualityScaleDiv = 1
	})
	expected := []uint8{0, 1}

	d.Track(0)
	d.Report(0, 0, 1)

	// base would expire at frame 11, but 5ms of rtt buys 5 frames
	d.Resolve(expected, 12, 5)
	is.Equal(d.Outstanding(), 1)

	// scaling is capped: even absurd rtt cannot push past 20 frames
	d.Resolve(expected, 21, 1e6)
	is.Equal(d.Outstanding(), 0)
	is.True(d.ConsumeDesync())
}

func TestNoQuorumWithoutExpectedParticipants(t *testing.T) {
	is := is.New(t)

	d := newDetector(nil)

	d.Track(10)
	d.Resolve(nil, 10, 0)
	is.Equal(d.Outstanding(), 1)
}
