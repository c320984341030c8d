package schedule

import (
	"testing"

	"github.com/askerlee/adaface/aferr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, mutate func(*Config)) *Scheduler {
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, 17)
	require.NoError(t, err)
	return s
}

func TestCompGapCadence(t *testing.T) {
	// An odd gap has one compositional iteration per full gap.
	s := newTestScheduler(t, func(c *Config) {
		c.CompIterGap = 3
		c.TeacherDistillIterGap = 0
	})
	var compSteps []int
	for step := 0; step <= 10; step++ {
		flags := s.Next(step, 0, false)
		if flags.Mode == ModeCompDistill {
			compSteps = append(compSteps, step)
		}
	}
	assert.Equal(t, []int{0, 3, 6, 9}, compSteps)
}

func TestModeInterleaving(t *testing.T) {
	// An even gap places the fresh/reuse pair half a gap apart; teacher
	// distillation fills every other remaining step.
	s := newTestScheduler(t, func(c *Config) {
		c.CompIterGap = 4
		c.TeacherDistillIterGap = 2
	})
	want := []Mode{
		ModeCompDistill, ModeTeacherDistill,
		ModeCompDistill, ModeNormalRecon,
		ModeCompDistill, ModeTeacherDistill,
		ModeCompDistill, ModeNormalRecon,
	}
	for step, wantMode := range want {
		flags := s.Next(step, 0, false)
		assert.Equalf(t, wantMode, flags.Mode, "step %d", step)
	}
}

func TestModeExclusivityAndCounters(t *testing.T) {
	s := newTestScheduler(t, nil)
	const steps = 10_000
	for step := 0; step < steps; step++ {
		flags := s.Next(step, float64(step)/steps, step%2 == 0)
		assert.True(t, flags.Mode.IsAMode(), "step %d got mode %d", step, flags.Mode)
	}
	c := s.Counters()
	assert.Equal(t, steps, c.ReconIters+c.TeacherDistillIters+c.CompIters,
		"every step runs exactly one mode")
	assert.Greater(t, c.CompIters, 0)
	assert.Greater(t, c.TeacherDistillIters, 0)
	assert.Greater(t, c.ReconIters, 0)
	assert.LessOrEqual(t, c.CompReuseIters, c.CompIters)
	assert.LessOrEqual(t, c.TeacherFilterIters, c.CompIters)
}

func TestDisabledGaps(t *testing.T) {
	s := newTestScheduler(t, func(c *Config) {
		c.CompIterGap = 0
		c.TeacherDistillIterGap = 0
	})
	for step := 0; step < 100; step++ {
		assert.Equal(t, ModeNormalRecon, s.Next(step, 0, true).Mode)
	}
}

func TestCompFlags(t *testing.T) {
	s := newTestScheduler(t, func(c *Config) {
		c.CompIterGap = 1
		c.PReuseInitConds = 1.0
	})

	// Without a cache entry there is never a reuse, and the filter runs.
	flags := s.Next(0, 0, false)
	require.Equal(t, ModeCompDistill, flags.Mode)
	assert.False(t, flags.ReuseInitConds)
	assert.True(t, flags.DoTeacherFilter)
	assert.True(t, flags.SameSubjectInBatch)

	// With the cache primed and p=1, the next comp iteration reuses and
	// must not also filter.
	flags = s.Next(1, 0, true)
	require.Equal(t, ModeCompDistill, flags.Mode)
	assert.True(t, flags.ReuseInitConds)
	assert.False(t, flags.DoTeacherFilter)
}

func TestNumDenoisingStepsRespectsCap(t *testing.T) {
	s := newTestScheduler(t, func(c *Config) {
		c.CompIterGap = 0
		c.TeacherDistillIterGap = 1
		c.MaxDenoisingSteps = 3
	})
	for step := 0; step < 500; step++ {
		flags := s.Next(step, 1.0, false)
		require.Equal(t, ModeTeacherDistill, flags.Mode)
		assert.GreaterOrEqual(t, flags.NumDenoisingSteps, 1)
		assert.LessOrEqual(t, flags.NumDenoisingSteps, 3)
	}
}

func TestSeededDeterminism(t *testing.T) {
	run := func() []IterFlags {
		s := newTestScheduler(t, nil)
		out := make([]IterFlags, 200)
		for step := range out {
			out[step] = s.Next(step, float64(step)/200, step%3 == 0)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompIterGap = -1
	_, err := New(cfg, 1)
	var confErr *aferr.ConfigurationError
	require.True(t, errors.As(err, &confErr))
	assert.Equal(t, "schedule", confErr.Component)

	cfg = DefaultConfig()
	cfg.PFPTrick.End = 1.5
	_, err = New(cfg, 1)
	assert.True(t, errors.As(err, &confErr))
}

func TestFlagProbabilitiesAnneal(t *testing.T) {
	// With endpoints {1, 0} and the knee at the end of training, the
	// background-token coin is certain at progress 0 and impossible at 1.
	s := newTestScheduler(t, func(c *Config) {
		c.CompIterGap = 0
		c.TeacherDistillIterGap = 0
		c.PBgTokenRecon = ProbRange{Begin: 1, End: 0}
		c.AnnealKnee = 1.0
	})
	for step := 0; step < 100; step++ {
		assert.True(t, s.Next(step, 0, false).UseBackgroundToken)
	}
	for step := 100; step < 200; step++ {
		assert.False(t, s.Next(step, 1, false).UseBackgroundToken)
	}
}
