package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metricValue returns the value of a counter or gauge sample, matching on
// label values when labels are given.
func metricValue(t *testing.T, s *Stats, name string, labels ...string) float64 {
	t.Helper()
	families, err := s.reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), labels) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func labelsMatch[L interface{ GetValue() string }](got []L, want []string) bool {
	if len(want) == 0 {
		return true
	}
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i].GetValue() != want[i] {
			return false
		}
	}
	return true
}

func TestStats_ControllerActivity(t *testing.T) {
	audio := newFakeAudio(0.0)
	c := newTestController(audio, ControllerConfig{Interval: 10 * time.Millisecond})
	s := c.stats

	c.tick(change(Absolute{Value: 1.0}, 30))
	assert.Equal(t, 1.0, metricValue(t, s, "pasvd_transitioning"))

	c.tick(change(Absolute{Value: 0.5}, 0))
	assert.Equal(t, 0.0, metricValue(t, s, "pasvd_transitioning"))
	assert.Equal(t, 1.0, metricValue(t, s, "pasvd_preempted_transitions_total"))
	assert.Equal(t, 2.0, metricValue(t, s, "pasvd_volume_sets_total"))
	assert.Equal(t, 0.5, metricValue(t, s, "pasvd_applied_volume"))

	audio.defaultErr = ErrNoDefaultOutput
	c.sink = nil
	reply := make(chan QueryReply, 1)
	c.tick(QueryVolume{Reply: reply})
	assert.Equal(t, 1.0, metricValue(t, s, "pasvd_audio_errors_total", "default_output"))
}

func TestStats_Commands(t *testing.T) {
	s := NewStats()
	s.command(ChangeVolume{Change: Absolute{Value: 0.1}})
	s.command(ChangeVolume{Change: Increase{Delta: 0.1}})
	s.command(QueryVolume{})
	s.parseError()

	assert.Equal(t, 2.0, metricValue(t, s, "pasvd_commands_total", "change"))
	assert.Equal(t, 1.0, metricValue(t, s, "pasvd_commands_total", "query"))
	assert.Equal(t, 1.0, metricValue(t, s, "pasvd_parse_errors_total"))
}
