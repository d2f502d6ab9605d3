package posture

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteguard/internal/config"
	"noteguard/internal/logging"
)

func defaultPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		MismatchMode:       "tolerant",
		MaxDriftFields:     2,
		MaxFailedAttempts:  5,
		EmergencyThreshold: 10,
	}
}

func newTestMachine(t *testing.T, cfg config.PolicyConfig) *Machine {
	t.Helper()
	logger, err := logging.New(&logging.Config{
		Level:  logging.LevelError,
		Format: logging.FormatText,
		Output: "stderr",
	})
	require.NoError(t, err)
	return New(cfg, logger, nil)
}

// establishBaseline drives the machine to the clean enrolled state:
// crypto established, device bound, probe clean, score 10.
func establishBaseline(t *testing.T, m *Machine) {
	t.Helper()
	m.SetCryptoEstablished(true)
	require.NoError(t, m.BeginBinding())
	require.NoError(t, m.CompleteBinding())
	m.SetIntegrityFindings(nil)
	require.Equal(t, 10.0, m.Score())
}

func TestCleanBaseline(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	assert.Equal(t, LevelNone, m.Level())
	assert.Equal(t, StateSecure, m.Session())
	assert.Equal(t, BindingBound, m.Binding())
}

func TestFiveFailuresReachAtLeastMedium(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	for i := 1; i <= 5; i++ {
		assert.Equal(t, i, m.RecordAuthFailure())
	}

	assert.Equal(t, 5.0, m.Score())
	assert.GreaterOrEqual(t, levelRank[m.Level()], levelRank[LevelMedium])
	assert.Equal(t, StateWarning, m.Session())
}

func TestTenFailuresTriggerEmergencyProtocol(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	fired := 0
	m.OnEmergency(func(Level) { fired++ })

	for i := 0; i < 10; i++ {
		m.RecordAuthFailure()
	}

	// The protocol engages once on the way down (crossing critical)
	// and does not re-fire while the posture stays engaged.
	assert.Equal(t, 1, fired)
	assert.Equal(t, LevelEmergency, m.Level())
	assert.Equal(t, StateEmergency, m.Session())
}

func TestEmergencyStickyUntilReset(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	for i := 0; i < 10; i++ {
		m.RecordAuthFailure()
	}
	require.Equal(t, StateEmergency, m.Session())

	// A later success improves the score but cannot leave emergency.
	m.RecordAuthSuccess()
	assert.Equal(t, StateEmergency, m.Session())

	m.Reset()
	assert.Equal(t, StateInitializing, m.Session())
	assert.Equal(t, BindingNotInitialized, m.Binding())
	assert.Equal(t, 0, m.Metrics().FailedAttempts)
}

func TestScoreMonotonicInFailures(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	prev := m.Score()
	for i := 0; i < 12; i++ {
		m.RecordAuthFailure()
		score := m.Score()
		assert.LessOrEqual(t, score, prev)
		assert.GreaterOrEqual(t, score, 0.0)
		prev = score
	}
	assert.Equal(t, 0.0, prev)
}

func TestScoreMonotonicInThreats(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	prev := m.Score()
	for i := 0; i < 6; i++ {
		m.ReportThreat(fmt.Sprintf("threat-%d", i))
		score := m.Score()
		assert.LessOrEqual(t, score, prev)
		assert.GreaterOrEqual(t, score, 0.0)
		prev = score
	}
}

func TestLevelBands(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{10, LevelNone},
		{9, LevelNone},
		{8.9, LevelLow},
		{7, LevelLow},
		{6.9, LevelMedium},
		{5, LevelMedium},
		{4.9, LevelHigh},
		{3, LevelHigh},
		{2.9, LevelCritical},
		{1, LevelCritical},
		{0.9, LevelEmergency},
		{0, LevelEmergency},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, levelForScore(tc.score), "score %v", tc.score)
	}
}

func TestEscalateKeepsMoreSevere(t *testing.T) {
	assert.Equal(t, LevelHigh, escalate(LevelLow, LevelHigh))
	assert.Equal(t, LevelCritical, escalate(LevelCritical, LevelHigh))
	assert.Equal(t, LevelMedium, escalate(LevelNone, LevelMedium))
}

func TestCriticalFiresProtocolOnce(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	fired := 0
	m.OnEmergency(func(Level) { fired++ })

	for i := 0; i < 9; i++ {
		m.RecordAuthFailure()
	}
	require.Equal(t, LevelCritical, m.Level())
	assert.Equal(t, 1, fired)

	// Worsening to emergency does not fire a second time.
	m.RecordAuthFailure()
	assert.Equal(t, 1, fired)
}

func TestWipeCallbackGatedByPolicy(t *testing.T) {
	run := func(wipeOnEmergency bool) (emergencies, wipes int) {
		cfg := defaultPolicy()
		cfg.WipeOnEmergency = wipeOnEmergency
		m := newTestMachine(t, cfg)
		establishBaseline(t, m)
		m.OnEmergency(func(Level) { emergencies++ })
		m.SetWipeCallback(func() { wipes++ })
		for i := 0; i < 10; i++ {
			m.RecordAuthFailure()
		}
		return emergencies, wipes
	}

	emergencies, wipes := run(false)
	assert.Equal(t, 1, emergencies)
	assert.Equal(t, 0, wipes)

	emergencies, wipes = run(true)
	assert.Equal(t, 1, emergencies)
	assert.Equal(t, 1, wipes)
}

func TestRecoveryWalksDownOneBandAtATime(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	fired := 0
	m.OnEmergency(func(Level) { fired++ })

	for i := 0; i < 9; i++ {
		m.RecordAuthFailure()
	}
	require.Equal(t, StateCompromised, m.Session())
	require.Equal(t, 1, fired)

	// Full recovery passes through warning and re-arms the protocol.
	m.RecordAuthSuccess()
	assert.Equal(t, StateSecure, m.Session())

	for i := 0; i < 9; i++ {
		m.RecordAuthFailure()
	}
	assert.Equal(t, 2, fired)
}

func TestBindingLifecycle(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())

	assert.Equal(t, BindingNotInitialized, m.Binding())
	assert.Error(t, m.CompleteBinding())

	require.NoError(t, m.BeginBinding())
	assert.Equal(t, BindingInitializing, m.Binding())
	assert.NoError(t, m.BeginBinding())

	require.NoError(t, m.CompleteBinding())
	assert.Equal(t, BindingBound, m.Binding())

	// Re-enrollment reopens the binding.
	require.NoError(t, m.BeginBinding())
	assert.Equal(t, BindingInitializing, m.Binding())
}

func TestApplyBindingResultTolerant(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	assert.Equal(t, BindingOK, m.ApplyBindingResult(true, 0))
	assert.Equal(t, BindingBound, m.Binding())

	// Drift within the budget re-binds and counts as suspicious.
	assert.Equal(t, BindingRebind, m.ApplyBindingResult(false, 2))
	assert.Equal(t, BindingBound, m.Binding())
	assert.Equal(t, 1, m.Metrics().SuspiciousReports)
	assert.Less(t, levelRank[m.Level()], levelRank[LevelMedium])

	// Drift beyond the budget is a compromise.
	assert.Equal(t, BindingRejected, m.ApplyBindingResult(false, 3))
	assert.Equal(t, BindingCompromised, m.Binding())
	assert.Contains(t, m.Metrics().ActiveThreats, "fingerprint-mismatch")
}

func TestApplyBindingResultStrict(t *testing.T) {
	cfg := defaultPolicy()
	cfg.MismatchMode = "strict"
	m := newTestMachine(t, cfg)
	establishBaseline(t, m)

	assert.Equal(t, BindingRejected, m.ApplyBindingResult(false, 1))
	assert.Equal(t, BindingCompromised, m.Binding())
}

func TestIntegrityFindingsReplaced(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	m.SetIntegrityFindings([]string{"debugger", "su_binary"})
	assert.Equal(t, 3.0, m.Score())
	assert.Equal(t, StateWarning, m.Session())
	assert.Equal(t, []string{"debugger", "su_binary"}, m.Metrics().ActiveThreats)

	m.SetIntegrityFindings([]string{"debugger"})
	assert.Equal(t, 5.0, m.Score())

	// A clean probe clears probe-sourced threats entirely.
	m.SetIntegrityFindings(nil)
	assert.Equal(t, 10.0, m.Score())
	assert.Equal(t, StateSecure, m.Session())
}

func TestClearThreatRecovers(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	m.ReportThreat("debugger")
	require.Less(t, m.Score(), 10.0)

	m.ClearThreat("debugger")
	assert.Equal(t, 10.0, m.Score())
}

func TestRestoreFailedAttemptsDoesNotFireProtocol(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	fired := 0
	m.OnEmergency(func(Level) { fired++ })

	m.RestoreFailedAttempts(10)
	assert.Equal(t, 0, fired)
	assert.Equal(t, LevelEmergency, m.Level())
	assert.Equal(t, StateEmergency, m.Session())
}

func TestMetricsSnapshot(t *testing.T) {
	m := newTestMachine(t, defaultPolicy())
	establishBaseline(t, m)

	m.RecordAuthFailure()
	m.ReportThreat("frida")
	m.ReportSuspicious("odd access pattern")

	snap := m.Metrics()
	assert.Equal(t, 1, snap.FailedAttempts)
	assert.Equal(t, 1, snap.SuspiciousReports)
	assert.Equal(t, []string{"frida"}, snap.ActiveThreats)
	assert.Equal(t, BindingBound, snap.Binding)
	assert.False(t, snap.GeneratedAt.IsZero())
	// Baseline 10 minus one failure, one threat flag, one suspicious
	// report. The integrity weight stays: the probe itself was clean.
	assert.InDelta(t, 10.0-1.0-2.0-0.5, snap.Score, 1e-9)
}
