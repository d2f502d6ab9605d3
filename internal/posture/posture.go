// Package posture tracks the security posture of an enrollment.
//
// A Machine aggregates the signals the rest of the system produces
// (authentication failures, integrity findings, fingerprint drift,
// explicit threat reports) into a 0-10 score, a threat level, and a
// pair of state machines: one for the session, one for the device
// binding. Reaching a critical level engages the emergency protocol,
// which locks key material and optionally destroys protected state
// through a caller-supplied callback.
package posture

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"noteguard/internal/config"
	"noteguard/internal/logging"
)

// SessionState is the coarse state of the running session.
type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateSecure       SessionState = "secure"
	StateWarning      SessionState = "warning"
	StateCompromised  SessionState = "compromised"
	StateEmergency    SessionState = "emergency"
)

// BindingState is the state of the device-fingerprint binding.
type BindingState string

const (
	BindingNotInitialized BindingState = "not-initialized"
	BindingInitializing   BindingState = "initializing"
	BindingBound          BindingState = "bound"
	BindingCompromised    BindingState = "compromised"
)

// validTransitions enumerates the legal session moves. Escalation is
// always permitted; recovery steps down one band at a time. Emergency
// is sticky: only Reset leaves it.
var validTransitions = map[SessionState][]SessionState{
	StateInitializing: {StateSecure, StateWarning, StateCompromised, StateEmergency},
	StateSecure:       {StateWarning, StateCompromised, StateEmergency},
	StateWarning:      {StateSecure, StateCompromised, StateEmergency},
	StateCompromised:  {StateWarning, StateEmergency},
	StateEmergency:    {StateInitializing},
}

// deescalate gives the single-band recovery step used when the direct
// jump is not a valid transition.
var deescalate = map[SessionState]SessionState{
	StateCompromised: StateWarning,
	StateWarning:     StateSecure,
}

var bindingTransitions = map[BindingState][]BindingState{
	BindingNotInitialized: {BindingInitializing},
	BindingInitializing:   {BindingBound, BindingCompromised, BindingNotInitialized},
	BindingBound:          {BindingInitializing, BindingCompromised, BindingNotInitialized},
	BindingCompromised:    {BindingInitializing, BindingNotInitialized},
}

// Level is the threat level derived from the score and signal counts.
type Level string

const (
	LevelNone      Level = "none"
	LevelLow       Level = "low"
	LevelMedium    Level = "medium"
	LevelHigh      Level = "high"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

var levelRank = map[Level]int{
	LevelNone:      0,
	LevelLow:       1,
	LevelMedium:    2,
	LevelHigh:      3,
	LevelCritical:  4,
	LevelEmergency: 5,
}

// Scoring weights. The baseline rewards an established master key, a
// bound device, and a clean integrity probe; penalties accumulate per
// failed attempt, per active threat, and per suspicious report.
const (
	weightCrypto    = 4.0
	weightBinding   = 3.0
	weightIntegrity = 3.0

	penaltyFailedAttempt = 1.0
	penaltyThreatFlag    = 2.0
	penaltySuspicious    = 0.5

	scoreMax = 10.0
)

// BindingVerdict is the outcome of applying a fingerprint comparison
// to policy.
type BindingVerdict int

const (
	// BindingOK means the fingerprint matched exactly.
	BindingOK BindingVerdict = iota
	// BindingRebind means drift was within the tolerant budget; the
	// caller must re-enroll the stored digest.
	BindingRebind
	// BindingRejected means the mismatch is treated as compromise.
	BindingRejected
)

func (v BindingVerdict) String() string {
	switch v {
	case BindingOK:
		return "ok"
	case BindingRebind:
		return "rebind"
	case BindingRejected:
		return "rejected"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// SecurityMetrics is a point-in-time snapshot. It is recomputed on
// every call and never persisted.
type SecurityMetrics struct {
	Score             float64      `json:"score"`
	Level             Level        `json:"level"`
	Session           SessionState `json:"session"`
	Binding           BindingState `json:"binding"`
	FailedAttempts    int          `json:"failed_attempts"`
	SuspiciousReports int          `json:"suspicious_reports"`
	ActiveThreats     []string     `json:"active_threats"`
	GeneratedAt       time.Time    `json:"generated_at"`
}

// Machine is the security posture state machine. All methods are safe
// for concurrent use.
type Machine struct {
	mu    sync.Mutex
	cfg   config.PolicyConfig
	log   *logging.Logger
	audit *logging.AuditLogger

	session SessionState
	binding BindingState

	cryptoEstablished bool
	failedAttempts    int
	suspicious        int
	threats           map[string]time.Time
	findings          []string

	emergencyFn func(Level)
	wipeFn      func()
	fired       bool

	now func() time.Time
}

// New returns a Machine in the initializing state. audit may be nil.
func New(cfg config.PolicyConfig, logger *logging.Logger, audit *logging.AuditLogger) *Machine {
	return &Machine{
		cfg:     cfg,
		log:     logger.WithComponent("posture"),
		audit:   audit,
		session: StateInitializing,
		binding: BindingNotInitialized,
		threats: make(map[string]time.Time),
		now:     time.Now,
	}
}

// OnEmergency registers the routine run when the emergency protocol
// engages. The owner locks session key material and zeroes in-memory
// secrets here.
func (m *Machine) OnEmergency(fn func(Level)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyFn = fn
}

// SetWipeCallback registers the optional destructive callback. It runs
// after the emergency routine, and only when the policy enables
// wipe-on-emergency.
func (m *Machine) SetWipeCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wipeFn = fn
}

// SetCryptoEstablished records whether a master key with full-strength
// derivation parameters exists.
func (m *Machine) SetCryptoEstablished(ok bool) {
	m.mu.Lock()
	m.cryptoEstablished = ok
	m.commit()
}

// BeginBinding moves the device binding into the initializing state.
func (m *Machine) BeginBinding() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindingToLocked(BindingInitializing)
}

// CompleteBinding marks the device binding established.
func (m *Machine) CompleteBinding() error {
	m.mu.Lock()
	if err := m.bindingToLocked(BindingBound); err != nil {
		m.mu.Unlock()
		return err
	}
	m.commit()
	return nil
}

// CompromiseBinding forces the binding into the compromised state and
// raises a threat flag.
func (m *Machine) CompromiseBinding(reason string) {
	m.mu.Lock()
	if err := m.bindingToLocked(BindingCompromised); err != nil {
		m.mu.Unlock()
		return
	}
	m.threats["binding:"+reason] = m.now()
	m.log.Warn("device binding compromised", "reason", reason)
	m.commit()
}

// ApplyBindingResult feeds a fingerprint comparison through the
// mismatch policy. Tolerant mode accepts drift up to the configured
// field budget and asks the caller to re-enroll the digest; strict
// mode, or drift beyond the budget, marks the binding compromised.
func (m *Machine) ApplyBindingResult(matched bool, driftFields int) BindingVerdict {
	m.mu.Lock()
	if matched {
		m.commit()
		return BindingOK
	}

	tolerant := m.cfg.MismatchMode != "strict"
	if tolerant && driftFields <= m.cfg.MaxDriftFields {
		m.suspicious++
		m.log.Warn("fingerprint drift within tolerance, re-binding",
			"drift_fields", driftFields,
			"budget", m.cfg.MaxDriftFields)
		m.commit()
		return BindingRebind
	}

	if err := m.bindingToLocked(BindingCompromised); err == nil {
		m.threats["fingerprint-mismatch"] = m.now()
	}
	m.log.Warn("fingerprint mismatch treated as compromise",
		"drift_fields", driftFields,
		"mode", m.cfg.MismatchMode)
	m.commit()
	return BindingRejected
}

// RecordAuthFailure increments the failure counter by one and returns
// the new count.
func (m *Machine) RecordAuthFailure() int {
	m.mu.Lock()
	m.failedAttempts++
	n := m.failedAttempts
	m.commit()
	return n
}

// RecordAuthSuccess resets the consecutive failure counter.
func (m *Machine) RecordAuthSuccess() {
	m.mu.Lock()
	m.failedAttempts = 0
	m.commit()
}

// RestoreFailedAttempts seeds the counter from persisted state at
// startup. A restored counter reflects a protocol that already ran, so
// the emergency protocol is not re-fired.
func (m *Machine) RestoreFailedAttempts(n int) {
	m.mu.Lock()
	if n < 0 {
		n = 0
	}
	m.failedAttempts = n
	m.fired = true
	m.commit()
}

// ReportThreat raises a named threat flag.
func (m *Machine) ReportThreat(name string) {
	m.mu.Lock()
	m.threats[name] = m.now()
	m.log.Warn("threat reported", "threat", name)
	m.commit()
}

// ClearThreat lowers a named threat flag.
func (m *Machine) ClearThreat(name string) {
	m.mu.Lock()
	delete(m.threats, name)
	m.commit()
}

// ReportSuspicious records a suspicious-activity observation.
func (m *Machine) ReportSuspicious(reason string) {
	m.mu.Lock()
	m.suspicious++
	m.log.Info("suspicious activity", "reason", reason)
	m.commit()
}

// SetIntegrityFindings replaces the threat flags sourced from the last
// integrity probe. An empty slice marks the probe clean.
func (m *Machine) SetIntegrityFindings(names []string) {
	m.mu.Lock()
	m.findings = append([]string(nil), names...)
	m.commit()
}

// Session returns the current session state.
func (m *Machine) Session() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Binding returns the current binding state.
func (m *Machine) Binding() BindingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding
}

// Score returns the current 0-10 posture score.
func (m *Machine) Score() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoreLocked()
}

// Level returns the current threat level.
func (m *Machine) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levelLocked()
}

// Metrics returns a fresh posture snapshot.
func (m *Machine) Metrics() SecurityMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsLocked()
}

// Reset returns the machine to factory state after a wipe.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.failedAttempts = 0
	m.suspicious = 0
	m.threats = make(map[string]time.Time)
	m.findings = nil
	m.cryptoEstablished = false
	m.fired = false
	if m.session != StateInitializing {
		m.setSessionLocked(StateInitializing)
	}
	m.binding = BindingNotInitialized
	m.mu.Unlock()
}

// commit re-evaluates posture, releases the lock, and runs the
// emergency protocol outside the lock when it newly engages. The
// caller must hold m.mu.
func (m *Machine) commit() {
	fire, level := m.evaluateLocked()
	var snap SecurityMetrics
	if fire {
		snap = m.metricsLocked()
	}
	m.mu.Unlock()
	if fire {
		m.fireEmergency(level, snap)
	}
}

func (m *Machine) evaluateLocked() (bool, Level) {
	level := m.levelLocked()
	m.applySessionLocked(stateForLevel(level))

	if levelRank[level] < levelRank[LevelCritical] {
		m.fired = false
		return false, level
	}
	if m.fired {
		return false, level
	}
	m.fired = true
	return true, level
}

func (m *Machine) scoreLocked() float64 {
	score := 0.0
	if m.cryptoEstablished {
		score += weightCrypto
	}
	if m.binding == BindingBound {
		score += weightBinding
	}
	if len(m.findings) == 0 {
		score += weightIntegrity
	}

	score -= penaltyFailedAttempt * float64(m.failedAttempts)
	score -= penaltyThreatFlag * float64(m.threatCountLocked())
	score -= penaltySuspicious * float64(m.suspicious)

	if score < 0 {
		return 0
	}
	if score > scoreMax {
		return scoreMax
	}
	return score
}

func (m *Machine) levelLocked() Level {
	level := levelForScore(m.scoreLocked())
	if m.threatCountLocked() >= 3 {
		level = escalate(level, LevelHigh)
	}
	if m.cfg.MaxFailedAttempts > 0 && m.failedAttempts >= m.cfg.MaxFailedAttempts {
		level = escalate(level, LevelMedium)
	}
	if m.cfg.EmergencyThreshold > 0 && m.failedAttempts >= m.cfg.EmergencyThreshold {
		level = LevelEmergency
	}
	return level
}

func levelForScore(score float64) Level {
	switch {
	case score >= 9:
		return LevelNone
	case score >= 7:
		return LevelLow
	case score >= 5:
		return LevelMedium
	case score >= 3:
		return LevelHigh
	case score >= 1:
		return LevelCritical
	default:
		return LevelEmergency
	}
}

// escalate returns the more severe of the two levels.
func escalate(l, floor Level) Level {
	if levelRank[floor] > levelRank[l] {
		return floor
	}
	return l
}

func stateForLevel(l Level) SessionState {
	switch l {
	case LevelNone, LevelLow:
		return StateSecure
	case LevelMedium, LevelHigh:
		return StateWarning
	case LevelCritical:
		return StateCompromised
	default:
		return StateEmergency
	}
}

// applySessionLocked moves the session toward target through valid
// transitions only. Recovery walks down one band per step; a state with
// no recovery step (emergency) holds until Reset.
func (m *Machine) applySessionLocked(target SessionState) {
	for m.session != target {
		if canTransition(m.session, target) {
			m.setSessionLocked(target)
			return
		}
		next, ok := deescalate[m.session]
		if !ok || !canTransition(m.session, next) {
			return
		}
		m.setSessionLocked(next)
	}
}

func canTransition(from, to SessionState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (m *Machine) setSessionLocked(next SessionState) {
	prev := m.session
	m.session = next
	m.log.Info("session state changed", "from", string(prev), "to", string(next))
	if m.audit != nil {
		_ = m.audit.LogPostureChange(context.Background(), string(prev), string(next), m.scoreLocked())
	}
}

func (m *Machine) bindingToLocked(target BindingState) error {
	if m.binding == target {
		return nil
	}
	allowed := false
	for _, t := range bindingTransitions[m.binding] {
		if t == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("posture: invalid binding transition %s -> %s", m.binding, target)
	}
	m.log.Info("binding state changed", "from", string(m.binding), "to", string(target))
	m.binding = target
	return nil
}

// threatCountLocked counts distinct active threats across explicit
// reports and the last probe's findings.
func (m *Machine) threatCountLocked() int {
	return len(m.threatNamesLocked())
}

func (m *Machine) threatNamesLocked() []string {
	set := make(map[string]struct{}, len(m.threats)+len(m.findings))
	for name := range m.threats {
		set[name] = struct{}{}
	}
	for _, name := range m.findings {
		set[name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Machine) metricsLocked() SecurityMetrics {
	return SecurityMetrics{
		Score:             m.scoreLocked(),
		Level:             m.levelLocked(),
		Session:           m.session,
		Binding:           m.binding,
		FailedAttempts:    m.failedAttempts,
		SuspiciousReports: m.suspicious,
		ActiveThreats:     m.threatNamesLocked(),
		GeneratedAt:       m.now().UTC(),
	}
}

// fireEmergency runs the emergency protocol. Called without the lock
// so the callbacks can use the Machine.
func (m *Machine) fireEmergency(level Level, snap SecurityMetrics) {
	m.log.Error("emergency protocol engaged",
		"level", string(level),
		"failed_attempts", snap.FailedAttempts,
		"active_threats", snap.ActiveThreats)
	if m.audit != nil {
		_ = m.audit.LogEmergency(context.Background(), "posture reached "+string(level), map[string]interface{}{
			"score":           snap.Score,
			"failed_attempts": snap.FailedAttempts,
			"active_threats":  snap.ActiveThreats,
		})
	}

	m.mu.Lock()
	emergencyFn := m.emergencyFn
	wipeFn := m.wipeFn
	wipe := m.cfg.WipeOnEmergency
	m.mu.Unlock()

	if emergencyFn != nil {
		emergencyFn(level)
	}
	if wipe && wipeFn != nil {
		wipeFn()
	}
}
