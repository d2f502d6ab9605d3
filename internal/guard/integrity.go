package guard

import (
	"context"

	"noteguard/internal/integrity"
	"noteguard/internal/store"
)

// ProbeIntegrity runs the local environment probe and feeds the
// findings into the posture machine. Returns zero flags when probing
// is disabled.
func (m *Manager) ProbeIntegrity(ctx context.Context) integrity.Flags {
	if m.probe == nil {
		return 0
	}
	flags := m.probe.Run()
	m.posture.SetIntegrityFindings(flags.Names())
	m.audit.LogIntegrityProbe(ctx, uint32(flags), flags.Names())
	if flags != 0 {
		m.log.Warn("integrity probe raised findings", "findings", flags.String())
	}
	return flags
}

// PushVerdictDocument caches a signed verdict document from the remote
// attestation service and persists it across restarts. A malformed
// document is rejected and recorded as a failed verdict.
func (m *Manager) PushVerdictDocument(ctx context.Context, doc []byte) error {
	if err := m.verdicts.Push(doc); err != nil {
		m.audit.LogVerdictPush(ctx, false, false)
		return err
	}
	ok, _ := m.verdicts.Current()
	m.audit.LogVerdictPush(ctx, ok, true)
	m.persistVerdict()
	m.ProbeIntegrity(ctx)
	return nil
}

// PushVerdictResult caches a bare pass or fail result, for callers that
// validate the verdict document themselves.
func (m *Manager) PushVerdictResult(ctx context.Context, ok bool) {
	m.verdicts.PushResult(ok)
	m.audit.LogVerdictPush(ctx, ok, true)
	m.persistVerdict()
	m.ProbeIntegrity(ctx)
}

func (m *Manager) persistVerdict() {
	snap, ok := m.verdicts.Snapshot()
	if !ok {
		return
	}
	m.mu.Lock()
	err := m.store.SaveVerdict(&store.VerdictRecord{
		OK:        snap.OK,
		Document:  snap.Raw,
		ExpiresAt: snap.ExpiresAt,
	})
	m.mu.Unlock()
	if err != nil {
		m.log.Warn("verdict not persisted", "error", err)
	}
}
