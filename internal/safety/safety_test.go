package safety

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllWithNilCollaboratorsYieldsBlockers(t *testing.T) {
	c := NewChecker()
	res := c.RunAll()

	assert.False(t, res.ReadyForLive)
	assert.Equal(t, 0, res.ChecksPassed)
	assert.Equal(t, 7, res.ChecksTotal)
	assert.Len(t, res.BlockingIssues, 7)
	for _, ch := range res.Checks {
		assert.Equal(t, StatusFail, ch.Status)
		assert.Equal(t, SeverityBlocker, ch.Severity)
	}
}

type fakeCoverage struct {
	ratio float64
	err   error
}

func (f fakeCoverage) CoverageRatio() (float64, error) { return f.ratio, f.err }

func TestCheckTestCoveragePassesAboveThreshold(t *testing.T) {
	c := NewChecker()
	c.Coverage = fakeCoverage{ratio: 0.9}
	res := c.checkTestCoverage()
	assert.Equal(t, StatusPass, res.Status)
}

func TestCheckTestCoverageFailsBelowThreshold(t *testing.T) {
	c := NewChecker()
	c.Coverage = fakeCoverage{ratio: 0.5}
	res := c.checkTestCoverage()
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, SeverityBlocker, res.Severity)
}

func TestCheckTestCoverageErrorIsCriticalNotBlocker(t *testing.T) {
	c := NewChecker()
	c.Coverage = fakeCoverage{err: errors.New("measurement failed")}
	res := c.checkTestCoverage()
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, SeverityCritical, res.Severity)
}

type fakeKillSwitch struct {
	active bool
	err    error
}

func (f fakeKillSwitch) IsActive() (bool, error) { return f.active, f.err }

func TestCheckKillSwitchActiveIsWarningNotBlocker(t *testing.T) {
	c := NewChecker()
	c.KillSwitch = fakeKillSwitch{active: true}
	res := c.checkKillSwitch()
	assert.Equal(t, StatusWarning, res.Status)
	assert.Equal(t, SeverityWarning, res.Severity)
}

func TestCheckKillSwitchInactivePasses(t *testing.T) {
	c := NewChecker()
	c.KillSwitch = fakeKillSwitch{active: false}
	res := c.checkKillSwitch()
	assert.Equal(t, StatusPass, res.Status)
}

type fakeFeatureFlags struct{ healthy bool }

func (f fakeFeatureFlags) Healthy() bool { return f.healthy }

type fakeStatistics struct{ collecting bool }

func (f fakeStatistics) IsCollecting() bool { return f.collecting }

type fakeAlerting struct {
	ok  bool
	err error
}

func (f fakeAlerting) CanDispatch() (bool, error) { return f.ok, f.err }

type fakeAuditBackup struct {
	healthy bool
	detail  string
	err     error
}

func (f fakeAuditBackup) LastBackupHealthy() (bool, string, error) { return f.healthy, f.detail, f.err }

type fakeReconciliation struct {
	healthy bool
	detail  string
	err     error
}

func (f fakeReconciliation) LastRunHealthy() (bool, string, error) { return f.healthy, f.detail, f.err }

func TestRunAllReadyForLiveWhenEveryCollaboratorHealthy(t *testing.T) {
	c := NewChecker()
	c.Coverage = fakeCoverage{ratio: 0.95}
	c.AuditBackup = fakeAuditBackup{healthy: true}
	c.Alerting = fakeAlerting{ok: true}
	c.Reconciliation = fakeReconciliation{healthy: true}
	c.KillSwitch = fakeKillSwitch{active: false}
	c.FeatureFlags = fakeFeatureFlags{healthy: true}
	c.Statistics = fakeStatistics{collecting: true}

	res := c.RunAll()
	require.True(t, res.ReadyForLive)
	assert.Equal(t, 7, res.ChecksPassed)
	assert.Empty(t, res.BlockingIssues)
}

func TestRunAllNotReadyWhenOneCheckBlocks(t *testing.T) {
	c := NewChecker()
	c.Coverage = fakeCoverage{ratio: 0.1} // below threshold: BLOCKER
	c.AuditBackup = fakeAuditBackup{healthy: true}
	c.Alerting = fakeAlerting{ok: true}
	c.Reconciliation = fakeReconciliation{healthy: true}
	c.KillSwitch = fakeKillSwitch{active: false}
	c.FeatureFlags = fakeFeatureFlags{healthy: true}
	c.Statistics = fakeStatistics{collecting: true}

	res := c.RunAll()
	assert.False(t, res.ReadyForLive)
	assert.Len(t, res.BlockingIssues, 1)
	assert.Contains(t, res.Recommendations, "Resolve all BLOCKER issues before enabling live trading")
}
