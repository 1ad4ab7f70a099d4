package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestDryRunMsg_Enabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = true
	u.DryRunMsg("would create %s", "file")
	assert.Contains(t, errOut.String(), "[DRY-RUN]")
	assert.Contains(t, errOut.String(), "would create file")
}

func TestDryRunMsg_Disabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = false
	u.DryRunMsg("would create %s", "file")
	assert.Empty(t, errOut.String())
}

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestStateColor(t *testing.T) {
	for _, st := range []string{"completed", "dispatching", "rejected", "failed"} {
		assert.Contains(t, StateColor(st), st)
	}
	assert.Equal(t, "unknown", StateColor("unknown"))
}

func TestOutcomeColor(t *testing.T) {
	assert.Contains(t, OutcomeColor("success"), "success")
	assert.Contains(t, OutcomeColor("skipped_budget"), "skipped_budget")
	assert.Equal(t, "other", OutcomeColor("other"))
}

func TestSeverityColor(t *testing.T) {
	for _, sev := range []string{"critical", "major", "minor", "suggestion"} {
		assert.Contains(t, SeverityColor(sev), sev)
	}
}

func TestCost(t *testing.T) {
	assert.Equal(t, "$1.5000", Cost(1.5, 0))
	assert.Contains(t, Cost(9, 10), "$9.0000")
	assert.Contains(t, Cost(11, 10), "$11.0000")
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Run", "State"})
	require.NotNil(t, table)

	table.Append([]string{"01HRUNA", "completed"})
	table.Append([]string{"01HRUNB", "rejected"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "01HRUNA"), "table output should contain run ids")
	assert.True(t, strings.Contains(result, "01HRUNB"), "table output should contain run ids")
}
