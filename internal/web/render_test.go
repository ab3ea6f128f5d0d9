package web

import (
	"bytes"
	"strings"
	"testing"

	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

type dashboardData struct {
	Active, Total, PowFailed, Throttled, Timeouts, Cancels, Errors int
	Uptime                                                         float64
}

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", "status", dashboardData{Active: 3, Total: 42, Uptime: 61.7})
	assert.NilError(t, err)
	out := buf.String()
	assert.Check(t, is.Contains(out, "<title>procwrap - status</title>"))
	assert.Check(t, is.Contains(out, `<td class="num">42</td>`))
	assert.Check(t, is.Contains(out, `<td class="num">1m1s</td>`))
	assert.Check(t, is.Contains(out, "rendered "))
}

func TestRenderUnknownFallsBackToLayout(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "nope", "", nil)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(buf.String(), "<h1>procwrap</h1>"))
	assert.Check(t, !strings.Contains(buf.String(), "Active sessions"))
}

func TestRenderReportsBadData(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", "", struct{ Active int }{1})
	assert.ErrorContains(t, err, "render dashboard")
}
