package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProcStat = `cpu  126095 5094 35370 2558462 4435 0 1537 0 0 0
cpu0 32063 1252 9327 639092 1121 0 1001 0 0 0
intr 13495671 52 9 0 0 0 0 0 0 1 0
ctxt 32885006
btime 1755913895
processes 26250
procs_running 3
procs_blocked 0
softirq 7893373 3 2337175 1469 217897 0 0 12542
`

func overrideProcStat(t *testing.T, content string) {
	statFile := filepath.Join(t.TempDir(), "stat")
	require.NoError(t, os.WriteFile(statFile, []byte(content), 0644))

	origProcStatPath := procStatPath
	procStatPath = statFile
	t.Cleanup(func() { procStatPath = origProcStatPath })
}

func TestProcStatRunnableTaskCount(t *testing.T) {
	overrideProcStat(t, sampleProcStat)

	source := NewProcStatLoadSource(logr.Discard())
	assert.Equal(t, uint(3), source.RunnableTaskCount())
}

func TestProcStatMissingLine(t *testing.T) {
	overrideProcStat(t, "cpu  1 2 3 4\nctxt 99\n")

	source := NewProcStatLoadSource(logr.Discard())
	assert.Equal(t, uint(0), source.RunnableTaskCount())
}

func TestProcStatUnreadable(t *testing.T) {
	origProcStatPath := procStatPath
	procStatPath = filepath.Join(t.TempDir(), "no-such-file")
	t.Cleanup(func() { procStatPath = origProcStatPath })

	source := NewProcStatLoadSource(logr.Discard())
	assert.Equal(t, uint(0), source.RunnableTaskCount())
}

func TestProcStatGarbageValue(t *testing.T) {
	overrideProcStat(t, "procs_running many\n")

	source := NewProcStatLoadSource(logr.Discard())
	assert.Equal(t, uint(0), source.RunnableTaskCount())
}
