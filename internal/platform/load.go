package platform

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

var procStatPath = "/proc/stat"

// ProcStatLoadSource reports the instantaneous runnable task count from
// the procs_running line of /proc/stat.
type ProcStatLoadSource struct {
	log logr.Logger
}

func NewProcStatLoadSource(log logr.Logger) *ProcStatLoadSource {
	return &ProcStatLoadSource{log: log.WithName("load")}
}

func (p *ProcStatLoadSource) RunnableTaskCount() uint {
	file, err := os.Open(procStatPath)
	if err != nil {
		p.log.Error(err, "failed to open stat file")
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "procs_running" {
			running, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				p.log.Error(err, "failed to parse procs_running", "value", fields[1])
				return 0
			}
			return uint(running)
		}
	}
	p.log.V(4).Info("procs_running not found in stat file")

	return 0
}
