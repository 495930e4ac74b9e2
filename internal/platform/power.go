package platform

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/go-logr/logr"
)

// Func definition for unit testing
var shutdownCommandFunc = func() *exec.Cmd {
	return exec.Command("poweroff")
}

// SystemPowerControl performs the orderly power-off: flush filesystem
// buffers, then hand the shutdown to init.
type SystemPowerControl struct {
	log logr.Logger
}

func NewSystemPowerControl(log logr.Logger) *SystemPowerControl {
	return &SystemPowerControl{log: log.WithName("power")}
}

func (p *SystemPowerControl) OrderlyShutdown() error {
	p.log.Info("initiating orderly shutdown")
	syscall.Sync()

	if err := shutdownCommandFunc().Run(); err != nil {
		return fmt.Errorf("failed to run shutdown command: %w", err)
	}

	return nil
}
