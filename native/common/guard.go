package common

import "errors"

// ErrModulePaused is returned when a guarded operation runs while its module
// is administratively paused.
var ErrModulePaused = errors.New("module paused")

// PauseView reports the pause state for a named module.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call with ErrModulePaused when the view marks the module
// as paused. A nil view or empty module name never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
