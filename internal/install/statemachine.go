package install

import (
	"github.com/looplab/fsm"
)

// Device install states.
const (
	StateIdle      = "idle"
	StateBusy      = "busy"
	StateVerifying = "verifying"
	StateReloading = "reloading"
	StateSuccess   = "success"
	StateFailed    = "failed"
)

// Events drive the per-device machine through its fixed progression.
const (
	EventDetach = "detach"
	EventWrite  = "write"
	EventAttach = "attach"
	EventReload = "reload"
	EventFail   = "fail"
)

// newDeviceFSM builds the looplab/fsm state machine for one (device,
// release) install, with callbacks wired to the supplied actions. Any
// non-terminal failure transitions to Failed via EventFail, which the
// planner fires explicitly around each phase so a best-effort attach still
// runs afterward.
func newDeviceFSM(cbs fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventDetach, Src: []string{StateIdle}, Dst: StateBusy},
			{Name: EventWrite, Src: []string{StateBusy}, Dst: StateVerifying},
			{Name: EventAttach, Src: []string{StateVerifying, StateBusy}, Dst: StateReloading},
			{Name: EventReload, Src: []string{StateReloading}, Dst: StateSuccess},
			{Name: EventFail, Src: []string{StateIdle, StateBusy, StateVerifying, StateReloading}, Dst: StateFailed},
		},
		cbs,
	)
}
