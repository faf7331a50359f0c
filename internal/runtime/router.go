package runtime

// Discipline selects where and when a dispatched command runs on its target
// worker.
type Discipline int

const (
	// DispatchEventLoop runs the command on the target's next event-loop
	// tick. No execution restriction applies.
	DispatchEventLoop Discipline = iota
	// DispatchInterrupt runs the command at the next safe point, whether
	// that is a loop boundary or a cooperative checkpoint. Script execution
	// is disallowed while it runs.
	DispatchInterrupt
	// DispatchInterruptOnly runs the command only at a checkpoint inside a
	// handler, with the handler's stack beneath it.
	DispatchInterruptOnly
)

// Dispatch routes fn onto the target worker under the given discipline. The
// scope lock is held only for the enqueue: fn itself may re-enter the
// router. Dispatching to a torn-down worker returns ErrNotAlive; the command
// is then never run.
func Dispatch(inst *Inst, d Discipline, fn CommandFunc) error {
	if inst == nil {
		return ErrNotAlive
	}
	sc := inst.Scope()
	defer sc.Close()
	if !sc.Success() {
		return ErrNotAlive
	}

	switch d {
	case DispatchEventLoop:
		inst.runOnLoop(fn)
	case DispatchInterrupt:
		inst.runOnInterrupt(fn)
	case DispatchInterruptOnly:
		inst.runOnInterruptOnly(fn)
	default:
		return ErrInvalidDiscipline
	}
	return nil
}

// CustomCommand routes a named command with JSON args onto the worker's
// event loop. The callback fires exactly once, on the agent goroutine, with
// either the handler's result or an error outcome.
func (l *Loop) CustomCommand(inst *Inst, reqID, command, args string, cb CustomCommandCallback) error {
	return Dispatch(inst, DispatchEventLoop, func(target *Inst) {
		target.runCustomCommand(reqID, command, args, func(res CustomCommandResult) {
			l.Queue(func() { cb(res) })
		})
	})
}
