package runtime

import "fmt"

// CustomCommandHandler runs a named command on the worker's event loop and
// returns a JSON-encoded result or an error.
type CustomCommandHandler func(args string) (string, error)

// CustomCommandResult reports the outcome of one custom command.
type CustomCommandResult struct {
	RequestID string
	Command   string
	Status    int
	Value     string
	Err       string
}

// CustomCommandCallback receives the command's outcome on the agent
// goroutine.
type CustomCommandCallback func(CustomCommandResult)

// RegisterCustomCommand installs a handler for the named command. Handlers
// run on the worker's event loop.
func (i *Inst) RegisterCustomCommand(name string, handler CustomCommandHandler) {
	i.customMu.Lock()
	if i.customHandlers == nil {
		i.customHandlers = map[string]CustomCommandHandler{}
	}
	i.customHandlers[name] = handler
	i.customMu.Unlock()
}

// customHandler looks up a handler by name.
func (i *Inst) customHandler(name string) (CustomCommandHandler, bool) {
	i.customMu.Lock()
	defer i.customMu.Unlock()
	h, ok := i.customHandlers[name]
	return h, ok
}

// runCustomCommand executes the named command on the worker and reports the
// outcome exactly once.
func (i *Inst) runCustomCommand(reqID, command, args string, report func(CustomCommandResult)) {
	handler, ok := i.customHandler(command)
	if !ok {
		report(CustomCommandResult{
			RequestID: reqID,
			Command:   command,
			Status:    422,
			Err:       fmt.Sprintf("unknown command %q", command),
		})
		return
	}
	value, err := handler(args)
	res := CustomCommandResult{RequestID: reqID, Command: command, Value: value}
	if err != nil {
		res.Status = ErrorCode(err)
		res.Err = err.Error()
		res.Value = ""
	}
	report(res)
}
