package runtime

import (
	"bytes"
	goruntime "runtime"
	"strconv"
	"strings"
)

// curGoroutineID parses the current goroutine's id from its stack header.
// Workers record it at startup so the blocked-loop detector can pick their
// frames out of a full stack dump.
func curGoroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:goruntime.Stack(buf, false)]
	// Header: "goroutine 123 [running]:"
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		id, err := strconv.ParseUint(string(buf[:i]), 10, 64)
		if err == nil {
			return id
		}
	}
	return 0
}

// StackFrame is one captured frame of a blocked worker.
type StackFrame struct {
	FunctionName string `json:"functionName"`
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
	IsEval       bool   `json:"isEval"`
}

// maxStackFrames bounds blocked-loop stack captures.
const maxStackFrames = 100

// goroutineStack extracts up to maxStackFrames frames of the goroutine with
// the given id from a full stack dump. Returns nil when the goroutine is not
// found.
func goroutineStack(gid uint64) []StackFrame {
	buf := make([]byte, 1<<20)
	buf = buf[:goruntime.Stack(buf, true)]

	prefix := "goroutine " + strconv.FormatUint(gid, 10) + " "
	var section string
	for _, chunk := range strings.Split(string(buf), "\n\n") {
		if strings.HasPrefix(chunk, prefix) {
			section = chunk
			break
		}
	}
	if section == "" {
		return nil
	}

	lines := strings.Split(section, "\n")
	var frames []StackFrame
	// Frames come in pairs: function line, then "\tfile:line +0x...".
	for i := 1; i+1 < len(lines) && len(frames) < maxStackFrames; i += 2 {
		fn := strings.TrimSpace(lines[i])
		loc := strings.TrimSpace(lines[i+1])
		if fn == "" || loc == "" {
			break
		}
		if j := strings.LastIndex(fn, "("); j > 0 {
			fn = fn[:j]
		}
		file := loc
		line := 0
		if j := strings.LastIndex(loc, " "); j > 0 {
			file = loc[:j]
		}
		if j := strings.LastIndex(file, ":"); j > 0 {
			line, _ = strconv.Atoi(file[j+1:])
			file = file[:j]
		}
		frames = append(frames, StackFrame{
			FunctionName: fn,
			URL:          file,
			LineNumber:   line,
		})
	}
	return frames
}
