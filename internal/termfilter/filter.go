// Package termfilter implements the Echo & Prompt Filter: the single
// component that turns a raw PTY byte stream into the normalized stream
// every other part of the system consumes.
//
// Feed is driven by the session's dedicated reader goroutine; Submit is
// called by the Command Executor immediately before it writes a command to
// the shell. A small internal mutex serializes the two, so emissions happen
// in exactly the order the Filter processed their inputs. All other state is
// confined to this type; no raw PTY byte reaches any downstream consumer
// without passing through here.
package termfilter

import (
	"bytes"
	"regexp"
	"strings"
	"sync"

	"github.com/LightspeedDMS/ssh-mcp/internal/model"
	"github.com/LightspeedDMS/ssh-mcp/internal/sshadapter"
)

// promptPattern matches a canonical prompt: "[user@host cwd]$ " anchored to
// the start of a line. The Filter only ever tests it against the buffered
// tail that follows the most recent newline, so "^...$" here means "this is
// the entirety of that tail", not merely a prefix.
var promptPattern = regexp.MustCompile(`^\[[^@]+@[^ ]+ [^\]]+\]\$ $`)

// markerPattern recognizes the out-of-band exit-code line appended to every
// submitted command via sshadapter.WrapCommand.
var markerPattern = regexp.MustCompile(`^__rc:(-?[0-9]+)$`)

// ChunkFunc receives every normalized chunk the Filter produces, in order.
type ChunkFunc func(data []byte)

// CompleteFunc is invoked exactly once per in-flight command when its
// completion prompt is observed.
type CompleteFunc func(result model.CommandResult)

// Filter transforms raw PTY bytes into the normalized stream.
type Filter struct {
	onChunk    ChunkFunc
	onComplete CompleteFunc

	mu sync.Mutex

	raw []byte // buffered bytes since the last complete line boundary

	initialized bool   // true once the first canonical prompt has been seen
	lastPrompt  []byte // most recently observed canonical prompt text
	tailPrompt  bool   // the most recently emitted chunk was a bare prompt

	capturing     bool // true between a command's echo-line emission and its completion prompt
	captureBuf    bytes.Buffer
	pendingEcho   [][]byte // echo forms of the in-flight command (bare and exit-code-wrapped)
	echoChecked   bool   // whether the first post-submit line has been checked for a stray echo
	lastExitCode  int
	sawExitMarker bool
}

// New creates a Filter. onChunk is called for every normalized chunk
// produced (in strict order); onComplete is called once per command when its
// completion prompt is observed.
func New(onChunk ChunkFunc, onComplete CompleteFunc) *Filter {
	return &Filter{onChunk: onChunk, onComplete: onComplete}
}

// Initialized reports whether the first canonical prompt (ending the
// Adapter's init sequence) has been observed. Commands must not be submitted
// before this returns true.
func (f *Filter) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Submit registers command C with the Filter immediately before it is
// written to the shell, and emits C's synthetic echo line. When the stream
// currently ends on a bare completion prompt, the echo line is just
// "C\r\n" so the command renders on the prompt's line the way a terminal
// would show it; otherwise the full "<prompt>C\r\n" form is emitted. Submit
// must be called while no command is capturing (the Executor guarantees at
// most one in-flight request).
//
// needsEchoInjection is false only for submissions that must not produce an
// echo line; both browser- and tool-submitted commands pass true in practice
// (raw keystroke input bypasses Submit entirely and is written straight to
// the Adapter, per the terminal_input_raw boundary case).
func (f *Filter) Submit(command string, needsEchoInjection bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.capturing = true
	f.captureBuf.Reset()
	// The shell, were it to re-enable echo, would echo the wrapped form the
	// Executor actually writes; both shapes are suppressed.
	f.pendingEcho = [][]byte{[]byte(command), []byte(sshadapter.WrapCommand(command))}
	f.echoChecked = !needsEchoInjection // skip the suppression check entirely if not requested
	f.lastExitCode = 0
	f.sawExitMarker = false

	if !needsEchoInjection {
		return
	}
	var line []byte
	if !f.tailPrompt {
		line = append(line, f.lastPrompt...)
	}
	line = append(line, command...)
	line = append(line, '\r', '\n')
	f.emit(line, false)
}

// Feed processes newly arrived raw bytes from the Adapter, in arrival order.
func (f *Filter) Feed(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.raw = append(f.raw, data...)

	for {
		idx := bytes.IndexByte(f.raw, '\n')
		if idx < 0 {
			break
		}
		line := f.raw[:idx+1] // include the '\n'
		f.raw = f.raw[idx+1:]
		f.processLine(line)
	}

	f.checkPrompt()
}

// processLine handles one complete, newline-terminated line.
func (f *Filter) processLine(line []byte) {
	trimmed := bytes.TrimRight(line, "\r\n")

	if f.capturing {
		if !f.echoChecked {
			f.echoChecked = true
			for _, echo := range f.pendingEcho {
				if bytes.Equal(trimmed, echo) {
					// Stray server-side echo of the command itself; drop it.
					return
				}
			}
		}
		if m := markerPattern.FindSubmatch(trimmed); m != nil {
			f.lastExitCode = parseInt(m[1])
			f.sawExitMarker = true
			return // the marker line is elided from the normalized stream
		}
		f.captureBuf.Write(line)
	}

	if !f.initialized {
		// Still inside the Adapter's init sequence: discard entirely.
		return
	}

	f.emit(line, false)
}

// checkPrompt tests whether the buffered tail (the partial line following
// the last newline) is, in its entirety, a canonical prompt. Because the
// remote shell never terminates a prompt with a newline (it waits for
// input), a prompt is only ever observable as this trailing fragment.
func (f *Filter) checkPrompt() {
	if len(f.raw) == 0 || !promptPattern.Match(f.raw) {
		return
	}

	prompt := append([]byte(nil), f.raw...)
	f.raw = nil

	if !f.initialized {
		f.initialized = true
		f.lastPrompt = prompt
		return
	}

	f.lastPrompt = prompt

	if f.capturing {
		f.capturing = false
		result := model.CommandResult{
			// The tool-channel result carries LF-normalized text; the
			// stream itself keeps CR-LF end to end.
			Stdout:   strings.ReplaceAll(f.captureBuf.String(), "\r\n", "\n"),
			ExitCode: f.lastExitCode,
		}
		if !f.sawExitMarker {
			result.ExitCode = model.PendingExitCode
		}
		f.captureBuf.Reset()
		f.emit(prompt, true)
		if f.onComplete != nil {
			f.onComplete(result)
		}
		return
	}

	// A prompt observed with nothing in flight (e.g. after raw keystroke
	// input, or an idle redisplay): still part of the live normalized
	// stream, but no command resolves.
	f.emit(prompt, true)
}

func (f *Filter) emit(data []byte, isPrompt bool) {
	if len(data) == 0 {
		return
	}
	f.tailPrompt = isPrompt
	if f.onChunk != nil {
		f.onChunk(data)
	}
}

func parseInt(digits []byte) int {
	neg := false
	if len(digits) > 0 && digits[0] == '-' {
		neg = true
		digits = digits[1:]
	}
	n := 0
	for _, c := range digits {
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}
