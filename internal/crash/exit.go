package crash

import "fmt"

// ExitKind enumerates the worker terminations with a dedicated message.
// Adding a kind without a Message case is caught by the exhaustive test.
type ExitKind int

const (
	ExitUnexpected ExitKind = iota
	ExitCode
	ExitSignal

	ExitGeneralError
	ExitShellMisuse
	ExitCannotExecute
	ExitCommandNotFound
	ExitInvalidArgument
	ExitInterrupted
	ExitKilled
	ExitSegfault
	ExitTerminated

	SignalKill
	SignalTerm
	SignalInt
	SignalSegv
	SignalAbrt
	SignalHup

	exitKindCount
)

var codeKinds = map[int]ExitKind{
	1:   ExitGeneralError,
	2:   ExitShellMisuse,
	126: ExitCannotExecute,
	127: ExitCommandNotFound,
	128: ExitInvalidArgument,
	130: ExitInterrupted,
	137: ExitKilled,
	139: ExitSegfault,
	143: ExitTerminated,
}

var signalKinds = map[string]ExitKind{
	"SIGKILL": SignalKill,
	"SIGTERM": SignalTerm,
	"SIGINT":  SignalInt,
	"SIGSEGV": SignalSegv,
	"SIGABRT": SignalAbrt,
	"SIGHUP":  SignalHup,
}

// Exit is a classified worker termination.
type Exit struct {
	Kind   ExitKind
	Code   *int
	Signal string
}

// Classify maps an exit code or terminating signal to an Exit. A signal wins
// over an exit code when both are present.
func Classify(exitCode *int, signal string) Exit {
	e := Exit{Code: exitCode, Signal: signal}
	switch {
	case signal != "":
		if k, ok := signalKinds[signal]; ok {
			e.Kind = k
		} else {
			e.Kind = ExitSignal
		}
	case exitCode != nil:
		if k, ok := codeKinds[*exitCode]; ok {
			e.Kind = k
		} else {
			e.Kind = ExitCode
		}
	default:
		e.Kind = ExitUnexpected
	}
	return e
}

// Message returns the human-readable description of the exit.
func (e Exit) Message() string {
	switch e.Kind {
	case ExitGeneralError:
		return "General error"
	case ExitShellMisuse:
		return "Misuse of shell command"
	case ExitCannotExecute:
		return "Command cannot execute (permission denied)"
	case ExitCommandNotFound:
		return "Command not found"
	case ExitInvalidArgument:
		return "Invalid exit argument"
	case ExitInterrupted:
		return "Process interrupted (SIGINT)"
	case ExitKilled:
		return "Process killed (SIGKILL)"
	case ExitSegfault:
		return "Segmentation fault (SIGSEGV)"
	case ExitTerminated:
		return "Process terminated (SIGTERM)"
	case SignalKill:
		return "Process was killed"
	case SignalTerm:
		return "Process was terminated"
	case SignalInt:
		return "Process was interrupted"
	case SignalSegv:
		return "Process crashed (segmentation fault)"
	case SignalAbrt:
		return "Process aborted"
	case SignalHup:
		return "Process lost its terminal (SIGHUP)"
	case ExitCode:
		if e.Code != nil {
			return fmt.Sprintf("Process exited with code %d", *e.Code)
		}
	case ExitSignal:
		return fmt.Sprintf("Process terminated by signal %s", e.Signal)
	case ExitUnexpected:
	}
	return "Process exited unexpectedly"
}
