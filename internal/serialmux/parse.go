package serialmux

import "strings"

// Response line types emitted by GRBL firmware.
const (
	LineTypeOK       = "ok"
	LineTypeError    = "error"
	LineTypeAlarm    = "alarm"
	LineTypeStatus   = "status"
	LineTypeFeedback = "feedback"
	LineTypeWelcome  = "welcome"
	LineTypeSetting  = "setting"
	LineTypeUnknown  = "unknown"
)

// ClassifyLine inspects a response line from the controller and returns a
// simple type token. The classification follows the GRBL v1.1 interface
// document: "ok"/"error:N" terminate a command, "ALARM:N" reports a lockout,
// angle brackets carry realtime status reports, square brackets carry
// feedback messages, and "$N=V" lines are settings dumps.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "ok":
		return LineTypeOK
	case strings.HasPrefix(line, "error:"):
		return LineTypeError
	case strings.HasPrefix(line, "ALARM:"):
		return LineTypeAlarm
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		return LineTypeStatus
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return LineTypeFeedback
	case strings.HasPrefix(line, "Grbl "):
		return LineTypeWelcome
	case strings.HasPrefix(line, "$") && strings.Contains(line, "="):
		return LineTypeSetting
	default:
		return LineTypeUnknown
	}
}

// IsTerminal reports whether a line completes a previously sent command.
// GRBL answers every buffered line with exactly one "ok" or "error:N".
func IsTerminal(line string) bool {
	t := ClassifyLine(line)
	return t == LineTypeOK || t == LineTypeError
}
