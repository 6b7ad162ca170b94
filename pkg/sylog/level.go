package sylog

// messageLevel mirrors the numeric severity scale used throughout the
// bootstrap/runtime pipeline: negative levels and InfoLevel are shown by
// default (-q keeps only ErrorLevel and FatalLevel), positive levels
// require increasing verbosity flags.
type messageLevel int

const (
	FatalLevel messageLevel = iota - 4
	ErrorLevel
	WarnLevel
	LogLevel
	InfoLevel
	VerboseLevel
	DebugLevel
)

func (l messageLevel) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case LogLevel:
		return "LOG"
	case InfoLevel:
		return "INFO"
	case VerboseLevel:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}
