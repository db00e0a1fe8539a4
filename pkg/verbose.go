package fileaudit

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	globalVerboseLevel int
	debugFlags         map[string]bool
	debugMutex         sync.RWMutex
	logger             zerolog.Logger
)

func init() {
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	SetVerboseLevel(0)
}

// levelForVerbose maps the verbose level onto a zerolog level
func levelForVerbose(level int) zerolog.Level {
	switch {
	case level <= 0:
		return zerolog.WarnLevel
	case level == 1:
		return zerolog.InfoLevel
	case level == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// SetVerboseLevel sets the global verbose level.
// LOG_LEVEL in the environment takes precedence when it names a valid zerolog level.
func SetVerboseLevel(level int) {
	globalVerboseLevel = level
	zlevel := levelForVerbose(level)
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil && parsed != zerolog.NoLevel {
			zlevel = parsed
		}
	}
	logger = logger.Level(zlevel)
}

// GetVerboseLevel returns the current verbose level
func GetVerboseLevel() int {
	return globalVerboseLevel
}

// SetLogOutput redirects the package logger
func SetLogOutput(w io.Writer) {
	logger = logger.Output(w)
}

// Logger returns the package logger
func Logger() *zerolog.Logger {
	return &logger
}

// VerboseEnter logs function entry at level 3+ and returns a defer function for exit logging
func VerboseEnter() func() {
	if globalVerboseLevel < 3 {
		return func() {}
	}

	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		return func() {}
	}

	funcName := runtime.FuncForPC(pc).Name()
	if idx := strings.LastIndex(funcName, "."); idx != -1 {
		funcName = funcName[idx+1:]
	}

	logger.Trace().Str("func", funcName).Msg("enter")
	return func() {
		logger.Trace().Str("func", funcName).Msg("exit")
	}
}

// VerboseLog logs a message at the specified verbose level
func VerboseLog(level int, format string, args ...interface{}) {
	if globalVerboseLevel < level {
		return
	}
	msg := strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
	switch {
	case level <= 1:
		logger.Info().Int("v", level).Msg(msg)
	case level == 2:
		logger.Debug().Int("v", level).Msg(msg)
	default:
		logger.Trace().Int("v", level).Msg(msg)
	}
}

// SetDebugFlags sets the debug flags from a comma-separated string
// Supports both simple flags ("queue,cache") and key:value format ("queue:true,cache:false")
func SetDebugFlags(flagsStr string) {
	flags := make(map[string]bool)
	for _, flag := range strings.Split(flagsStr, ",") {
		flag = strings.TrimSpace(flag)
		if flag == "" {
			continue
		}

		parts := strings.SplitN(flag, ":", 2)
		flagName := strings.ToLower(parts[0])
		flagValue := true

		if len(parts) > 1 {
			switch strings.ToLower(parts[1]) {
			case "false", "0", "no", "off":
				flagValue = false
			}
		}

		flags[flagName] = flagValue
	}

	debugMutex.Lock()
	debugFlags = flags
	debugMutex.Unlock()
}

// IsDebugEnabled returns true if the specified debug flag is enabled
func IsDebugEnabled(flag string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	if debugFlags == nil {
		return false
	}
	return debugFlags[strings.ToLower(flag)]
}

// debugLog emits a trace line when the named debug flag is on
func debugLog(flag string) *zerolog.Event {
	if !IsDebugEnabled(flag) {
		return nil
	}
	return logger.Log().Str("debug", flag)
}
