package utils

import (
	"log"
	"os"
)

var logger = log.New(os.Stderr, "", log.LstdFlags)

// DebugEnabled gates Debugf. Set from the debug config key.
var DebugEnabled bool

// Debugf logs only when debugging is enabled.
func Debugf(format string, args ...any) {
	if DebugEnabled {
		logger.Printf("[debug] "+format, args...)
	}
}

func Warnf(format string, args ...any) {
	logger.Printf("[warn] "+format, args...)
}
