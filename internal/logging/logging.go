package logging

import (
	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Configure routes the default logger to a rotating file at the given path.
func Configure(path, level string) {
	log.SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   false,
	})
	log.SetReportTimestamp(true)
	if parsed, err := log.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	}
}
