package consensus

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// LogCategory defines the different categories of consensus log events
type LogCategory string

const (
	EPOCH     LogCategory = "EPOCH"
	ROUND     LogCategory = "ROUND"
	COMMITTEE LogCategory = "COMMITTEE"
	BYZANTINE LogCategory = "BYZANTINE"
	REWARD    LogCategory = "REWARD"
	SYSTEM    LogCategory = "SYSTEM"
	ERROR     LogCategory = "ERROR"
)

// Logger provides structured logging for the consensus engine with different
// log categories, writing to console and an optional per-node file.
type Logger struct {
	NodeID        string
	ConsoleLogger *log.Logger
	FileLogger    *log.Logger
	logFile       *os.File
}

// NewLogger creates a logger for a consensus node. File logging is best
// effort; the logger degrades to console-only when the log directory cannot
// be created.
func NewLogger(nodeID string) *Logger {
	consoleLogger := log.New(os.Stdout, "", log.LstdFlags)

	var fileLogger *log.Logger
	var logFile *os.File

	if err := os.MkdirAll("logs", 0755); err == nil {
		logFileName := fmt.Sprintf("consensus_%s_%s.log", nodeID, time.Now().Format("20060102_150405"))
		logFilePath := filepath.Join("logs", logFileName)

		if f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			logFile = f
			fileLogger = log.New(f, "", log.LstdFlags)
		} else {
			log.Printf("Warning: Could not create log file: %v", err)
		}
	}

	return &Logger{
		NodeID:        nodeID,
		ConsoleLogger: consoleLogger,
		FileLogger:    fileLogger,
		logFile:       logFile,
	}
}

// Close closes the log file if it's open
func (l *Logger) Close() {
	if l.logFile != nil {
		l.logFile.Close()
	}
}

func (l *Logger) logEntry(category LogCategory, action string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	entry := fmt.Sprintf("[%s] [%s] [%s] %s", l.NodeID, string(category), action, message)

	l.ConsoleLogger.Println(entry)
	if l.FileLogger != nil {
		l.FileLogger.Println(entry)
	}
}

// Epoch logs epoch lifecycle events
func (l *Logger) Epoch(epoch int64, format string, args ...interface{}) {
	l.logEntry(EPOCH, fmt.Sprintf("Epoch:%d", epoch), format, args...)
}

// Round logs consensus round events
func (l *Logger) Round(roundID string, format string, args ...interface{}) {
	l.logEntry(ROUND, roundID, format, args...)
}

// Committee logs committee selection events
func (l *Logger) Committee(format string, args ...interface{}) {
	l.logEntry(COMMITTEE, "Select", format, args...)
}

// Byzantine logs detection and quarantine events
func (l *Logger) Byzantine(validatorID string, format string, args ...interface{}) {
	l.logEntry(BYZANTINE, validatorID, format, args...)
}

// Reward logs payout and slashing events
func (l *Logger) Reward(format string, args ...interface{}) {
	l.logEntry(REWARD, "Distribute", format, args...)
}

// System logs system-level messages
func (l *Logger) System(format string, args ...interface{}) {
	l.logEntry(SYSTEM, "Info", format, args...)
}

// Error logs error conditions
func (l *Logger) Error(context string, format string, args ...interface{}) {
	l.logEntry(ERROR, context, format, args...)
}
