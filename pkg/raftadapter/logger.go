package raftadapter

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.etcd.io/etcd/raft/v3"
)

// raftLogger routes raft's logging through slog.
type raftLogger struct {
	log *slog.Logger
}

var _ raft.Logger = (*raftLogger)(nil)

func newRaftLogger(l *slog.Logger) *raftLogger {
	return &raftLogger{log: l.With("component", "raft")}
}

func (l *raftLogger) Debug(v ...interface{}) { l.emit(slog.LevelDebug, fmt.Sprint(v...)) }
func (l *raftLogger) Debugf(format string, v ...interface{}) {
	l.emit(slog.LevelDebug, fmt.Sprintf(format, v...))
}

func (l *raftLogger) Info(v ...interface{}) { l.emit(slog.LevelInfo, fmt.Sprint(v...)) }
func (l *raftLogger) Infof(format string, v ...interface{}) {
	l.emit(slog.LevelInfo, fmt.Sprintf(format, v...))
}

func (l *raftLogger) Warning(v ...interface{}) { l.emit(slog.LevelWarn, fmt.Sprint(v...)) }
func (l *raftLogger) Warningf(format string, v ...interface{}) {
	l.emit(slog.LevelWarn, fmt.Sprintf(format, v...))
}

func (l *raftLogger) Error(v ...interface{}) { l.emit(slog.LevelError, fmt.Sprint(v...)) }
func (l *raftLogger) Errorf(format string, v ...interface{}) {
	l.emit(slog.LevelError, fmt.Sprintf(format, v...))
}

func (l *raftLogger) Fatal(v ...interface{}) {
	l.emit(slog.LevelError, fmt.Sprint(v...))
	os.Exit(1)
}

func (l *raftLogger) Fatalf(format string, v ...interface{}) {
	l.emit(slog.LevelError, fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (l *raftLogger) Panic(v ...interface{}) {
	msg := fmt.Sprint(v...)
	l.emit(slog.LevelError, msg)
	panic(msg)
}

func (l *raftLogger) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.emit(slog.LevelError, msg)
	panic(msg)
}

func (l *raftLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}
