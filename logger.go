// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"log"

	"go.uber.org/zap"
)

// Logger defines an interface that implementers can use to redirect
// logging into their own application.
type Logger interface {
	Printf(format string, v ...interface{})
}

// stdLogger implements the Logger interface by wrapping the Go log package.
type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

// zapLogger implements the Logger interface on top of a zap logger.
type zapLogger struct {
	l *zap.SugaredLogger
}

// NewZapLogger returns a Logger that writes to l. Messages are logged at
// warn level; the queue only logs conditions an operator should look at.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapLogger{l: l.Sugar()}
}

func (z zapLogger) Printf(format string, v ...interface{}) {
	z.l.Warnf(format, v...)
}
