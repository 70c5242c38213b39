// Package badgerlog routes badger's internal logging into zap. Badger is
// chatty at info level, so info lines are demoted to debug.
package badgerlog

import (
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

type logger struct {
	sugar *zap.SugaredLogger
}

// New returns a badger.Logger writing to l.
func New(l *zap.Logger) badger.Logger {
	return logger{sugar: l.Sugar()}
}

func (l logger) Errorf(f string, a ...interface{})   { l.sugar.Errorf(f, a...) }
func (l logger) Warningf(f string, a ...interface{}) { l.sugar.Warnf(f, a...) }
func (l logger) Infof(f string, a ...interface{})    { l.sugar.Debugf(f, a...) }
func (l logger) Debugf(f string, a ...interface{})   { l.sugar.Debugf(f, a...) }
