package logger

import (
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

var (
	once  sync.Once
	mu    sync.RWMutex
	sugar *zap.SugaredLogger
)

// Init initializes the global zap logger
func Init(prod bool) {
	once.Do(func() {
		var logger *zap.Logger
		var err error

		if prod {
			logger, err = zap.NewProduction()
		} else {
			logger, err = zap.NewDevelopment()
		}
		if err != nil {
			panic(err)
		}
		mu.Lock()
		sugar = logger.Sugar()
		mu.Unlock()
	})
}

// Set replaces the global logger. Tests use it with zap.NewNop or zaptest.
func Set(l *zap.Logger) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	sugar = l.Sugar()
}

// Get returns the global logger
func Get() *zap.SugaredLogger {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	if s == nil {
		Init(false) // default to dev
		mu.RLock()
		s = sugar
		mu.RUnlock()
	}
	return s
}

// Watermill adapts the global logger to watermill's LoggerAdapter so routers,
// publishers and subscribers log through zap.
func Watermill() watermill.LoggerAdapter {
	return &watermillAdapter{log: Get()}
}

type watermillAdapter struct {
	log *zap.SugaredLogger
}

func (w *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Errorw(msg, append(keysAndValues(fields), "error", err)...)
}

func (w *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.log.Infow(msg, keysAndValues(fields)...)
}

func (w *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.log.Debugw(msg, keysAndValues(fields)...)
}

// Trace maps onto debug, zap has no lower level.
func (w *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.log.Debugw(msg, keysAndValues(fields)...)
}

func (w *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{log: w.log.With(keysAndValues(fields)...)}
}

func keysAndValues(fields watermill.LogFields) []interface{} {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}
