package logging

import (
	"math"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapCore is a zapcore.Core that writes through a Logger.
type zapCore struct {
	logger *Logger
}

// NewZapLogger returns a zap logger for the solver packages whose entries
// land in l with l's level, fields and format.
func NewZapLogger(l *Logger) *zap.Logger {
	return zap.New(&zapCore{logger: l}, zap.AddCaller())
}

// fromZap folds zap's panic and fatal levels into ErrorLevel.
func fromZap(level zapcore.Level) Level {
	switch {
	case level < zapcore.DebugLevel:
		return DebugLevel
	case level > zapcore.ErrorLevel:
		return ErrorLevel
	}
	return Level(level)
}

func (c *zapCore) Enabled(level zapcore.Level) bool {
	return c.logger.enabled(fromZap(level))
}

func (c *zapCore) With(fields []zapcore.Field) zapcore.Core {
	return &zapCore{logger: c.logger.WithFields(zapFields(fields, 0))}
}

func (c *zapCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *zapCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	f := zapFields(fields, 1)
	if ent.LoggerName != "" {
		f["logger"] = ent.LoggerName
	}
	c.logger.write(fromZap(ent.Level), ent.Message, ent.Caller.TrimmedPath(), f)
	return nil
}

func (c *zapCore) Sync() error { return nil }

func zapFields(fields []zapcore.Field, extra int) Fields {
	out := make(Fields, len(fields)+extra)
	for _, field := range fields {
		out[field.Key] = zapValue(field)
	}
	return out
}

// zapValue unpacks the value zap stores in a field.
func zapValue(field zapcore.Field) interface{} {
	switch field.Type {
	case zapcore.StringType:
		return field.String
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		return field.Integer
	case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return uint64(field.Integer)
	case zapcore.Float64Type:
		return math.Float64frombits(uint64(field.Integer))
	case zapcore.Float32Type:
		return float64(math.Float32frombits(uint32(field.Integer)))
	case zapcore.BoolType:
		return field.Integer == 1
	case zapcore.DurationType:
		return time.Duration(field.Integer).String()
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			return err.Error()
		}
		return field.Interface
	case zapcore.StringerType:
		return field.Interface.(interface{ String() string }).String()
	case zapcore.ArrayMarshalerType, zapcore.ObjectMarshalerType, zapcore.ReflectType:
		enc := zapcore.NewMapObjectEncoder()
		field.AddTo(enc)
		return enc.Fields[field.Key]
	default:
		return field.Interface
	}
}
