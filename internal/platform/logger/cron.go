package logger

// CronLogger adapts Logger to the cron.Logger interface so scheduler
// diagnostics (skipped ticks, recovered panics) land in the same stream.
type CronLogger struct {
	log *Logger
}

func (l *Logger) Cron() CronLogger { return CronLogger{log: l} }

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, keysAndValues...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append(keysAndValues, "error", err)...)
}
