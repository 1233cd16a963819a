package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	"guardbot/pkg/logx"
)

// waLogger routes whatsmeow's printf-style logging into logx.
type waLogger struct{ log logx.Logger }

func (l waLogger) Warnf(msg string, args ...any)  { l.log.Warn(fmt.Sprintf(msg, args...)) }
func (l waLogger) Errorf(msg string, args ...any) { l.log.Error(fmt.Sprintf(msg, args...)) }
func (l waLogger) Infof(msg string, args ...any)  { l.log.Debug(fmt.Sprintf(msg, args...)) }
func (l waLogger) Debugf(msg string, args ...any) { l.log.Trace(fmt.Sprintf(msg, args...)) }

func (l waLogger) Sub(module string) waLog.Logger {
	return waLogger{l.log.With(logx.String("module", module))}
}

var _ waLog.Logger = waLogger{}
