//go:build !windows

package logx

import (
	"log/syslog"

	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// EnableSyslog mirrors every entry to the local syslog daemon under tag.
// The logger keeps writing JSON to its primary output either way.
func (l *Logger) EnableSyslog(tag string) error {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return err
	}
	l.entry.Logger.AddHook(hook)
	return nil
}
