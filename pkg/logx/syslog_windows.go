//go:build windows

package logx

// EnableSyslog is a no-op on Windows
func (l *Logger) EnableSyslog(tag string) error {
	return nil
}
