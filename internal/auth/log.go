package auth

import (
	"context"
	"os"
	"strings"
	"time"
)

// prefixWidth aligns the message column across lines with timestamps and
// addresses of varying length.
const prefixWidth = 40

func (s *Session) frontendLog(_ context.Context, body string, _ func()) {
	prefix := time.Now().UTC().Format(time.RFC3339) + "|" + s.clientIP
	if n := prefixWidth - len(prefix); n > 0 {
		prefix += strings.Repeat(" ", n)
	}
	s.appendLine(s.cfg.FrontendLog, prefix+body)
	s.logger.Debug("frontend log", "message", body)
}

func (s *Session) frontendError(_ context.Context, body string, _ func()) {
	line := "[" + time.Now().UTC().Format(time.RFC3339) + "][ ERROR ]\t" + body
	s.appendLine(s.cfg.FrontendError, line)
	s.logger.Error("frontend error", "message", body)
}

func (s *Session) appendLine(path, line string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error("log file open failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		s.logger.Error("log file write failed", "path", path, "error", err)
	}
}
