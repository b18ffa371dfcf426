package accesslog

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/semihalev/zlog/v2"

	"github.com/dohproxy/dohproxy/config"
	"github.com/dohproxy/dohproxy/middleware"
)

// AccessLog type
type AccessLog struct {
	logFile *os.File
}

// New returns a new AccessLog
func New(cfg *config.Config) *AccessLog {
	var logFile *os.File
	var err error

	if cfg.AccessLog != "" {
		logFile, err = os.OpenFile(cfg.AccessLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			zlog.Error("Access log file open failed", "error", strings.Trim(err.Error(), "\n"))
		}
	}

	return &AccessLog{logFile: logFile}
}

// Name return middleware name
func (a *AccessLog) Name() string { return name }

// ServeDoH implements the Handler interface.
func (a *AccessLog) ServeDoH(ctx context.Context, ch *middleware.Chain) {
	ch.Next(ctx)

	w, r := ch.Writer, ch.Request

	if a.logFile == nil || !w.Written() {
		return
	}

	host := "-"
	if ip := ch.RemoteIP(); ip != nil {
		host = ip.String()
	}

	record := []string{
		host + " - -",
		"[" + time.Now().Format("02/Jan/2006:15:04:05 -0700") + "]",
		"\"" + r.Method + " " + r.URL.Path + " " + r.Proto + "\"",
		strconv.Itoa(w.Status()),
		strconv.Itoa(w.Size()),
	}

	_, err := a.logFile.WriteString(strings.Join(record, " ") + "\n")
	if err != nil {
		zlog.Error("Access log write failed", "error", strings.Trim(err.Error(), "\n"))
	}
}

// Close closes the access log file.
func (a *AccessLog) Close() error {
	if a.logFile == nil {
		return nil
	}

	return a.logFile.Close()
}

const name = "accesslog"
