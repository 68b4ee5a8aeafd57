package logutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// NormalizeOutputPaths maps log output aliases to real sink paths:
// "default" logs to stderr, "none" discards all logs.
func NormalizeOutputPaths(logOutputs []string) []string {
	outputs := make([]string, 0, len(logOutputs))
	for _, v := range logOutputs {
		switch v {
		case "default":
			outputs = append(outputs, "stderr")
		case "none":
			outputs = append(outputs, "/dev/null")
		default:
			outputs = append(outputs, v)
		}
	}
	return outputs
}

// NewWithStderrWriter creates a new logger and multi-writer with os.Stderr.
// The returned file object is the log file, specified with extension ".log";
// without a ".log" output the returned file is nil and the writer only
// wraps os.Stderr.
func NewWithStderrWriter(logLevel string, logOutputs []string) (lg *zap.Logger, wr io.Writer, logFile *os.File, err error) {
	logOutputs = NormalizeOutputPaths(logOutputs)
	logFilePath := ""
	for _, fpath := range logOutputs {
		if filepath.Ext(fpath) == ".log" {
			logFilePath = fpath
			break
		}
	}

	var lcfg zap.Config
	if logFilePath == "" {
		wr = io.MultiWriter(os.Stderr)
		lcfg = AddOutputPaths(GetDefaultZapLoggerConfig(), logOutputs, logOutputs)
	} else if logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0777); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] failed to open log file %q (%v) -- ignoring log file\n", logFilePath, err)
		logFile = nil
		wr = io.MultiWriter(os.Stderr)
		lcfg = AddOutputPaths(GetDefaultZapLoggerConfig(), nil, nil)
	} else {
		wr = io.MultiWriter(os.Stderr, logFile)
		lcfg = AddOutputPaths(GetDefaultZapLoggerConfig(), logOutputs, logOutputs)
	}

	lcfg.Level = zap.NewAtomicLevelAt(ConvertToZapLevel(logLevel))
	lg, err = lcfg.Build()
	if err != nil {
		return nil, nil, nil, err
	}
	return lg, wr, logFile, nil
}
