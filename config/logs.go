package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"runtime"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/knq/sdhook"
	"github.com/orandin/lumberjackrus"
	"github.com/recursionpharma/stackrus"
	"github.com/sirupsen/logrus"
)

// WriterHook is a hook that writes logs of specified LogLevels to specified Writer
type WriterHook struct {
	Out       io.Writer
	Formatter logrus.Formatter
	LogLevel  logrus.Level
}

// Fire will be called when some logging function is called with current hook
// It will format logrus entry to string and write it to appropriate writer
func (hook *WriterHook) Fire(entry *logrus.Entry) error {
	serialized, err := hook.Formatter.Format(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to obtain reader, %v\n", err)
		return err
	}
	if _, err = hook.Out.Write(serialized); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write to logrus, %v\n", err)
	}
	return nil
}

// Levels define on which logrus levels this hook would trigger
func (hook *WriterHook) Levels() []logrus.Level {
	return logrus.AllLevels[:hook.LogLevel+1]
}

func parseLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger builds the process logger from the snapshot. The console only
// shows LogLevel and above while the file hook keeps debug lines.
func NewLogger(c *MainConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetReportCaller(true)
	formatter := &logrus.TextFormatter{
		ForceColors: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			_, _, shortfname := utils.RPartition(f.Function, ".")
			return fmt.Sprintf("%s()", shortfname), fmt.Sprintf("%s:%d", filename, f.Line)
		},
	}
	logger.SetFormatter(formatter)
	logger.AddHook(&interfaces.VodLogHook{})

	logger.AddHook(&WriterHook{
		Out:       logger.Out,
		Formatter: formatter,
		LogLevel:  parseLevel(c.LogLevel),
	})
	logger.Out = ioutil.Discard

	if c.LogFile != "" {
		var fileFormatter logrus.Formatter = &logrus.JSONFormatter{}
		if c.LogFormat == "stackdriver" {
			fileFormatter = &stackrus.StackdriverFormatter{}
		}
		fileHook, err := lumberjackrus.NewHook(
			&lumberjackrus.LogFile{
				Filename:   c.LogFile,
				MaxSize:    c.LogFileSize,
				MaxBackups: 1,
				MaxAge:     1,
				Compress:   false,
				LocalTime:  false,
			},
			logrus.DebugLevel,
			fileFormatter,
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("NewHook Error: %s", err)
		}
		logger.AddHook(fileHook)
	}

	if c.StackdriverLogName != "" {
		googleHook, err := sdhook.New(
			sdhook.GoogleLoggingAgent(),
			sdhook.LogName(c.StackdriverLogName),
			sdhook.Levels(logrus.AllLevels[:logrus.DebugLevel+1]...),
		)
		if err != nil {
			logger.Warnf("Failed to initialize the sdhook: %v", err)
		} else {
			logger.AddHook(googleHook)
		}
	}

	utils.SetRcloneLogger(c.RLogLevel, func(level string, text string) {
		logger.WithField("src", "rclone").Infof("%-6s: %s", level, text)
	})
	return logger, nil
}
