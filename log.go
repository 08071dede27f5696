package main

import (
	"io"
	"os"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/shiena/ansicolor"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05.000"

func init() {
	//InitLog 初始化日志
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: timestampFormat,
	})
	// then wrap the log output with it
	log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stdout))
	log.SetLevel(log.InfoLevel)
}

// initLog applies the configured level and log file.
func initLog(v *viper.Viper) error {
	lvl, err := logLevel(v)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if file := v.GetString("log.file"); file != "" {
		log.AddHook(newFileHook(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 3,
		}))
	}
	log.Debugf("config: %s", describe(v))
	return nil
}

// fileHook copies every entry, uncolored, to a rotating log file.
type fileHook struct {
	w         io.Writer
	formatter log.Formatter
}

func newFileHook(w io.Writer) *fileHook {
	return &fileHook{
		w: w,
		formatter: &nested.Formatter{
			HideKeys:        true,
			NoColors:        true,
			ShowFullLevel:   true,
			TimestampFormat: timestampFormat,
		},
	}
}

func (h *fileHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *fileHook) Fire(e *log.Entry) error {
	b, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	_, err = h.w.Write(b)
	return err
}
