package config

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

func (c *Config) CreateLogger(debug bool) (*zap.Logger, io.Closer, error) {
	if c.LogFile != "" || (c.Logger != nil && c.Logger.Path != "") {
		path := c.LogFile
		if path == "" {
			path = c.Logger.Path
		}
		zcfg := zap.NewProductionConfig()
		if debug {
			zcfg = zap.NewDevelopmentConfig()
		}
		zcfg.OutputPaths = []string{path}
		logger, err := zcfg.Build()
		return logger, io.NopCloser(nil), errors.Wrap(err, "create logger")
	}

	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}

	return logger, io.NopCloser(nil), errors.Wrap(err, "create logger")
}
