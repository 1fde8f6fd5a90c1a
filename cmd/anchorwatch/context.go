package main

import (
	"strings"

	"github.com/aleister1102/anchorwatch/internal/config"
	"github.com/aleister1102/anchorwatch/internal/logger"
	"github.com/rs/zerolog"
)

type commandContext struct {
	configFlag *string
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

// loadConfig reads the configuration without validating sections the
// calling command does not use.
func (c *commandContext) loadConfig() (*config.GlobalConfig, error) {
	return config.LoadGlobalConfig(c.configPath())
}

func (c *commandContext) newLogger(cfg *config.GlobalConfig) (zerolog.Logger, error) {
	return logger.New(cfg.LogConfig)
}
