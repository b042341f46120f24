package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/config"
)

const logFileName = "narrator.log"

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}

		c.config, c.configErr = config.LoadFile(path)
	})

	return c.config, c.configErr
}

// withLogger loads the configuration and opens the command log for fn.
func (c *commandContext) withLogger(fn func(*config.Config, *logger.Logger) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() { _ = log.Close() }()

	return fn(cfg, log)
}
