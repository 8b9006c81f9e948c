// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBacklog       = 5
	DefaultRetryAttempts = 10
	DefaultRetryInterval = time.Second
)

type Config struct {
	Listen Listen `yaml:"listen"`
	Worker Worker `yaml:"worker"`
}

type Listen struct {
	Backlog   int   `yaml:"backlog"`
	ReusePort *bool `yaml:"reusePort"`
	Unlink    bool  `yaml:"unlink"`
	Retry     Retry `yaml:"retry"`
}

// Retry bounds how long a TCP bind keeps retrying while the address is in
// use. Attempts counts retries after the first failed bind. A zero Interval
// means DefaultRetryInterval.
type Retry struct {
	Attempts *int          `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

type Worker struct {
	Env map[string]string `yaml:"env"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := new(Config)
	c.setDefaults()
	return c
}

func (c *Config) Load(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	if err = yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	slog.Debug("parsed config", "path", path, "backlog", c.Listen.Backlog, "retries", *c.Listen.Retry.Attempts, "env", len(c.Worker.Env))
	return nil
}

func (c *Config) setDefaults() {
	if c.Listen.Backlog == 0 {
		c.Listen.Backlog = DefaultBacklog
	}
	if c.Listen.ReusePort == nil {
		c.Listen.ReusePort = new(bool)
		*c.Listen.ReusePort = true
	}
	if c.Listen.Retry.Attempts == nil {
		c.Listen.Retry.Attempts = new(int)
		*c.Listen.Retry.Attempts = DefaultRetryAttempts
	}
	if c.Listen.Retry.Interval == 0 {
		c.Listen.Retry.Interval = DefaultRetryInterval
	}
}

func (c *Config) Validate() error {
	if c.Listen.Backlog < 0 {
		return fmt.Errorf("listen: invalid backlog %d", c.Listen.Backlog)
	}
	if c.Listen.Retry.Attempts != nil && *c.Listen.Retry.Attempts < 0 {
		return fmt.Errorf("listen: retry: invalid attempts %d", *c.Listen.Retry.Attempts)
	}
	if c.Listen.Retry.Interval < 0 {
		return fmt.Errorf("listen: retry: invalid interval %v", c.Listen.Retry.Interval)
	}
	for key := range c.Worker.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return fmt.Errorf("worker: invalid env variable name %q", key)
		}
	}
	return nil
}

// Environ returns the configured worker variables in KEY=VALUE form.
func (w Worker) Environ() []string {
	var env []string
	for key, val := range w.Env {
		env = append(env, key+"="+val)
	}
	slices.Sort(env)
	return env
}
