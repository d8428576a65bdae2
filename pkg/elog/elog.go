package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the minimal leveled-logging surface pmfsutil commands log
// through, gated by verbosity flags rather than a fixed level.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress drives one fsck/mkfs-style scan's progress bar.
type Progress interface {
	Finish(success bool)
	Increment(n int64)
}

// ProgressReporter creates Progress objects for long scans: walking the
// inode table, replaying the truncate list, rebuilding a directory index.
type ProgressReporter interface {
	NewProgress(label string, total int64) Progress
}

// View bundles Logger and ProgressReporter, the surface pmfsutil's
// command implementations are handed.
type View interface {
	Logger
	ProgressReporter
}

// CLI is the terminal View implementation: colorized leveled output via
// logrus + fatih/color, and mpb progress bars for scans.
type CLI struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool
	IsVerbose     bool

	lock              sync.Mutex
	progressContainer *mpb.Progress
}

func (c *CLI) Debugf(format string, x ...interface{}) {
	if c.IsDebug {
		logrus.Tracef(format, x...)
	}
}

func (c *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

func (c *CLI) Infof(format string, x ...interface{}) {
	if c.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

func (c *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

func (c *CLI) Warnf(format string, x ...interface{}) {
	msg := fmt.Sprintf(format, x...)
	if !c.DisableColors {
		msg = color.YellowString(msg)
	}
	logrus.Warn(msg)
}

func (c *CLI) IsInfoEnabled() bool  { return c.IsVerbose }
func (c *CLI) IsDebugEnabled() bool { return c.IsDebug }

type barProgress struct {
	bar *mpb.Bar
}

func (p *barProgress) Finish(success bool) {
	if success {
		p.bar.SetTotal(p.bar.Current(), true)
	} else {
		p.bar.Abort(true)
	}
}

func (p *barProgress) Increment(n int64) { p.bar.IncrInt64(n) }

// noopProgress is returned in JSON/non-TTY mode, where a rendered bar would
// just corrupt structured output.
type noopProgress struct{}

func (*noopProgress) Finish(success bool) {}
func (*noopProgress) Increment(n int64)   {}

// NewProgress starts a labeled progress bar, e.g. "scanning inode table" or
// "walking truncate list", driven by total units of work (slots, pages,
// entries).
func (c *CLI) NewProgress(label string, total int64) Progress {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.DisableTTY {
		return &noopProgress{}
	}
	if c.progressContainer == nil {
		c.progressContainer = mpb.New(mpb.WithOutput(logWriter{}))
	}
	bar := c.progressContainer.AddBar(total,
		mpb.PrependDecorators(decor.Name(label)),
		mpb.AppendDecorators(decor.Percentage()),
	)
	return &barProgress{bar: bar}
}

// logWriter routes mpb's rendered frames through logrus's configured
// output rather than directly to stderr, so progress bars and structured
// log lines interleave on the same stream.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	return logrus.StandardLogger().Out.Write(p)
}

var _ io.Writer = logWriter{}
