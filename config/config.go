package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/mjl-/sconf"

	"github.com/mjl-/sectfetch/mlog"
)

// DefaultMaxHeaderSize is the default for Static.MaxHeaderSize.
const DefaultMaxHeaderSize = 1 << 20

// DefaultMaxLineSize is the default for Listen.MaxLineSize.
const DefaultMaxLineSize = 8 * 1024

// Static is the parsed form of the sectfetch.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the message database and message files are stored. If this is a relative path, it is relative to the directory of sectfetch.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, tracedata. Trace logs the protocol transcript of serve, tracedata also the literal data sent, which can be a large amount of data."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. imapfetch, message, store, serve)."`
	MaxHeaderSize    int64             `sconf:"optional" sconf-doc:"Largest message or part header in bytes that is filtered for HEADER.FIELDS, HEADER.FIELDS.NOT and MIME sections. Default 1048576."`
	Listen           Listen            `sconf-doc:"Listener for the serve command."`

	// Parsed from LogLevel and PackageLogLevels. The empty key is the default level.
	Log map[string]slog.Level `sconf:"-"`
}

// Listen configures the fetch listener and metrics endpoint.
type Listen struct {
	Address        string `sconf-doc:"Address to listen on for fetch requests, e.g. localhost:1143."`
	MetricsAddress string `sconf:"optional" sconf-doc:"Address for an HTTP server with Prometheus metrics at /metrics, e.g. localhost:8010. Not started if empty."`
	MaxLineSize    int    `sconf:"optional" sconf-doc:"Maximum length of a request line, in bytes. Default 8192."`
}

// Load parses and validates the configuration file at p. A relative DataDir is
// made relative to the directory of p.
func Load(p string) (*Static, []error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()

	c := &Static{DataDir: "."}
	if err := sconf.Parse(f, c); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(p), c.DataDir)
	}
	if errs := c.prepare(); len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}

// prepare fills in defaults and checks the values.
func (c *Static) prepare() (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		c.Log = map[string]slog.Level{}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q for package %q", s, pkg)
		}
	}

	if c.MaxHeaderSize == 0 {
		c.MaxHeaderSize = DefaultMaxHeaderSize
	} else if c.MaxHeaderSize < 0 {
		addErrorf("MaxHeaderSize must be positive, got %d", c.MaxHeaderSize)
	}

	if _, _, err := net.SplitHostPort(c.Listen.Address); err != nil {
		addErrorf("invalid listen address %q: %v", c.Listen.Address, err)
	}
	if c.Listen.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.Listen.MetricsAddress); err != nil {
			addErrorf("invalid metrics address %q: %v", c.Listen.MetricsAddress, err)
		}
	}
	if c.Listen.MaxLineSize == 0 {
		c.Listen.MaxLineSize = DefaultMaxLineSize
	} else if c.Listen.MaxLineSize < 64 {
		addErrorf("MaxLineSize must be at least 64, got %d", c.Listen.MaxLineSize)
	}
	return errs
}
