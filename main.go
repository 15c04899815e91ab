package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/sectfetch/config"
	"github.com/mjl-/sectfetch/imapfetch"
	"github.com/mjl-/sectfetch/mlog"
	"github.com/mjl-/sectfetch/store"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"import", cmdImport},
	{"importmbox", cmdImportmbox},
	{"list", cmdList},
	{"parts", cmdParts},
	{"fetch", cmdFetch},
	{"remove", cmdRemove},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("sectfetch "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "sectfetch " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "sectfetch " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	lines := []string{"sectfetch [-config sectfetch.conf] [-loglevel level] ..."}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"sectfetch"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string // Empty will be interpreted as the level from the config file, or info.

// mustLoadConfig loads the config file and applies the log levels, with
// -loglevel overriding the default level.
func mustLoadConfig() *config.Static {
	conf, errs := config.Load(configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Printf("%s", err)
		}
		log.Fatalf("invalid config file %s", configPath)
	}
	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		conf.Log[""] = level
	}
	mlog.SetConfig(conf.Log)
	imapfetch.MaxHeaderSize = conf.MaxHeaderSize
	return conf
}

// mustOpenStore loads the config file and opens the message store.
func mustOpenStore(ctx context.Context) (*config.Static, *store.Store) {
	conf := mustLoadConfig()
	s, err := store.Open(ctx, conf.DataDir)
	xcheckf(err, "opening message store")
	return conf, s
}

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("SECTFETCHCONF", filepath.FromSlash("sectfetch.conf")), "configuration file, defaults to $SECTFETCHCONF with a fallback to sectfetch.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig is called again when commands load the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("sectfetch "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := config.Load(configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">sectfetch.conf"
	c.help = `Prints an annotated empty configuration for use as sectfetch.conf.

The configuration file is read at startup, the serve command has to be
restarted for changes to take effect.

This configuration file needs modifications to make it valid. For example, the
listen address must be set.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}
