package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mjl-/sconf"

	"github.com/mjl-/sectfetch/mlog"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "sectfetch.conf")
	err := os.WriteFile(p, []byte(s), 0660)
	tcheck(t, err, "write config")
	return p
}

func TestLoad(t *testing.T) {
	p := writeConfig(t, `DataDir: data
LogLevel: info
PackageLogLevels:
	imapfetch: debug
Listen:
	Address: localhost:1143
`)
	c, errs := Load(p)
	if len(errs) > 0 {
		t.Fatalf("load: %v", errs)
	}
	tcompare(t, c.DataDir, filepath.Join(filepath.Dir(p), "data"))
	tcompare(t, c.MaxHeaderSize, int64(DefaultMaxHeaderSize))
	tcompare(t, c.Listen.MaxLineSize, DefaultMaxLineSize)
	tcompare(t, c.Log[""], mlog.LevelInfo)
	tcompare(t, c.Log["imapfetch"], mlog.LevelDebug)
}

func TestLoadErrors(t *testing.T) {
	p := writeConfig(t, `DataDir: /data
LogLevel: verbose
PackageLogLevels:
	store: loud
MaxHeaderSize: -1
Listen:
	Address: nohostport
	MetricsAddress: bad
	MaxLineSize: 10
`)
	_, errs := Load(p)
	tcompare(t, len(errs), 6)

	// Missing required field.
	p = writeConfig(t, "LogLevel: info\n")
	_, errs = Load(p)
	tcompare(t, len(errs), 1)

	_, errs = Load(filepath.Join(t.TempDir(), "absent.conf"))
	tcompare(t, len(errs), 1)
}

func TestDescribe(t *testing.T) {
	var b bytes.Buffer
	err := sconf.Describe(&b, &Static{})
	tcheck(t, err, "describe")
	s := b.String()
	for _, key := range []string{"DataDir:", "LogLevel:", "PackageLogLevels:", "MaxHeaderSize:", "Listen:", "Address:", "MetricsAddress:", "MaxLineSize:"} {
		if !strings.Contains(s, key) {
			t.Fatalf("description lacks %q:\n%s", key, s)
		}
	}
	if strings.Contains(s, "Log:") {
		t.Fatalf("description includes parsed log levels:\n%s", s)
	}
}
