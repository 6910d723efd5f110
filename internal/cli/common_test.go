package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestPrintVersion(t *testing.T) {
	var plain bytes.Buffer
	PrintVersion(&plain, "mdimport", false)
	if !strings.HasPrefix(plain.String(), "mdimport v"+Version+"\n") {
		t.Fatalf("plain = %q", plain.String())
	}

	var out bytes.Buffer
	PrintVersion(&out, "mdimport", true)
	var doc struct {
		Tool        string      `json:"tool"`
		VersionInfo VersionInfo `json:"version_info"`
	}
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("json: %v", err)
	}
	if doc.Tool != "mdimport" || doc.VersionInfo.Version != Version {
		t.Fatalf("json = %+v", doc)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(false, false)
	l.SetOutput(&buf)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown 2") {
		t.Fatalf("quiet logger wrote %q", buf.String())
	}

	buf.Reset()
	l.SetLevel(logrus.DebugLevel)
	l.Entry().WithField("assembly", "Lib").Debug("lookup")
	if !l.DebugMode || !strings.Contains(buf.String(), "assembly=Lib") {
		t.Fatalf("debug entry wrote %q", buf.String())
	}
}

func TestValidateArgs(t *testing.T) {
	if err := ValidateArgs([]string{"a"}, 1, "x a"); err != nil {
		t.Fatalf("one arg: %v", err)
	}
	if err := ValidateArgs(nil, 1, "x a"); err == nil {
		t.Fatalf("missing arg accepted")
	}
}
