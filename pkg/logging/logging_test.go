package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"fatal", FatalLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	root := New(&Config{Level: "debug", Output: &buf})

	mon := root.Component("monitor").Component("watcher")
	if mon.Prefix() != "monitor/watcher" {
		t.Errorf("Prefix() = %q, want %q", mon.Prefix(), "monitor/watcher")
	}

	mon.Info("polling", "escrows", 3)
	out := buf.String()
	if !strings.Contains(out, "monitor/watcher") {
		t.Errorf("output %q missing component prefix", out)
	}
	if !strings.Contains(out, "escrows=3") {
		t.Errorf("output %q missing key-value pair", out)
	}
}

func TestComponentKeepsLevel(t *testing.T) {
	var buf bytes.Buffer
	root := New(&Config{Level: "warn", Output: &buf})

	root.Component("rpc").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info written at warn level: %q", buf.String())
	}
}

func TestSetDefault(t *testing.T) {
	prev := GetDefault()
	defer SetDefault(prev)

	l := Discard()
	SetDefault(l)
	if GetDefault() != l {
		t.Error("GetDefault() did not return the logger passed to SetDefault")
	}
}
