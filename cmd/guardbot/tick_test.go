package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"

	"guardbot/internal/task/scheduler"
)

func TestPrintTickReport(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printTickReport(&buf, scheduler.TickReport{TimeKey: "08:00", Due: 3, Fired: []string{"a1", "a2"}, Skipped: 1})
	out := buf.String()
	for _, want := range []string{"tick 08:00 due=3 fired=2 skipped=1 failed=0", "✓ a1", "✓ a2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printTickReport(&buf, scheduler.TickReport{TimeKey: "08:00", StoreErr: errors.New("connection refused")})
	if got := buf.String(); !strings.Contains(got, "registry unavailable: connection refused") {
		t.Fatalf("store error output = %q", got)
	}
}
