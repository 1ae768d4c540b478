package ui

import (
	"bytes"
	"testing"
)

func TestWarnf(t *testing.T) {
	SetColorEnabled(false)
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(nil)

	Warnf("low space on %s", "/run/image")

	want := "Warning: low space on /run/image\n"
	if got := buf.String(); got != want {
		t.Errorf("Warnf output = %q, want %q", got, want)
	}
}

func TestErrorf(t *testing.T) {
	SetColorEnabled(false)
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(nil)

	Errorf("pull failed: %s", "timeout")

	want := "Error: pull failed: timeout\n"
	if got := buf.String(); got != want {
		t.Errorf("Errorf output = %q, want %q", got, want)
	}
}

func TestColor(t *testing.T) {
	SetColorEnabled(true)
	defer SetColorEnabled(false)

	if got := Green("ok"); got != "\033[32mok\033[0m" {
		t.Errorf("Green = %q", got)
	}

	SetColorEnabled(false)
	if got := Bold("x"); got != "x" {
		t.Errorf("Bold without color = %q, want plain", got)
	}
	if Tag(true) != "✓" || Tag(false) != "✗" {
		t.Errorf("Tag = %q, %q", Tag(true), Tag(false))
	}
}
