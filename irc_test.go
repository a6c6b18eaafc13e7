package ircdd

import (
	"strings"
	"testing"
)

func TestCasemapASCII(t *testing.T) {
	if got := casemapASCII("JoHn[]"); got != "john[]" {
		t.Errorf("invalid casemap: %q", got)
	}
}

func TestIsValidNick(t *testing.T) {
	valid := []string{"john", "John42", "j"}
	for _, nick := range valid {
		if !isValidNick(nick) {
			t.Errorf("nick %q should be valid", nick)
		}
	}
	invalid := []string{"", "has space", strings.Repeat("a", maxNickLen+1), "ctrl\x01char"}
	for _, nick := range invalid {
		if isValidNick(nick) {
			t.Errorf("nick %q should be invalid", nick)
		}
	}
}

func TestSplitLines(t *testing.T) {
	lines := splitLines("one\r\ntwo\n\nthree")
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("invalid lines: %v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("invalid lines: want %v, got %v", want, lines)
		}
	}
}

func TestStripChannelPrefix(t *testing.T) {
	if got := stripChannelPrefix("#room"); got != "room" {
		t.Errorf("invalid strip: %q", got)
	}
	if got := stripChannelPrefix("room"); got != "room" {
		t.Errorf("invalid strip: %q", got)
	}
}
