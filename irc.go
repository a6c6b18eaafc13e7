package ircdd

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/irc.v3"
)

const maxNickLen = 32

// casemapASCII of name is the canonical representation of name according to
// the ascii casemapping. Directory keys, store primary keys and bus topics
// all use this form.
func casemapASCII(name string) string {
	nameBytes := []byte(name)
	for i, r := range nameBytes {
		if 'A' <= r && r <= 'Z' {
			nameBytes[i] = r + 'a' - 'A'
		}
	}
	return string(nameBytes)
}

func isValidNick(nick string) bool {
	if nick == "" || len(nick) > maxNickLen {
		return false
	}
	for _, r := range nick {
		if !unicode.IsPrint(r) || r == ' ' {
			return false
		}
	}
	return true
}

// stripChannelPrefix returns the bare group name for a wire channel name.
func stripChannelPrefix(name string) string {
	return strings.TrimPrefix(name, "#")
}

func isChannelName(name string) bool {
	return strings.HasPrefix(name, "#")
}

func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return newNeedMoreParamsError(msg.Command)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

// validParam reports whether an IRC parameter decodes as UTF-8. Commands
// carrying undecodable parameters are answered with a context-appropriate
// numeric and dropped.
func validParam(s string) bool {
	return utf8.ValidString(s)
}

// splitLines breaks a PRIVMSG body on line boundaries; each line becomes its
// own chat record.
func splitLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSuffix(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
