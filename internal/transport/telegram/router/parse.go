package router

import (
	"strings"

	"github.com/google/uuid"
)

func newReqID() string {
	return uuid.NewString()
}

// tokenizeCommandLine splits command text into tokens. Quotes group words
// only when they open a token, so apostrophes inside words stay literal:
//
//	/cron "0 7 * * 1-5" don't forget --to ana
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out    []string
		buf    strings.Builder
		inQ    bool
		quoted bool
		qChar  byte
		esc    bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			if buf.Len() == 0 && !quoted {
				inQ, quoted, qChar = true, true, ch
				continue
			}
			buf.WriteByte(ch)
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// splitOptions separates the "--name" options cmd declares from the
// message words. "--name=value" and "--name value" both work; switches never
// take a value, so "--home water plants" keeps "water" as a word. Words with
// a single dash stay part of the message.
func splitOptions(cmd Command, args []string) (words []string, opts map[string]string, err error) {
	opts = map[string]string{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			words = append(words, a)
			continue
		}
		key, value, inline := strings.Cut(a[2:], "=")
		name := strings.ToLower(key)
		opt, ok := cmd.option(name)
		if !ok {
			return nil, nil, &optionError{cmd: cmd.Name, name: name}
		}
		switch {
		case opt.Switch:
			value = ""
		case inline:
		case i+1 < len(args) && !strings.HasPrefix(args[i+1], "--"):
			i++
			value = args[i]
		default:
			return nil, nil, &optionError{cmd: cmd.Name, name: name, missing: true}
		}
		if !opt.Switch && strings.TrimSpace(value) == "" {
			return nil, nil, &optionError{cmd: cmd.Name, name: name, missing: true}
		}
		opts[name] = value
	}
	return words, opts, nil
}
