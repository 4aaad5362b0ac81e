package transcript

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	headerPrefix = "Serial Number: "
	userPrefix   = "User: "
	botPrefix    = "Bot: "
)

// Separator is the rule written after every turn.
var Separator = strings.Repeat("-", 40)

// Format renders turns as transcript text:
//
//	Serial Number: 3
//
//	User: hi
//	Bot: hello
//
//	----------------------------------------
//
// An empty history renders the header only.
func Format(serial int, turns []Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d\n\n", headerPrefix, serial)
	for _, t := range turns {
		b.WriteString(userPrefix)
		b.WriteString(t.User)
		b.WriteByte('\n')
		b.WriteString(botPrefix)
		b.WriteString(t.Bot)
		b.WriteByte('\n')
		b.WriteString("\n" + Separator + "\n\n")
	}
	return b.String()
}

// Parse reverses [Format]. Messages that themselves contain the separator
// rule cannot be recovered exactly.
func Parse(content string) (serial int, turns []Turn, err error) {
	header, body, _ := strings.Cut(content, "\n")
	if !strings.HasPrefix(header, headerPrefix) {
		return 0, nil, fmt.Errorf("transcript: parse: missing %q header", strings.TrimSpace(headerPrefix))
	}
	serial, err = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, headerPrefix)))
	if err != nil {
		return 0, nil, fmt.Errorf("transcript: parse serial: %w", err)
	}

	body = strings.TrimPrefix(body, "\n")
	for i, block := range strings.Split(body, "\n"+Separator+"\n\n") {
		if block == "" {
			continue
		}
		block = strings.TrimSuffix(block, "\n")
		if !strings.HasPrefix(block, userPrefix) {
			return 0, nil, fmt.Errorf("transcript: parse turn %d: missing %q prefix", i+1, strings.TrimSpace(userPrefix))
		}
		user, bot, ok := strings.Cut(strings.TrimPrefix(block, userPrefix), "\n"+botPrefix)
		if !ok {
			return 0, nil, fmt.Errorf("transcript: parse turn %d: missing %q line", i+1, strings.TrimSpace(botPrefix))
		}
		turns = append(turns, Turn{User: user, Bot: bot})
	}
	return serial, turns, nil
}
