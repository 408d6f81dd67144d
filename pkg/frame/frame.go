// Package frame implements the command frame grammar carried over the
// duplex transport: "$" command *(":" body-segment). The empty string is the
// acknowledgement frame that unblocks the peer's paused sender.
package frame

import (
	"strconv"
	"strings"
)

// Ack is the acknowledgement frame: an all-empty payload.
const Ack = ""

// RedirectCommand instructs a dialing connection to silently reopen against
// a different port on the same host.
const RedirectCommand = "redirect_to_port"

const redirectPrefix = "$" + RedirectCommand + ":"

// Message is one parsed command frame. Body is raw and may itself contain
// colons; handlers split it further as their payload demands.
type Message struct {
	Command string
	Body    string
}

// IsAck reports whether data is the acknowledgement frame.
func IsAck(data string) bool { return data == Ack }

// Parse splits a command frame into command name and raw body. It returns
// false for payloads that are not command frames (no leading '$'); those are
// plain application messages.
func Parse(data string) (Message, bool) {
	if len(data) == 0 || data[0] != '$' {
		return Message{}, false
	}
	cmd, body, _ := strings.Cut(data, ":")
	return Message{
		Command: strings.TrimSpace(cmd[1:]),
		Body:    body,
	}, true
}

// Format renders a command frame.
func Format(command, body string) string {
	return "$" + command + ":" + body
}

// Redirect renders the port-redirect control frame.
func Redirect(port int) string {
	return redirectPrefix + strconv.Itoa(port)
}

// ParseRedirect extracts the target port from a redirect control frame,
// returning false when data is not one.
func ParseRedirect(data string) (int, bool) {
	if !strings.HasPrefix(data, redirectPrefix) {
		return 0, false
	}
	// The port is the last colon-delimited segment.
	port, err := strconv.Atoi(data[strings.LastIndexByte(data, ':')+1:])
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}
