package smtp

import (
	"strconv"
	"strings"
)

// Capabilities is a snapshot of the extensions advertised in one EHLO reply.
// A new snapshot replaces the previous one after every EHLO.
type Capabilities struct {
	StartTLS     bool
	AuthLogin    bool
	AuthPlain    bool
	EightBitMIME bool
	// MaxSize is the SIZE limit in bytes, 0 when unlimited.
	MaxSize int64
}

// parseCapabilities reads the text of each EHLO reply line. Unknown keywords
// are ignored.
func parseCapabilities(lines []string) Capabilities {
	var caps Capabilities

	for _, line := range lines {
		fields := strings.Fields(strings.ToLower(line))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "auth":
			for _, mech := range fields[1:] {
				switch mech {
				case "login":
					caps.AuthLogin = true
				case "plain":
					caps.AuthPlain = true
				}
			}
		case "size":
			if len(fields) > 1 {
				if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil && n > 0 {
					caps.MaxSize = n
				}
			}
		case "8bitmime":
			caps.EightBitMIME = true
		case "starttls":
			caps.StartTLS = true
		}
	}

	return caps
}
