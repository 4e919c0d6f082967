package smtpd

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// parseMailFrom parses the arguments of MAIL FROM:<address>
func parseMailFrom(args string) (string, error) {
	return parsePath(args, "FROM:")
}

// parseRcptTo parses the arguments of RCPT TO:<address>
func parseRcptTo(args string) (string, error) {
	return parsePath(args, "TO:")
}

// parsePath extracts the address from a FROM:/TO: argument, tolerating
// optional whitespace, angle brackets, and trailing ESMTP parameters
// like SIZE=n.
func parsePath(args, prefix string) (string, error) {
	args = strings.TrimSpace(args)

	if !strings.HasPrefix(strings.ToUpper(args), prefix) {
		return "", fmt.Errorf("expected %s", prefix)
	}
	args = strings.TrimSpace(args[len(prefix):])

	// Drop ESMTP parameters after the path
	if fields := strings.Fields(args); len(fields) > 0 {
		args = fields[0]
	}

	args = strings.TrimPrefix(args, "<")
	args = strings.TrimSuffix(args, ">")

	if args == "" {
		return "", fmt.Errorf("empty address")
	}
	return args, nil
}

// readData reads the message body after DATA up to the <CRLF>.<CRLF>
// terminator, undoing dot-stuffing per RFC 5321 section 4.5.2
func readData(r *bufio.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var size int64
	var tooBig bool

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading data: %w", err)
		}

		if line == ".\r\n" || line == ".\n" {
			break
		}

		// Keep consuming to the terminator once the cap trips, so the
		// rest of the message is not read back as commands.
		if tooBig {
			continue
		}

		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		n, _ := buf.WriteString(line)
		size += int64(n)

		if size > maxSize {
			tooBig = true
		}
	}

	if tooBig {
		return nil, fmt.Errorf("message size exceeds maximum allowed size (%d bytes)", maxSize)
	}
	return buf.Bytes(), nil
}
