package llm

import (
	"bufio"
	"io"
	"strings"
)

// sseDoneSentinel terminates an SSE stream.
const sseDoneSentinel = "[DONE]"

// newFrameScanner returns a line scanner over a streaming response body.
// bufio.Scanner buffers partial lines across network reads, so frames are
// only ever surfaced complete: arbitrary chunk splits, including splits in
// the middle of a multi-byte UTF-8 sequence, cannot corrupt a frame.
func newFrameScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return scanner
}

// parseSSELine extracts the payload of one SSE frame. Returns ok=false for
// blank lines, comments, and non-data fields; done=true for the [DONE]
// sentinel.
func parseSSELine(line string) (data string, ok, done bool) {
	if !strings.HasPrefix(line, "data: ") {
		return "", false, false
	}
	data = strings.TrimPrefix(line, "data: ")
	if data == sseDoneSentinel {
		return "", false, true
	}
	return data, true, false
}
