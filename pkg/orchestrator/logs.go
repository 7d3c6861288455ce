package orchestrator

import (
	"bytes"
	"io"
	"strings"

	"github.com/docker/docker/pkg/stdcopy"
)

// DecodeLogStream turns a Docker log stream into lines. Non-TTY streams are multiplexed
// with 8-byte frame headers; stdout and stderr frames are kept in arrival order. Invalid
// UTF-8 becomes U+FFFD, trailing CR is trimmed and empty lines are dropped.
func DecodeLogStream(r io.Reader, tty bool) ([]string, error) {
	var buf bytes.Buffer
	var err error
	if tty {
		_, err = io.Copy(&buf, r)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, r)
	}
	if err != nil {
		return nil, err
	}
	text := strings.ToValidUTF8(buf.String(), "\uFFFD")
	lines := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}
