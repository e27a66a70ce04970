package agent

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// readSSE reads server-sent events from r and calls onEvent with the joined
// data lines of each event. Comments and id/retry fields are ignored. It
// returns nil at EOF and the first error returned by onEvent.
func readSSE(r io.Reader, onEvent func(event, data string) error) error {
	br := bufio.NewReader(r)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		ev := eventName
		dataLines = nil
		eventName = ""
		return onEvent(ev, data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line = strings.TrimRight(line, "\r\n"); strings.HasPrefix(line, "data:") {
					dataLines = append(dataLines, sseValue(line, "data:"))
				}
				return flush()
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = sseValue(line, "event:")
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, sseValue(line, "data:"))
		}
	}
}

// sseValue strips the field name and the single optional space after it.
func sseValue(line, field string) string {
	v := strings.TrimPrefix(line, field)
	return strings.TrimPrefix(v, " ")
}
