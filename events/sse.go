package events

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// RetryMS is the reconnection delay advertised to SSE clients.
const RetryMS = 2000

// WriteRetry emits the retry directive sent once at the start of every SSE
// stream.
func WriteRetry(w io.Writer) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", RetryMS)
	return err
}

// WriteEvent frames ev as one SSE message. The id line carries the event's
// identifier so clients can resume with Last-Event-ID; the event name is
// always "message" and the variant travels in the JSON body's type field.
func WriteEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "id: "+strconv.FormatUint(ev.ID, 10)+"\n"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "event: message\n"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "data: "+string(data)+"\n\n"); err != nil {
		return err
	}
	return nil
}

// WriteData frames a payload as a data-only SSE message with no id, used for
// the connection greeting that must not disturb Last-Event-ID tracking.
func WriteData(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "data: "+string(data)+"\n\n")
	return err
}

// WriteComment emits an SSE comment line. Comments are ignored by clients
// and serve as keep-alive heartbeats.
func WriteComment(w io.Writer, text string) error {
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}
