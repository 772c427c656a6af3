package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"boardgen/pkg/api"
)

// WriteSSE writes ev as one Server-Sent Events frame.
func WriteSSE(w io.Writer, ev api.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
