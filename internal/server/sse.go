package server

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
)

// writeSSE writes one event in text/event-stream framing. The event name is
// the progress event type so clients can addEventListener per type.
func writeSSE(w io.Writer, ev model.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("server: encoding sse event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
