package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldtrack/leave-ledger/generic"
)

// StreamEntries pushes the visible entry collection as server-sent events:
// once on connect and again after every committed change. A slow client
// only ever receives the latest snapshot. Streams end when the client
// leaves or CloseStreams is called.
func (h *Handler) StreamEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := ActorFrom(ctx)
	rc := http.NewResponseController(w)

	select {
	case <-h.streamsDone:
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down", nil)
		return
	default:
	}

	// The server's write timeout would cut a long-lived stream.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.Logger.Debug("stream write deadline not adjustable", "err", err)
	}

	updates := make(chan []generic.Entry, 1)
	cancel, err := h.Ledger.SubscribeEntries(ctx, func(entries []generic.Entry) {
		latest := visibleEntries(actor, entries)
		select {
		case updates <- latest:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- latest:
			default:
			}
		}
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to subscribe", err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	h.Logger.Debug("entry stream opened", "employeeId", actor.EmployeeID, "requestId", requestID(r))
	for {
		select {
		case <-ctx.Done():
			h.Logger.Debug("entry stream closed", "employeeId", actor.EmployeeID)
			return
		case <-h.streamsDone:
			h.Logger.Debug("entry stream closed for shutdown", "employeeId", actor.EmployeeID)
			return
		case entries := <-updates:
			payload, err := json.Marshal(toEntryDTOs(entries))
			if err != nil {
				h.Logger.Error("encode entry snapshot", "err", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: entries\ndata: %s\n\n", payload); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
