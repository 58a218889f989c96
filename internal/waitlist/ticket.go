package waitlist

import (
	"encoding/json"

	"github.com/joyent-labs/cnapi-core/internal/store"
	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// encodeTicket serializes a ticket and derives the secondary-index values
// the scheduler filters and sorts on.
func encodeTicket(t *v1.Ticket) ([]byte, store.IndexSet, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, nil, err
	}
	idx := store.IndexSet{
		"server_id":  t.ServerID,
		"scope":      t.Scope,
		"status":     string(t.Status),
		"created_at": t.CreatedAt,
		"expires_at": t.ExpiresAt,
		"updated_at": t.UpdatedAt,
	}
	return data, idx, nil
}

func decodeTicket(rec *store.Record) (*v1.Ticket, error) {
	var t v1.Ticket
	if err := json.Unmarshal(rec.Value, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func queueKeyOf(t *v1.Ticket) v1.QueueKey {
	return v1.QueueKey{ServerID: t.ServerID, Scope: t.Scope}
}

// notTerminalFilter matches queued and active tickets: the only two
// non-terminal statuses, expressed as two Ne conditions since Filter is
// AND-only.
func notTerminalFilter(extra ...store.Condition) store.Filter {
	f := store.Filter{
		{Field: "status", Op: store.OpNe, Value: string(v1.TicketStatusFinished)},
		{Field: "status", Op: store.OpNe, Value: string(v1.TicketStatusExpired)},
	}
	return append(f, extra...)
}
