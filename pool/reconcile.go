package pool

import (
	"context"

	"github.com/google/uuid"

	nostr "nostr-sdk"
)

// Reconciliation is the outcome of a set reconciliation against one
// relay: event IDs the relay has that we lack, and IDs we have that the
// relay lacks.
type Reconciliation struct {
	// Missing are IDs present on the relay but absent locally.
	Missing []string
	// Extra are IDs present locally but absent on the relay.
	Extra []string
}

// Reconcile computes the ID set difference between the local set and
// the relay's view of the filter. This is the plain variant: the full
// remote ID list is transferred (a negentropy-capable relay could do
// better, but the operation's contract is the same).
func (r *Relay) Reconcile(ctx context.Context, filter nostr.Filter, localIDs []string) (*Reconciliation, error) {
	sink := make(chan *nostr.Event, 512)
	sinkDone := make(chan struct{})
	eoseCh := make(chan struct{}, 1)

	subID := "reconcile-" + uuid.NewString()
	if _, err := r.subscribe(ctx, subID, []nostr.Filter{filter}, sink, sinkDone, eoseCh); err != nil {
		return nil, err
	}
	defer r.Unsubscribe(context.Background(), subID)
	defer close(sinkDone)

	remote := make(map[string]bool)
collect:
	for {
		select {
		case evt := <-sink:
			remote[evt.ID] = true
		case <-eoseCh:
			// EOSE is handled after every stored event was pushed into
			// the sink, so whatever is still buffered belongs to the
			// remote set. Drain before diffing.
			for {
				select {
				case evt := <-sink:
					remote[evt.ID] = true
				default:
					break collect
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	local := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		local[id] = true
	}

	result := &Reconciliation{}
	for id := range remote {
		if !local[id] {
			result.Missing = append(result.Missing, id)
		}
	}
	for id := range local {
		if !remote[id] {
			result.Extra = append(result.Extra, id)
		}
	}
	return result, nil
}
