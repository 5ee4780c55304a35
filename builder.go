package nostr

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrMiningCancelled is returned when proof-of-work mining is stopped by
// context cancellation or by exhausting the attempt budget.
var ErrMiningCancelled = errors.New("proof of work mining cancelled")

// EventBuilder accumulates event fields before signing. The zero value
// is not usable; start from NewEventBuilder.
type EventBuilder struct {
	kind      int
	content   string
	tags      [][]string
	createdAt *int64
	pow       int
}

// NewEventBuilder starts a builder for the given kind.
func NewEventBuilder(kind int) *EventBuilder {
	return &EventBuilder{kind: kind, tags: [][]string{}}
}

// Content sets the event content.
func (b *EventBuilder) Content(content string) *EventBuilder {
	b.content = content
	return b
}

// Tag appends one tag. The first element is the tag name.
func (b *EventBuilder) Tag(tag ...string) *EventBuilder {
	b.tags = append(b.tags, tag)
	return b
}

// Tags appends several tags at once.
func (b *EventBuilder) Tags(tags [][]string) *EventBuilder {
	b.tags = append(b.tags, tags...)
	return b
}

// CreatedAt fixes the timestamp instead of stamping time.Now on finalize.
func (b *EventBuilder) CreatedAt(ts int64) *EventBuilder {
	b.createdAt = &ts
	return b
}

// PoW requests that the event be mined to at least the given number of
// leading zero bits before signing.
func (b *EventBuilder) PoW(difficulty int) *EventBuilder {
	b.pow = difficulty
	return b
}

func (b *EventBuilder) timestamp() int64 {
	if b.createdAt != nil {
		return *b.createdAt
	}
	return time.Now().Unix()
}

// Unsigned finalizes the builder into an UnsignedEvent for the given
// author: created_at is stamped and the ID computed, but no signature
// is produced. Proof-of-work requests are honored here too.
func (b *EventBuilder) Unsigned(ctx context.Context, pubkey string) (*UnsignedEvent, error) {
	evt := &UnsignedEvent{
		PubKey:    pubkey,
		CreatedAt: b.timestamp(),
		Kind:      b.kind,
		Tags:      b.tags,
		Content:   b.content,
	}
	if b.pow > 0 {
		tags, id, err := minePow(ctx, evt.PubKey, evt.CreatedAt, evt.Kind, evt.Tags, evt.Content, b.pow, 0)
		if err != nil {
			return nil, err
		}
		evt.Tags = tags
		evt.ID = id
		return evt, nil
	}
	evt.ID = evt.ComputeID()
	return evt, nil
}

// Sign finalizes and signs the event with the given keys.
func (b *EventBuilder) Sign(ctx context.Context, keys *Keys) (*Event, error) {
	unsigned, err := b.Unsigned(ctx, keys.PublicKeyHex())
	if err != nil {
		return nil, err
	}
	return unsigned.Sign(keys)
}

// minePow searches for a nonce tag making the event ID reach the wanted
// number of leading zero bits. The nonce space is sharded across one
// worker per CPU; the first worker to find a solution flips a shared
// flag that stops the others. maxAttempts of 0 means unbounded.
//
// Difficulty is a monotonic predicate on the ID bit pattern, so workers
// never revisit earlier nonces.
func minePow(ctx context.Context, pubkey string, createdAt int64, kind int, tags [][]string, content string, difficulty int, maxAttempts uint64) ([][]string, string, error) {
	// Strip any stale nonce tag; the miner appends its own.
	base := make([][]string, 0, len(tags)+1)
	for _, tag := range tags {
		if len(tag) > 0 && tag[0] == "nonce" {
			continue
		}
		base = append(base, tag)
	}

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}

	var found atomic.Bool
	var attempts atomic.Uint64
	results := make(chan minedResult, workers)
	var wg sync.WaitGroup

	diffStr := strconv.Itoa(difficulty)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(start uint64) {
			defer wg.Done()
			// Each worker owns the arithmetic progression
			// start, start+stride, start+2*stride, ...
			stride := uint64(workers)
			tags := make([][]string, len(base)+1)
			copy(tags, base)

			for i, nonce := uint64(0), start; ; i, nonce = i+1, nonce+stride {
				if found.Load() {
					return
				}
				if i%1024 == 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}
				if maxAttempts > 0 && attempts.Add(1) > maxAttempts {
					return
				}

				tags[len(base)] = []string{"nonce", strconv.FormatUint(nonce, 10), diffStr}
				id := ComputeID(pubkey, createdAt, kind, tags, content)

				idBytes, _ := hex.DecodeString(id)
				if LeadingZeroBits(idBytes) >= difficulty {
					if found.CompareAndSwap(false, true) {
						out := make([][]string, len(tags))
						copy(out, tags)
						results <- minedResult{tags: out, id: id}
					}
					return
				}
			}
		}(uint64(w))
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	res, ok := <-results
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMiningCancelled, err)
		}
		return nil, "", ErrMiningCancelled
	}
	return res.tags, res.id, nil
}

type minedResult struct {
	tags [][]string
	id   string
}

// MineEvent builds, mines, and signs an event in one call. maxAttempts
// of 0 means mine until found or ctx is cancelled.
func MineEvent(ctx context.Context, keys *Keys, kind int, content string, tags [][]string, difficulty int, maxAttempts uint64) (*Event, error) {
	createdAt := time.Now().Unix()
	minedTags, id, err := minePow(ctx, keys.PublicKeyHex(), createdAt, kind, tags, content, difficulty, maxAttempts)
	if err != nil {
		return nil, err
	}
	evt := &UnsignedEvent{
		ID:        id,
		PubKey:    keys.PublicKeyHex(),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      minedTags,
		Content:   content,
	}
	return evt.Sign(keys)
}
