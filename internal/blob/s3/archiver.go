package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// EventArchiver implements domain.EventArchiver by serializing applied raw
// events to JSONL and uploading the batch to blob storage. Archives are the
// replay source of truth: a fresh ledger can be rebuilt by reading them back
// in order.
type EventArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewEventArchiver creates an EventArchiver using the given blob writer and
// reader.
func NewEventArchiver(writer domain.BlobWriter, reader domain.BlobReader) *EventArchiver {
	return &EventArchiver{writer: writer, reader: reader}
}

var _ domain.EventArchiver = (*EventArchiver)(nil)

// ArchiveEvents uploads one batch of events as a JSONL object and returns its
// storage path. Empty batches are skipped and return an empty path.
//
// Key schema:
//
//	events/2025-01-31/18250000-18250420-<uuid>.jsonl
func (a *EventArchiver) ArchiveEvents(ctx context.Context, events []domain.Event) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	path := eventArchivePath(events)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive events upload: %w", err)
	}
	return path, nil
}

// ReadEvents downloads one archived batch and decodes it back into events.
func (a *EventArchiver) ReadEvents(ctx context.Context, path string) ([]domain.Event, error) {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var events []domain.Event
	dec := json.NewDecoder(body)
	for {
		var evt domain.Event
		if err := dec.Decode(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("s3blob: decode archived event in %s: %w", path, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// eventArchivePath builds the storage key for a batch, partitioned by the
// first event's day and labelled with the batch's block span. A random suffix
// keeps concurrent batches over the same span from colliding.
func eventArchivePath(events []domain.Event) string {
	first, last := events[0].BlockNumber, events[0].BlockNumber
	for _, evt := range events[1:] {
		if evt.BlockNumber < first {
			first = evt.BlockNumber
		}
		if evt.BlockNumber > last {
			last = evt.BlockNumber
		}
	}
	day := time.Unix(events[0].Timestamp, 0).UTC().Format("2006-01-02")
	return fmt.Sprintf("events/%s/%d-%d-%s.jsonl", day, first, last, uuid.New().String())
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
