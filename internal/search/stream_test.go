package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeBackend pages through a fixed record set sorted by (updated, uid),
// optionally injecting timeouts or failures per call.
type fakeBackend struct {
	records []Record
	calls   int

	// respond overrides the default paging behavior for call n (1-based).
	respond func(call int) (*Response, error)
}

func (f *fakeBackend) Search(ctx context.Context, q *Query) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls++
	if f.respond != nil {
		if resp, err := f.respond(f.calls); resp != nil || err != nil {
			return resp, err
		}
	}
	return f.page(q), nil
}

// page serves the next q.Size records strictly after the cursor.
func (f *fakeBackend) page(q *Query) *Response {
	start := 0
	if len(q.SearchAfter) == 2 {
		lastUID := q.SearchAfter[1].(string)
		for i, rec := range f.records {
			if rec.Str("uid") == lastUID {
				start = i + 1
				break
			}
		}
	}

	end := start + q.Size
	if end > len(f.records) {
		end = len(f.records)
	}

	resp := &Response{Total: int64(len(f.records))}
	for _, rec := range f.records[start:end] {
		resp.Hits = append(resp.Hits, Hit{
			Source: rec,
			Sort:   []any{rec["updated"], rec["uid"]},
		})
	}
	return resp
}

func makeRecords(n int) []Record {
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Record{
			"uid":     fmt.Sprintf("10.1234/rec-%03d", i),
			"updated": fmt.Sprintf("2024-01-%02dT00:00:00Z", i+1),
		})
	}
	return out
}

func collect(t *testing.T, records <-chan Record, errs <-chan error) ([]Record, error) {
	t.Helper()
	var out []Record
	for rec := range records {
		out = append(out, rec)
	}
	return out, <-errs
}

func TestStreamDeliversAllPages(t *testing.T) {
	backend := &fakeBackend{records: makeRecords(10)}
	stream := NewStream(backend, NewQuery(nil, nil, 3), 0, nil)

	records, errs := stream.Records(context.Background())
	got, err := collect(t, records, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(got) != 10 {
		t.Fatalf("delivered %d records, want 10", len(got))
	}
	for i, rec := range got {
		want := fmt.Sprintf("10.1234/rec-%03d", i)
		if rec.Str("uid") != want {
			t.Errorf("record %d = %s, want %s (order or duplication broken)", i, rec.Str("uid"), want)
		}
	}
	// 4 pages: 3+3+3+1, plus one empty page to terminate.
	if backend.calls != 5 {
		t.Errorf("backend called %d times, want 5", backend.calls)
	}
}

func TestStreamEmptyResult(t *testing.T) {
	backend := &fakeBackend{}
	stream := NewStream(backend, NewQuery(nil, nil, 3), 0, nil)

	records, errs := stream.Records(context.Background())
	got, err := collect(t, records, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("delivered %d records, want 0", len(got))
	}
}

func TestStreamResumesAfterTimeout(t *testing.T) {
	backend := &fakeBackend{records: makeRecords(6)}
	// The second page query times out once before succeeding.
	backend.respond = func(call int) (*Response, error) {
		if call == 2 {
			return &Response{TimedOut: true}, nil
		}
		return nil, nil
	}
	stream := NewStream(backend, NewQuery(nil, nil, 3), 0, nil)

	records, errs := stream.Records(context.Background())
	got, err := collect(t, records, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("delivered %d records, want 6", len(got))
	}
	for i, rec := range got {
		want := fmt.Sprintf("10.1234/rec-%03d", i)
		if rec.Str("uid") != want {
			t.Errorf("record %d = %s, want %s", i, rec.Str("uid"), want)
		}
	}
}

func TestStreamTimeoutBudget(t *testing.T) {
	backend := &fakeBackend{}
	backend.respond = func(int) (*Response, error) {
		return &Response{TimedOut: true}, nil
	}
	stream := NewStream(backend, NewQuery(nil, nil, 3), 0, nil)

	records, errs := stream.Records(context.Background())
	got, err := collect(t, records, errs)
	if !errors.Is(err, ErrTooManyTimeouts) {
		t.Fatalf("got error %v, want ErrTooManyTimeouts", err)
	}
	if len(got) != 0 {
		t.Errorf("delivered %d records, want 0", len(got))
	}
	// 10 timeouts are retried; the 11th exceeds the budget.
	if backend.calls != 11 {
		t.Errorf("backend called %d times, want 11", backend.calls)
	}
}

func TestStreamFailureBudget(t *testing.T) {
	backend := &fakeBackend{}
	backend.respond = func(int) (*Response, error) {
		return nil, errors.New("connection refused")
	}
	stream := NewStream(backend, NewQuery(nil, nil, 3), 0, nil)

	records, errs := stream.Records(context.Background())
	_, err := collect(t, records, errs)
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("got error %v, want ErrTooManyFailures", err)
	}
	if backend.calls != 11 {
		t.Errorf("backend called %d times, want 11", backend.calls)
	}
}

func TestStreamBudgetNeverResets(t *testing.T) {
	backend := &fakeBackend{records: makeRecords(100)}
	// Every other call times out. Successful pages in between must not
	// refill the budget: the stream dies on the 11th timeout overall.
	backend.respond = func(call int) (*Response, error) {
		if call%2 == 1 {
			return &Response{TimedOut: true}, nil
		}
		return nil, nil
	}
	stream := NewStream(backend, NewQuery(nil, nil, 3), 0, nil)

	records, errs := stream.Records(context.Background())
	got, err := collect(t, records, errs)
	if !errors.Is(err, ErrTooManyTimeouts) {
		t.Fatalf("got error %v, want ErrTooManyTimeouts", err)
	}
	// 10 successful pages of 3 interleaved with the timeouts.
	if len(got) != 30 {
		t.Errorf("delivered %d records, want 30", len(got))
	}
	if backend.calls != 21 {
		t.Errorf("backend called %d times, want 21", backend.calls)
	}
}

func TestStreamContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backend := &fakeBackend{records: makeRecords(10)}
	stream := NewStream(backend, NewQuery(nil, nil, 3), 0, nil)

	records, errs := stream.Records(ctx)
	_, err := collect(t, records, errs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got error %v, want context.Canceled", err)
	}
}
