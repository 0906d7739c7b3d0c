package marketd

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"bazaar/observability"
)

const defaultFeedCapacity = 1024

// Feed keeps the most recent records in memory and wakes stream subscribers
// when new ones arrive. Subscribers that fall behind the retained window
// catch up from the EventLog.
type Feed struct {
	mu      sync.Mutex
	recent  recordRing
	last    int64
	notify  chan struct{}
	metrics *feedMetrics
}

// NewFeed builds a feed retaining capacity records. last is the highest
// sequence already in the log when the feed starts.
func NewFeed(capacity int, last int64) *Feed {
	if capacity <= 0 {
		capacity = defaultFeedCapacity
	}
	return &Feed{
		recent:  newRecordRing(capacity),
		last:    last,
		notify:  make(chan struct{}),
		metrics: sharedFeedMetrics(),
	}
}

// Publish appends rec and wakes every waiting subscriber.
func (f *Feed) Publish(rec Record) {
	f.mu.Lock()
	if rec.Sequence > f.last {
		f.last = rec.Sequence
	}
	if f.recent.push(rec) {
		f.metrics.recordDropped("overflow", 1)
	}
	wake := f.notify
	f.notify = make(chan struct{})
	f.mu.Unlock()
	close(wake)
}

// Since returns the retained records after seq. ok is false when records
// after seq have already been evicted and the caller must read the log.
func (f *Feed) Since(seq int64) (records []Record, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	oldest, has := f.recent.peek()
	if !has {
		return nil, seq >= f.last
	}
	if seq < oldest.Sequence-1 {
		return nil, false
	}
	f.recent.forEach(func(rec Record) {
		if rec.Sequence > seq {
			records = append(records, rec)
		}
	})
	return records, true
}

// Wait returns a channel closed by the next Publish.
func (f *Feed) Wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notify
}

// Last reports the highest published sequence.
func (f *Feed) Last() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// recordRing is a fixed-size ring buffer that overwrites the oldest record on
// overflow.
type recordRing struct {
	buf  []Record
	head int
	size int
}

func newRecordRing(capacity int) recordRing {
	return recordRing{buf: make([]Record, capacity)}
}

// push reports whether an older record was overwritten.
func (r *recordRing) push(rec Record) bool {
	if r.size == len(r.buf) {
		r.buf[r.head] = rec
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = rec
	r.size++
	return false
}

func (r *recordRing) peek() (Record, bool) {
	if r.size == 0 {
		return Record{}, false
	}
	return r.buf[r.head], true
}

func (r *recordRing) forEach(fn func(Record)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

var (
	feedMetricsOnce sync.Once
	feedMetricsInst *feedMetrics
)

type feedMetrics struct {
	dropped metric.Int64Counter
}

func sharedFeedMetrics() *feedMetrics {
	feedMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("bazaar/marketd")
		counter, err := meter.Int64Counter("bazaar.marketd.feed.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("bazaar/marketd")
			counter, _ = fallback.Int64Counter("bazaar.marketd.feed.dropped")
		}
		feedMetricsInst = &feedMetrics{dropped: counter}
	})
	return feedMetricsInst
}

func (m *feedMetrics) recordDropped(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	observability.Events().RecordDropped(observability.DropStageFeed, count)
	if m.dropped != nil {
		m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
	}
}
