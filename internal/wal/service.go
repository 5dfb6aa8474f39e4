package wal

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/axiom-workflow-engine/axiom/internal/event"
	axiomlog "github.com/axiom-workflow-engine/axiom/log"
	"github.com/axiom-workflow-engine/axiom/metrics"
)

var segmentFileRe = regexp.MustCompile(`^segment_(\d{8})\.wal$`)

// Notification is delivered to subscribers after an event has been
// durably synced to disk.
type Notification struct {
	Event  event.Event
	Offset int64
}

type subscription struct {
	ch   chan Notification
	done <-chan struct{}
}

// Service is the single-writer owner of the WAL's active segment. All
// appends go through Append, which serializes them under a mutex so fsync
// ordering equals commit ordering — the same single-owner-serializes-
// writes discipline the teacher's per-instance backend transactions and
// worker dispatch loops rely on, generalized here to one physical log
// instead of one SQL table.
type Service struct {
	dir             string
	maxSegmentBytes int64

	fsync   bool
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics metrics.Client

	mu              sync.Mutex
	active          *Segment
	activeID        uint64
	segmentBaseSize int64 // sum of sizes of all segments before the active one
	offset          int64 // segmentBaseSize + active.Size()

	subMu     sync.Mutex
	subs      map[int]subscription
	nextSubID int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func WithMetrics(m metrics.Client) Option {
	return func(s *Service) { s.metrics = m }
}

// WithFsync controls whether every Append fsyncs its frame before
// returning. Defaults to true; set false only to trade the durability
// guarantee for throughput (spec section 6's fsync_on_write).
func WithFsync(enabled bool) Option {
	return func(s *Service) { s.fsync = enabled }
}

// Open scans dir for segment_*.wal files, picks the highest id as the
// active segment (or id 0 if none exist), computes current_offset as the
// sum of all existing segment sizes, and opens the active segment in
// append mode — exactly the three-step startup sequence in spec 4.2.
func Open(dir string, maxSegmentBytes int64, opts ...Option) (*Service, error) {
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = DefaultMaxSegmentBytes
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating wal directory")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "scanning wal directory")
	}

	var ids []uint64
	for _, de := range entries {
		m := segmentFileRe.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var activeID uint64
	var baseSize int64
	if len(ids) > 0 {
		activeID = ids[len(ids)-1]
		for _, id := range ids[:len(ids)-1] {
			info, err := os.Stat(SegmentPath(dir, id))
			if err != nil {
				return nil, errors.Wrap(err, "statting prior wal segment")
			}
			baseSize += info.Size()
		}
	}

	s := &Service{
		dir:             dir,
		maxSegmentBytes: maxSegmentBytes,
		fsync:           true,
		logger:          slog.Default(),
		tracer:          trace.NewNoopTracerProvider().Tracer("axiom/wal"),
		metrics:         metrics.NewNoopClient(),
		activeID:        activeID,
		segmentBaseSize: baseSize,
		subs:            map[int]subscription{},
	}

	for _, opt := range opts {
		opt(s)
	}

	active, err := OpenSegment(dir, activeID, maxSegmentBytes, s.fsync)
	if err != nil {
		return nil, err
	}
	s.active = active
	s.offset = baseSize + active.Size()

	return s, nil
}

// Append serializes e, frames it, and appends it to the active segment,
// rotating to a new segment first if needed. On success it notifies
// subscribers and returns the final, stable cumulative offset. A failed
// segment open, write, or sync returns errs.ErrDiskFailure; a
// serialization failure returns the encoding error. On any failure the
// offset is left unchanged and no subscriber is notified, but a rotation
// that succeeded before a failed write is kept — the caller must not
// apply the event to any in-memory state.
func (s *Service) Append(ctx context.Context, e event.Event) (offset int64, err error) {
	ctx, span := s.tracer.Start(ctx, "wal.Append")
	defer span.End()

	payload, err := event.Serialize(e)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.NeedsRotation(len(payload)) {
		if err := s.rotateLocked(); err != nil {
			return 0, err
		}
	}

	newSize, err := s.active.Append(payload, e.Timestamp)
	if err != nil {
		return 0, err
	}

	s.offset = s.segmentBaseSize + newSize

	s.logger.Debug("wal append",
		axiomlog.WorkflowIDKey, e.WorkflowID,
		axiomlog.EventTypeKey, string(e.EventType),
		axiomlog.SequenceKey, e.Sequence,
		axiomlog.OffsetKey, s.offset,
	)

	s.notify(Notification{Event: e, Offset: s.offset})

	return s.offset, nil
}

// rotateLocked closes the active segment and opens a new one with the
// next id. It must be called with mu held. If opening the new segment
// fails, the active segment and offset are left exactly as they were —
// the triggering Append can be retried once the underlying condition
// clears (spec 9's rotation-failure open question, resolved in
// SPEC_FULL.md D.0 as fail-closed-then-retry-same-entry).
func (s *Service) rotateLocked() error {
	nextID := s.activeID + 1

	next, err := OpenSegment(s.dir, nextID, s.maxSegmentBytes, s.fsync)
	if err != nil {
		return err
	}

	s.segmentBaseSize += s.active.Size()
	if closeErr := s.active.Close(); closeErr != nil {
		s.logger.Warn("closing rotated wal segment", "error", closeErr)
	}

	s.active = next
	s.activeID = nextID

	return nil
}

// CurrentOffset returns the last stable cumulative offset.
func (s *Service) CurrentOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Replay scans every segment from 0 to the active one and returns, in
// sequence order, the decoded events belonging to workflowID.
func (s *Service) Replay(workflowID string) ([]event.Event, error) {
	s.mu.Lock()
	lastID := s.activeID
	s.mu.Unlock()

	var out []event.Event

	var base int64
	for id := uint64(0); id <= lastID; id++ {
		n, err := ReadAllSegment(s.dir, id, base, s.logger, s.metrics, func(entry Entry) error {
			e, err := event.Deserialize(entry.Payload)
			if err != nil {
				return errors.Wrapf(err, "decoding wal entry in segment %d", id)
			}
			if e.WorkflowID == workflowID {
				out = append(out, e)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		base += n
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	return out, nil
}

// Subscribe registers a subscriber that receives a Notification after
// every successful Append, best-effort: a subscriber that cannot keep up
// has notifications dropped rather than blocking the writer. The
// subscription is pruned automatically when ctx is done, the liveness
// signal described in spec 4.9 ("Subscriber fan-out").
func (s *Service) Subscribe(ctx context.Context, buffer int) <-chan Notification {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan Notification, buffer)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = subscription{ch: ch, done: ctx.Done()}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
		close(ch)
	}()

	return ch
}

func (s *Service) notify(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, sub := range s.subs {
		select {
		case <-sub.done:
			delete(s.subs, id)
			continue
		default:
		}

		select {
		case sub.ch <- n:
		default:
			// Dead or slow subscriber: best-effort delivery only, per
			// spec 4.2 — drop rather than block the single writer.
		}
	}
}

// Close closes the active segment's file handle.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Close()
}
