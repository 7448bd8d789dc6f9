package vdev

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"github.com/ReneHollander/zspa/zfs/kstat"
)

// ErrInvalidPriority is returned for requests whose priority is not one of the queueable classes.
var ErrInvalidPriority = errors.New("invalid I/O priority")

// maxAggregation caps AggregationLimit at the largest block size.
const maxAggregation = 16 << 20

// QueueConfig holds the scheduler tunables. Each class gets at least its min and at most its max active
// requests, all classes together at most MaxActive.
type QueueConfig struct {
	MaxActive int `yaml:"max_active" env:"MAX_ACTIVE"`

	SyncReadMinActive   int `yaml:"sync_read_min_active" env:"SYNC_READ_MIN_ACTIVE"`
	SyncReadMaxActive   int `yaml:"sync_read_max_active" env:"SYNC_READ_MAX_ACTIVE"`
	SyncWriteMinActive  int `yaml:"sync_write_min_active" env:"SYNC_WRITE_MIN_ACTIVE"`
	SyncWriteMaxActive  int `yaml:"sync_write_max_active" env:"SYNC_WRITE_MAX_ACTIVE"`
	AsyncReadMinActive  int `yaml:"async_read_min_active" env:"ASYNC_READ_MIN_ACTIVE"`
	AsyncReadMaxActive  int `yaml:"async_read_max_active" env:"ASYNC_READ_MAX_ACTIVE"`
	AsyncWriteMinActive int `yaml:"async_write_min_active" env:"ASYNC_WRITE_MIN_ACTIVE"`
	AsyncWriteMaxActive int `yaml:"async_write_max_active" env:"ASYNC_WRITE_MAX_ACTIVE"`
	ScrubMinActive      int `yaml:"scrub_min_active" env:"SCRUB_MIN_ACTIVE"`
	ScrubMaxActive      int `yaml:"scrub_max_active" env:"SCRUB_MAX_ACTIVE"`

	// The async write limit grows linearly from its min to its max while the dirty data of the pool goes
	// from AsyncWriteMinDirtyPct to AsyncWriteMaxDirtyPct percent of DirtyDataMax.
	DirtyDataMax          uint64 `yaml:"dirty_data_max" env:"DIRTY_DATA_MAX"`
	AsyncWriteMinDirtyPct uint64 `yaml:"async_write_min_dirty_pct" env:"ASYNC_WRITE_MIN_DIRTY_PCT"`
	AsyncWriteMaxDirtyPct uint64 `yaml:"async_write_max_dirty_pct" env:"ASYNC_WRITE_MAX_DIRTY_PCT"`

	// Adjacent requests are merged up to AggregationLimit bytes. Reads may skip up to ReadGapLimit bytes,
	// writes bridge gaps of up to WriteGapLimit bytes with optional requests.
	AggregationLimit uint64 `yaml:"aggregation_limit" env:"AGGREGATION_LIMIT"`
	ReadGapLimit     uint64 `yaml:"read_gap_limit" env:"READ_GAP_LIMIT"`
	WriteGapLimit    uint64 `yaml:"write_gap_limit" env:"WRITE_GAP_LIMIT"`

	Logger *slog.Logger `yaml:"-"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxActive:             1000,
		SyncReadMinActive:     10,
		SyncReadMaxActive:     10,
		SyncWriteMinActive:    10,
		SyncWriteMaxActive:    10,
		AsyncReadMinActive:    1,
		AsyncReadMaxActive:    3,
		AsyncWriteMinActive:   1,
		AsyncWriteMaxActive:   10,
		ScrubMinActive:        1,
		ScrubMaxActive:        2,
		DirtyDataMax:          4 << 30,
		AsyncWriteMinDirtyPct: 30,
		AsyncWriteMaxDirtyPct: 60,
		AggregationLimit:      128 << 10,
		ReadGapLimit:          32 << 10,
		WriteGapLimit:         4 << 10,
	}
}

func (c *QueueConfig) limits(p Priority) (int, int) {
	switch p {
	case PrioritySyncRead:
		return c.SyncReadMinActive, c.SyncReadMaxActive
	case PrioritySyncWrite:
		return c.SyncWriteMinActive, c.SyncWriteMaxActive
	case PriorityAsyncRead:
		return c.AsyncReadMinActive, c.AsyncReadMaxActive
	case PriorityAsyncWrite:
		return c.AsyncWriteMinActive, c.AsyncWriteMaxActive
	default:
		return c.ScrubMinActive, c.ScrubMaxActive
	}
}

func (c QueueConfig) Validate() error {
	sum := 0
	for p := range NumQueueable {
		lo, hi := c.limits(p)
		if lo < 0 || lo > hi {
			return fmt.Errorf("%v: min active %d must be between 0 and max active %d", p, lo, hi)
		}
		if hi < 1 {
			return fmt.Errorf("%v: max active must be at least 1", p)
		}
		sum += lo
	}
	// The dynamic async write limit never drops below its min, requests of the class would stall otherwise.
	if c.AsyncWriteMinActive < 1 {
		return fmt.Errorf("%v: min active must be at least 1", PriorityAsyncWrite)
	}
	if sum > c.MaxActive {
		return fmt.Errorf("sum of min active (%d) exceeds max active %d", sum, c.MaxActive)
	}
	if c.AsyncWriteMinDirtyPct > c.AsyncWriteMaxDirtyPct || c.AsyncWriteMaxDirtyPct > 100 {
		return fmt.Errorf("invalid async write dirty percentages %d/%d", c.AsyncWriteMinDirtyPct, c.AsyncWriteMaxDirtyPct)
	}
	if c.AggregationLimit > maxAggregation {
		return fmt.Errorf("aggregation_limit %d exceeds %d", c.AggregationLimit, maxAggregation)
	}
	return nil
}

func (c *QueueConfig) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// DirtySource reports the state of the pool's dirty data, which drives the async write limit.
type DirtySource interface {
	DirtyBytes() uint64
	HasPendingSyncTask() bool
}

// IssueFunc starts the physical I/O of z. The queue calls it without holding its lock and expects Done
// once the I/O finished.
type IssueFunc func(z *Zio)

func byOffset(a, b *Zio) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.seq < b.seq
}

func byTimestamp(a, b *Zio) bool {
	if a.timestamp != b.timestamp {
		return a.timestamp < b.timestamp
	}
	return a.seq < b.seq
}

// Queue schedules the requests of one device. Pending requests wait in a tree per class and, for
// aggregation, in an offset ordered tree per type.
type Queue struct {
	cfg   QueueConfig
	dirty DirtySource
	issue IssueFunc

	mu         sync.Mutex
	classes    [NumQueueable]*btree.BTreeG[*Zio]
	active     [NumQueueable]int
	readTree   *btree.BTreeG[*Zio]
	writeTree  *btree.BTreeG[*Zio]
	activeTree *btree.BTreeG[*Zio]
	lastOffset uint64
	seq        uint64

	stats  kstat.IO
	crtime int64
}

func NewQueue(cfg QueueConfig, dirty DirtySource, issue IssueFunc) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:        cfg,
		dirty:      dirty,
		issue:      issue,
		readTree:   btree.NewG(8, byOffset),
		writeTree:  btree.NewG(8, byOffset),
		activeTree: btree.NewG(8, byOffset),
		crtime:     kstat.Now(),
	}
	for p := range NumQueueable {
		if p.fifo() {
			q.classes[p] = btree.NewG(8, byTimestamp)
		} else {
			q.classes[p] = btree.NewG(8, byOffset)
		}
	}
	return q, nil
}

func (q *Queue) typeTree(t IOType) *btree.BTreeG[*Zio] {
	if t == TypeRead {
		return q.readTree
	}
	return q.writeTree
}

func (q *Queue) ioAdd(z *Zio, now int64) {
	q.classes[z.Priority].ReplaceOrInsert(z)
	q.typeTree(z.Type).ReplaceOrInsert(z)
	q.stats.WaitQEnter(now)
}

func (q *Queue) ioRemove(z *Zio, now int64) {
	q.classes[z.Priority].Delete(z)
	q.typeTree(z.Type).Delete(z)
	q.stats.WaitQExit(now)
}

func (q *Queue) pendingAdd(z *Zio, now int64) {
	q.active[z.Priority]++
	q.activeTree.ReplaceOrInsert(z)
	q.stats.RunQEnter(now)
}

func (q *Queue) pendingRemove(z *Zio, now int64) {
	q.active[z.Priority]--
	q.activeTree.Delete(z)
	q.stats.RunQExit(now)
	q.stats.Complete(z.Type == TypeRead, z.Size)
}

// maxAsyncWrites interpolates the async write limit from the pool's dirty data. A pending sync task
// lifts it to the max so the txg finishes quickly.
func (q *Queue) maxAsyncWrites() int {
	lo, hi := q.cfg.AsyncWriteMinActive, q.cfg.AsyncWriteMaxActive
	if q.dirty == nil {
		return lo
	}
	if q.dirty.HasPendingSyncTask() {
		return hi
	}
	dirty := q.dirty.DirtyBytes()
	minBytes := q.cfg.DirtyDataMax * q.cfg.AsyncWriteMinDirtyPct / 100
	maxBytes := q.cfg.DirtyDataMax * q.cfg.AsyncWriteMaxDirtyPct / 100
	if dirty < minBytes {
		return lo
	}
	if dirty > maxBytes || maxBytes == minBytes {
		return hi
	}
	return int((dirty-minBytes)*uint64(hi-lo)/(maxBytes-minBytes)) + lo
}

func (q *Queue) classMax(p Priority) int {
	if p == PriorityAsyncWrite {
		return q.maxAsyncWrites()
	}
	_, hi := q.cfg.limits(p)
	return hi
}

// classToIssue picks the class to serve next: the first class below its min, otherwise the first below
// its max. It returns NumQueueable when nothing may be issued.
func (q *Queue) classToIssue() Priority {
	total := 0
	for _, n := range q.active {
		total += n
	}
	if total >= q.cfg.MaxActive {
		return NumQueueable
	}
	for p := range NumQueueable {
		lo, _ := q.cfg.limits(p)
		if q.classes[p].Len() > 0 && q.active[p] < lo {
			return p
		}
	}
	for p := range NumQueueable {
		if q.classes[p].Len() > 0 && q.active[p] < q.classMax(p) {
			return p
		}
	}
	return NumQueueable
}

func before(t *btree.BTreeG[*Zio], z *Zio) *Zio {
	var out *Zio
	t.DescendLessOrEqual(z, func(item *Zio) bool {
		if item == z {
			return true
		}
		out = item
		return false
	})
	return out
}

func after(t *btree.BTreeG[*Zio], z *Zio) *Zio {
	var out *Zio
	t.AscendGreaterOrEqual(z, func(item *Zio) bool {
		if item == z {
			return true
		}
		out = item
		return false
	})
	return out
}

// span is the range covered from the start of first to the end of last.
func span(first, last *Zio) uint64 {
	return last.end() - first.Offset
}

// gap is the distance from the end of a to the start of b, negative when they overlap.
func gap(a, b *Zio) int64 {
	return int64(b.Offset) - int64(a.end())
}

// aggregate merges the pending requests around z into one request. It returns nil when there is nothing
// to merge with.
func (q *Queue) aggregate(z *Zio, now int64) *Zio {
	if z.Flags&FlagDontAggregate != 0 {
		return nil
	}
	t := q.typeTree(z.Type)
	flags := z.Flags & AggInherit
	limit := min(q.cfg.AggregationLimit, maxAggregation)
	var maxGap int64
	if z.Type == TypeRead {
		maxGap = int64(q.cfg.ReadGapLimit)
	}

	first, last := z, z
	var mandatory *Zio
	if first.Flags&FlagOptional == 0 {
		mandatory = first
	}

	for {
		dio := before(t, first)
		if dio == nil || dio.Flags&AggInherit != flags || span(dio, last) > limit || gap(dio, first) > maxGap {
			break
		}
		first = dio
		if mandatory == nil && first.Flags&FlagOptional == 0 {
			mandatory = first
		}
	}

	// Optional requests never start a range.
	for first.Flags&FlagOptional != 0 && first != last {
		first = after(t, first)
	}

	for {
		dio := after(t, last)
		if dio == nil || dio.Flags&AggInherit != flags || span(first, dio) > limit || gap(last, dio) > maxGap {
			break
		}
		last = dio
		if last.Flags&FlagOptional == 0 {
			mandatory = last
		}
	}

	// A trailing run of optional writes is kept when it leads to a mandatory write close enough to be
	// worth bridging. That write then has to start the next aggregate.
	stretch := false
	if z.Type == TypeWrite && mandatory != nil {
		nio := last
		for {
			dio := after(t, nio)
			if dio == nil || gap(nio, dio) != 0 || gap(mandatory, dio) > int64(q.cfg.WriteGapLimit) {
				break
			}
			nio = dio
			if nio.Flags&FlagOptional == 0 {
				stretch = true
				break
			}
		}
	}

	if stretch {
		after(t, last).Flags &^= FlagOptional
	} else {
		for last != mandatory && last != first {
			last = before(t, last)
		}
	}

	if first == last {
		return nil
	}

	size := span(first, last)
	q.seq++
	aio := &Zio{
		Offset:    first.Offset,
		Size:      size,
		Type:      first.Type,
		Priority:  z.Priority,
		Flags:     flags,
		Data:      make([]byte, size),
		timestamp: first.timestamp,
		seq:       q.seq,
		done:      make(chan struct{}),
	}
	for dio := first; ; {
		next := after(t, dio)
		// NoData children stay zero in the fresh buffer.
		if dio.Type == TypeWrite && dio.Flags&FlagNoData == 0 {
			copy(aio.Data[dio.Offset-aio.Offset:], dio.Data[:dio.Size])
		}
		aio.children = append(aio.children, dio)
		q.ioRemove(dio, now)
		if dio == last {
			break
		}
		dio = next
	}
	return aio
}

// ioToIssue takes the next request off the queue and marks it active. Requests without data that are
// not part of an aggregate are appended to bypassed instead, the caller completes them.
func (q *Queue) ioToIssue(now int64, bypassed *[]*Zio) *Zio {
	for {
		p := q.classToIssue()
		if p == NumQueueable {
			return nil
		}

		tree := q.classes[p]
		var z *Zio
		if p.fifo() {
			z, _ = tree.Min()
		} else {
			// Continue at or after the last issued offset, wrapping to the lowest.
			tree.AscendGreaterOrEqual(&Zio{Offset: q.lastOffset}, func(item *Zio) bool {
				z = item
				return false
			})
			if z == nil {
				z, _ = tree.Min()
			}
		}

		if aio := q.aggregate(z, now); aio != nil {
			z = aio
		} else {
			q.ioRemove(z, now)
		}

		if z.Flags&FlagNoData != 0 {
			*bypassed = append(*bypassed, z)
			continue
		}

		q.pendingAdd(z, now)
		q.lastOffset = z.Offset
		return z
	}
}

func (q *Queue) fixPriority(z *Zio) error {
	if z.Priority < 0 || z.Priority >= NumQueueable {
		return fmt.Errorf("%v: %w", z, ErrInvalidPriority)
	}
	// Requests may carry the priority of the operation they serve, which can be of the other type.
	switch z.Type {
	case TypeRead:
		if z.Priority != PrioritySyncRead && z.Priority != PriorityAsyncRead && z.Priority != PriorityScrub {
			z.Priority = PriorityAsyncRead
		}
	case TypeWrite:
		if z.Priority != PrioritySyncWrite && z.Priority != PriorityAsyncWrite {
			z.Priority = PriorityAsyncWrite
		}
	}
	return nil
}

// Submit queues z and issues at most one request.
func (q *Queue) Submit(z *Zio) error {
	if err := q.fixPriority(z); err != nil {
		return err
	}
	if z.done == nil {
		z.done = make(chan struct{})
	}
	if uint64(len(z.Data)) < z.Size && z.Flags&FlagNoData == 0 {
		return fmt.Errorf("%v: buffer of %d bytes is too small", z, len(z.Data))
	}

	var bypassed []*Zio
	q.mu.Lock()
	now := kstat.Now()
	z.timestamp = now
	q.seq++
	z.seq = q.seq
	q.ioAdd(z, now)
	nio := q.ioToIssue(now, &bypassed)
	q.mu.Unlock()

	for _, b := range bypassed {
		b.complete(nil)
	}
	if nio != nil {
		q.issue(nio)
	}
	return nil
}

// Done reports the end of the physical I/O of an issued request. It completes the request and issues
// whatever the freed slot allows.
func (q *Queue) Done(z *Zio, err error) {
	var bypassed, next []*Zio
	q.mu.Lock()
	if !q.activeTree.Has(z) {
		q.mu.Unlock()
		q.cfg.logger().Error("completion of a request that is not active", "zio", z.String())
		return
	}
	now := kstat.Now()
	q.pendingRemove(z, now)
	for {
		nio := q.ioToIssue(now, &bypassed)
		if nio == nil {
			break
		}
		next = append(next, nio)
	}
	q.mu.Unlock()

	z.complete(err)
	for _, b := range bypassed {
		b.complete(nil)
	}
	for _, nio := range next {
		q.issue(nio)
	}
}

// QueueStats is a point in time view of a queue.
type QueueStats struct {
	Active  [NumQueueable]int
	Pending [NumQueueable]int
	// AsyncWriteLimit is the current max active of the async write class.
	AsyncWriteLimit int
	IO              kstat.IO
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStats{
		Active:          q.active,
		AsyncWriteLimit: q.maxAsyncWrites(),
		IO:              q.stats,
	}
	for p := range NumQueueable {
		s.Pending[p] = q.classes[p].Len()
	}
	return s
}

// WriteKStat renders the I/O statistics as a named kstat.
func (q *Queue) WriteKStat(w io.Writer, kid uint64) error {
	q.mu.Lock()
	now := kstat.Now()
	// Bring the queue time integrals up to now without changing the queue lengths.
	q.stats.WaitQEnter(now)
	q.stats.WaitQExit(now)
	q.stats.RunQEnter(now)
	q.stats.RunQExit(now)
	stats := q.stats
	q.mu.Unlock()
	return kstat.WriteNamed(w, kid, q.crtime, now, stats.Named())
}
