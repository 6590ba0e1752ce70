// Package querystream executes SQL statements and streams their results to
// subscribers in chunks, with progress reporting and checkpointed cancellation.
package querystream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/sqlpulse/internal/metrics"
	"github.com/marcus-qen/sqlpulse/internal/protocol"
	"github.com/marcus-qen/sqlpulse/internal/sqlexec"
	"github.com/marcus-qen/sqlpulse/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultChunkSize is used when neither the config nor the caller sets one.
const DefaultChunkSize = 1000

var (
	// ErrDuplicateQueryID is returned when a query id is already running.
	ErrDuplicateQueryID = errors.New("duplicate query id")
	// ErrEmptyStatement is returned for blank SQL.
	ErrEmptyStatement = errors.New("empty sql statement")
)

// QueryError wraps an execution failure with the query it belongs to.
type QueryError struct {
	QueryID string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %v", e.QueryID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Publisher delivers events to channel subscribers.
type Publisher interface {
	Publish(channel protocol.Channel, p protocol.Payload) (int, error)
}

// Session is one exclusively owned database connection.
type Session interface {
	Query(ctx context.Context, query string) (*sqlexec.ResultSet, error)
	Exec(ctx context.Context, stmt string) (int64, error)
	Count(ctx context.Context, query string) (int64, error)
	Close() error
}

// Executor hands out sessions.
type Executor interface {
	Acquire(ctx context.Context) (Session, error)
}

// SQLiteExecutor adapts *sqlexec.DB to Executor.
type SQLiteExecutor struct {
	DB *sqlexec.DB
}

// Acquire implements Executor.
func (e SQLiteExecutor) Acquire(ctx context.Context) (Session, error) {
	sess, err := e.DB.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Config holds coordinator defaults.
type Config struct {
	ChunkSize  int
	ChunkDelay time.Duration
	Channel    protocol.Channel
}

// Options override Config for one execution.
type Options struct {
	ChunkSize int
	Channel   protocol.Channel
}

// Result summarizes a finished execution.
type Result struct {
	QueryID   string
	Kind      StatementKind
	RowCount  int64
	Duration  time.Duration
	Cancelled bool
}

type execution struct {
	id        string
	sql       string
	kind      StatementKind
	chunkSize int
	channel   protocol.Channel
	startedAt time.Time

	rowsStreamed int64
	total        *int64
	cancelled    atomic.Bool
}

// Coordinator runs streamed query executions.
type Coordinator struct {
	exec    Executor
	pub     Publisher
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[string]*execution
	wg     sync.WaitGroup
}

// New creates a coordinator.
func New(exec Executor, pub Publisher, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Channel == "" {
		cfg.Channel = protocol.ChannelQueries
	}
	return &Coordinator{
		exec:    exec,
		pub:     pub,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		active:  make(map[string]*execution),
	}
}

// Start runs sql to completion, publishing lifecycle events as it goes.
// An empty queryID is replaced with a generated one.
func (c *Coordinator) Start(ctx context.Context, queryID, sql string, opts Options) (*Result, error) {
	e, err := c.reserve(queryID, sql, opts)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, e)
}

// Submit reserves the query id and runs the execution in the background.
// ctx bounds the execution and must outlive the caller's request.
func (c *Coordinator) Submit(ctx context.Context, queryID, sql string, opts Options) (string, error) {
	e, err := c.reserve(queryID, sql, opts)
	if err != nil {
		return "", err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.run(ctx, e); err != nil {
			c.logger.Debug("background query finished with error", zap.String("query_id", e.id), zap.Error(err))
		}
	}()
	return e.id, nil
}

// Wait blocks until every execution started by Submit has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Cancel flags a running execution. It reports false if queryID is not active.
func (c *Coordinator) Cancel(queryID string) bool {
	c.mu.Lock()
	e, ok := c.active[queryID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	e.cancelled.Store(true)
	c.logger.Info("query cancellation requested", zap.String("query_id", queryID))
	return true
}

// Active returns the ids of running executions in sorted order.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) reserve(queryID, sql string, opts Options) (*execution, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, ErrEmptyStatement
	}
	if queryID == "" {
		queryID = uuid.NewString()
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = c.cfg.ChunkSize
	}
	channel := opts.Channel
	if channel == "" {
		channel = c.cfg.Channel
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[queryID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateQueryID, queryID)
	}
	e := &execution{
		id:        queryID,
		sql:       sql,
		kind:      Classify(sql),
		chunkSize: chunk,
		channel:   channel,
		startedAt: time.Now().UTC(),
	}
	c.active[queryID] = e
	return e, nil
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

func (c *Coordinator) run(ctx context.Context, e *execution) (res *Result, err error) {
	defer c.release(e.id)
	ctx, span := telemetry.StartQuerySpan(ctx, e.id, string(e.kind), e.chunkSize)
	defer func() { endRunSpan(span, e, res, err) }()
	c.metrics.QueryStarted()
	c.logger.Info("query started",
		zap.String("query_id", e.id),
		zap.String("kind", string(e.kind)),
		zap.Int("chunk_size", e.chunkSize),
	)

	c.publish(e, protocol.QueryStartedPayload{
		QueryID:   e.id,
		SQL:       e.sql,
		ChunkSize: e.chunkSize,
		StartedAt: e.startedAt.UnixMilli(),
	})

	sess, err := c.exec.Acquire(ctx)
	if err != nil {
		return nil, c.fail(e, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			c.logger.Warn("release session", zap.String("query_id", e.id), zap.Error(err))
		}
	}()

	if c.stopRequested(ctx, e) {
		return c.cancel(ctx, e)
	}

	if e.kind == KindWrite {
		_, execSpan := telemetry.StartExecuteSpan(ctx, string(e.kind))
		changes, err := sess.Exec(ctx, e.sql)
		telemetry.EndExecuteSpan(execSpan, changes, err)
		if err != nil {
			return nil, c.fail(e, err)
		}
		res := c.complete(e, changes)
		if p := schemaChange(e.sql, e.id, changes); p != nil {
			c.publishTo(protocol.ChannelTables, e, p)
		}
		return res, nil
	}

	if countable(e.sql) {
		_, estSpan := telemetry.StartEstimateSpan(ctx)
		n, err := sess.Count(ctx, e.sql)
		telemetry.EndEstimateSpan(estSpan, n, err)
		if err != nil {
			c.logger.Debug("row estimate unavailable", zap.String("query_id", e.id), zap.Error(err))
		} else {
			e.total = &n
		}
	}

	_, execSpan := telemetry.StartExecuteSpan(ctx, string(e.kind))
	rs, err := sess.Query(ctx, e.sql)
	var fetched int64
	if rs != nil {
		fetched = int64(len(rs.Rows))
	}
	telemetry.EndExecuteSpan(execSpan, fetched, err)
	if err != nil {
		return nil, c.fail(e, err)
	}
	return c.stream(ctx, e, rs)
}

// stream delivers rs in chunks. The cancellation flag and ctx are checked
// before every chunk; a single statement already running is never interrupted.
func (c *Coordinator) stream(ctx context.Context, e *execution, rs *sqlexec.ResultSet) (*Result, error) {
	for start, index := 0, 0; start < len(rs.Rows); start, index = start+e.chunkSize, index+1 {
		if c.stopRequested(ctx, e) {
			return c.cancel(ctx, e)
		}

		end := min(start+e.chunkSize, len(rs.Rows))
		e.rowsStreamed = int64(end)

		c.publish(e, protocol.QueryProgressPayload{
			QueryID:       e.id,
			ChunkIndex:    index,
			RowsProcessed: e.rowsStreamed,
			TotalRows:     e.total,
			Percentage:    percentage(e.rowsStreamed, e.total),
			Columns:       rs.Columns,
			Rows:          rs.Rows[start:end],
		})
		c.metrics.RowsStreamed(end - start)
		c.yield(ctx)
	}
	return c.complete(e, int64(len(rs.Rows))), nil
}

func endRunSpan(span trace.Span, e *execution, res *Result, err error) {
	switch {
	case res == nil:
		telemetry.EndQuerySpan(span, metrics.OutcomeError, e.rowsStreamed, err)
	case res.Cancelled:
		telemetry.EndQuerySpan(span, metrics.OutcomeCancelled, res.RowCount, nil)
	default:
		telemetry.EndQuerySpan(span, metrics.OutcomeComplete, res.RowCount, nil)
	}
}

func (c *Coordinator) stopRequested(ctx context.Context, e *execution) bool {
	return e.cancelled.Load() || ctx.Err() != nil
}

// yield lets outbound delivery interleave between chunks.
func (c *Coordinator) yield(ctx context.Context) {
	runtime.Gosched()
	if c.cfg.ChunkDelay <= 0 {
		return
	}
	t := time.NewTimer(c.cfg.ChunkDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Coordinator) complete(e *execution, rowCount int64) *Result {
	d := time.Since(e.startedAt)
	c.publish(e, protocol.QueryCompletePayload{
		QueryID:       e.id,
		RowCount:      rowCount,
		DurationMs:    d.Milliseconds(),
		StatementKind: string(e.kind),
	})
	c.metrics.QueryFinished(metrics.OutcomeComplete, d)
	c.logger.Info("query complete",
		zap.String("query_id", e.id),
		zap.Int64("row_count", rowCount),
		zap.Duration("duration", d),
	)
	return &Result{QueryID: e.id, Kind: e.kind, RowCount: rowCount, Duration: d}
}

func (c *Coordinator) cancel(ctx context.Context, e *execution) (*Result, error) {
	d := time.Since(e.startedAt)
	c.publish(e, protocol.QueryCancelledPayload{
		QueryID:       e.id,
		RowsProcessed: e.rowsStreamed,
		DurationMs:    d.Milliseconds(),
	})
	c.metrics.QueryFinished(metrics.OutcomeCancelled, d)
	c.logger.Info("query cancelled",
		zap.String("query_id", e.id),
		zap.Int64("rows_processed", e.rowsStreamed),
	)
	res := &Result{QueryID: e.id, Kind: e.kind, RowCount: e.rowsStreamed, Duration: d, Cancelled: true}
	if e.cancelled.Load() {
		return res, nil
	}
	return res, ctx.Err()
}

func (c *Coordinator) fail(e *execution, cause error) error {
	d := time.Since(e.startedAt)
	c.publish(e, protocol.QueryErrorPayload{
		QueryID:    e.id,
		Error:      cause.Error(),
		DurationMs: d.Milliseconds(),
	})
	c.metrics.QueryFinished(metrics.OutcomeError, d)
	c.logger.Warn("query failed", zap.String("query_id", e.id), zap.Error(cause))
	return &QueryError{QueryID: e.id, Err: cause}
}

func (c *Coordinator) publish(e *execution, p protocol.Payload) {
	c.publishTo(e.channel, e, p)
}

func (c *Coordinator) publishTo(channel protocol.Channel, e *execution, p protocol.Payload) {
	if _, err := c.pub.Publish(channel, p); err != nil {
		c.logger.Error("publish query event",
			zap.String("query_id", e.id),
			zap.String("type", string(p.EventType())),
			zap.Error(err),
		)
	}
}

// percentage returns processed/total as a percentage in [0,100], or nil when
// no positive total is known.
func percentage(processed int64, total *int64) *float64 {
	if total == nil || *total <= 0 {
		return nil
	}
	pct := float64(processed) / float64(*total) * 100
	pct = math.Max(0, math.Min(100, pct))
	pct = math.Round(pct*100) / 100
	return &pct
}
