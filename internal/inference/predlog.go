package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/metrics"
)

// predLog is the asynchronous prediction log writer. Predict hands records
// over a buffered channel and never blocks on persistence: when the channel
// is full the record goes to the disk spill file, and only when that also
// fails is it dropped (and counted).
type predLog struct {
	store  catalog.PredictionStore
	met    *metrics.Set
	logger *slog.Logger

	ch        chan *catalog.Prediction
	batchSize int
	interval  time.Duration

	spillPath string
	spillMu   sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

func newPredLog(store catalog.PredictionStore, met *metrics.Set, logger *slog.Logger, buffer, batchSize int, interval time.Duration, spillPath string) *predLog {
	if buffer <= 0 {
		buffer = 1024
	}

	if batchSize <= 0 {
		batchSize = 128
	}

	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	return &predLog{
		store:     store,
		met:       met,
		logger:    logger,
		ch:        make(chan *catalog.Prediction, buffer),
		batchSize: batchSize,
		interval:  interval,
		spillPath: spillPath,
		done:      make(chan struct{}),
	}
}

func (l *predLog) start() {
	l.wg.Add(1)

	go l.run()
}

// offer enqueues one record without blocking.
func (l *predLog) offer(p *catalog.Prediction) {
	select {
	case l.ch <- p:
	default:
		l.spill([]*catalog.Prediction{p})
	}
}

func (l *predLog) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	batch := make([]*catalog.Prediction, 0, l.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		l.persist(batch)
		batch = batch[:0]
	}

	for {
		select {
		case p := <-l.ch:
			batch = append(batch, p)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case p := <-l.ch:
					batch = append(batch, p)
				default:
					flush()

					return
				}
			}
		}
	}
}

func (l *predLog) persist(batch []*catalog.Prediction) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.store.AppendBatch(ctx, batch); err != nil {
		l.logger.Warn("prediction log write failed, spilling to disk",
			slog.Int("records", len(batch)),
			slog.String("error", err.Error()))
		l.spill(batch)
	}
}

// spill appends the records as JSON lines. A record that cannot be spilled
// is dropped and counted.
func (l *predLog) spill(batch []*catalog.Prediction) {
	if l.spillPath == "" {
		l.drop(len(batch))

		return
	}

	l.spillMu.Lock()
	defer l.spillMu.Unlock()

	f, err := os.OpenFile(l.spillPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Error("opening prediction spill file",
			slog.String("path", l.spillPath),
			slog.String("error", err.Error()))
		l.drop(len(batch))

		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)

	for _, p := range batch {
		if err := enc.Encode(p); err != nil {
			l.logger.Error("spilling prediction record", slog.String("error", err.Error()))
			l.drop(1)
		}
	}
}

func (l *predLog) drop(n int) {
	l.met.PredictionDropped.Add(float64(n))
}

// replay re-ingests spilled records into the store and truncates the spill
// file. Called once at startup.
func (l *predLog) replay(ctx context.Context) error {
	if l.spillPath == "" {
		return nil
	}

	l.spillMu.Lock()
	defer l.spillMu.Unlock()

	f, err := os.Open(l.spillPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}
	defer f.Close()

	var batch []*catalog.Prediction

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var p catalog.Prediction
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			l.logger.Warn("skipping malformed spill record", slog.String("error", err.Error()))

			continue
		}

		batch = append(batch, &p)
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	if len(batch) > 0 {
		if err := l.store.AppendBatch(ctx, batch); err != nil {
			return err
		}

		l.logger.Info("replayed spilled prediction records", slog.Int("records", len(batch)))
	}

	return os.Truncate(l.spillPath, 0)
}

func (l *predLog) close() {
	close(l.done)
	l.wg.Wait()
}
