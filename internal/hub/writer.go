// internal/hub/writer.go - Asynchronous persistence of agent reports
package hub

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/protocol"
)

// WriteJob is one agent report waiting to be persisted.
type WriteJob struct {
	HostID     string
	At         time.Time
	SystemInfo *protocol.SystemInfo
	Metrics    *protocol.Metrics
}

// SampleWriter persists reports off the connection goroutines. Each worker
// owns a bounded queue and jobs are sharded by host id, so writes for one
// host stay in order. A full queue drops the job.
type SampleWriter struct {
	store   database.Store
	metrics *metrics.Collector
	workers []*writeWorker
	timeout time.Duration
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

type writeWorker struct {
	id     int
	jobs   chan *WriteJob
	writer *SampleWriter
}

func NewSampleWriter(store database.Store, collector *metrics.Collector, workers, queue int) *SampleWriter {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}

	w := &SampleWriter{
		store:   store,
		metrics: collector,
		timeout: 10 * time.Second,
	}
	for i := 0; i < workers; i++ {
		w.workers = append(w.workers, &writeWorker{
			id:     i,
			jobs:   make(chan *WriteJob, queue),
			writer: w,
		})
	}
	return w
}

func (w *SampleWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true

	for _, worker := range w.workers {
		w.wg.Add(1)
		go worker.start()
	}
	logrus.WithField("workers", len(w.workers)).Info("Started sample writers")
}

// Submit queues a job without blocking and reports whether it was accepted.
func (w *SampleWriter) Submit(job *WriteJob) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.running {
		w.metrics.RecordSample(metrics.SampleDropped)
		return false
	}

	worker := w.workers[shard(job.HostID, len(w.workers))]
	select {
	case worker.jobs <- job:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"host_id": job.HostID,
			"worker":  worker.id,
		}).Warn("Write queue full, dropping report")
		w.metrics.RecordSample(metrics.SampleDropped)
		return false
	}
}

// Stop refuses new jobs and waits for the queued ones to be written.
func (w *SampleWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	for _, worker := range w.workers {
		close(worker.jobs)
	}
	w.mu.Unlock()

	w.wg.Wait()
	logrus.Info("Sample writers stopped")
}

func shard(hostID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(hostID))
	return int(h.Sum32() % uint32(n))
}

func (ww *writeWorker) start() {
	defer ww.writer.wg.Done()
	for job := range ww.jobs {
		ww.execute(job)
	}
}

func (ww *writeWorker) execute(job *WriteJob) {
	w := ww.writer
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	log := logrus.WithFields(logrus.Fields{"host_id": job.HostID, "worker": ww.id})

	if job.SystemInfo != nil {
		err := w.store.UpsertSystemInfo(ctx, job.HostID, *job.SystemInfo)
		w.metrics.RecordDatabaseOperation("upsert_system_info", err)
		if err != nil {
			log.WithError(err).Error("Failed to store system info")
		}
	}

	if job.Metrics != nil {
		err := w.store.RecordSample(ctx, job.HostID, job.At, *job.Metrics)
		w.metrics.RecordDatabaseOperation("record_sample", err)
		if err != nil {
			log.WithError(err).Error("Failed to record sample, dropping it")
			w.metrics.RecordSample(metrics.SampleFailed)
			return
		}
		w.metrics.RecordSample(metrics.SampleStored)
	}
}
