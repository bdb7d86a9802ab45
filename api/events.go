package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

type publishJob struct {
	scopeID domain.ID
	event   domain.BoardEvent
}

var (
	once            sync.Once
	jobs            chan publishJob
	workerCount     int
	jobBuf          int
	publishTimeout  time.Duration
	handoffTimeout  time.Duration
	bg              = context.Background()
	globalPublisher Publisher
	globalLog       *log.Logger
	workerWG        sync.WaitGroup
)

// shutdownEventPublisher stops worker goroutines and clears shared state. It is intended for tests.
func shutdownEventPublisher() {
	if jobs != nil {
		close(jobs)
		jobs = nil
	}

	workerWG.Wait()

	globalPublisher = nil
	globalLog = nil
	workerCount = 0
	jobBuf = 0
	publishTimeout = 0
	handoffTimeout = 0
	once = sync.Once{}
	workerWG = sync.WaitGroup{}
}

// initEventPublisher starts the background workers that push board events to
// the queue. Events are advisory for downstream read models, so a saturated
// buffer falls back to inline publication rather than dropping the request.
func initEventPublisher(pub Publisher, logger *log.Logger) {
	once.Do(func() {
		globalPublisher = pub
		if logger == nil {
			panic("Logger is not initialized")
		}
		globalLog = logger

		workerCount = envInt("EVENT_WORKERS", 8)
		jobBuf = envInt("EVENT_BUFFER", 1024)
		publishTimeout = envDur("EVENT_PUBLISH_TIMEOUT", 30*time.Second)
		handoffTimeout = envDur("EVENT_HANDOFF_TIMEOUT", 15*time.Millisecond)

		jobs = make(chan publishJob, jobBuf)
		for i := 0; i < workerCount; i++ {
			workerWG.Add(1)
			go worker(i, jobs)
		}
		globalLog.Infof("event publisher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", workerCount, jobBuf, publishTimeout, handoffTimeout)
	})
}

func worker(id int, jobCh <-chan publishJob) {
	defer workerWG.Done()
	for j := range jobCh {
		ctx, cancel := context.WithTimeout(bg, publishTimeout)
		err := globalPublisher.Publish(ctx, j.scopeID, j.event)
		cancel()

		if err != nil {
			globalLog.Errorf("event publish failed, err: %v, scope: %s, type: %s, worker: %d", err, j.scopeID, j.event.Type, id)
		}
	}
}

// publishEvent hands the event to a worker, or publishes inline when the
// buffer is saturated. Publish failures are logged, never surfaced: the board
// state is already confirmed and read models reconcile on their next load.
func publishEvent(pub Publisher, scopeID domain.ID, ev domain.BoardEvent) {
	if pub == nil {
		return
	}
	job := publishJob{scopeID: scopeID, event: ev}
	if tryPublishJob(job) {
		return
	}

	if globalLog != nil {
		globalLog.Warn("event buffer saturated; publishing inline")
	}
	timeout := publishTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(bg, timeout)
	defer cancel()
	if err := pub.Publish(ctx, scopeID, ev); err != nil && globalLog != nil {
		globalLog.Errorf("inline event publish failed, err: %v, scope: %s, type: %s", err, scopeID, ev.Type)
	}
}

func tryPublishJob(job publishJob) bool {
	if jobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(jobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(jobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan publishJob, job publishJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan publishJob, job publishJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
