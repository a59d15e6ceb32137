package capture

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

const (
	finalReadTimeout = 500 * time.Millisecond
	pauseEchoTimeout = 500 * time.Millisecond
)

type controlKind int

const (
	controlPause controlKind = iota
	controlResume
)

type controlRequest struct {
	kind  controlKind
	label string
	reply chan error
}

// session is one Start..Stop capture. The worker goroutine owns the stream;
// the engine only reads from chunks and, after done, from leftover.
type session struct {
	testName    string
	rawPath     string
	grep        string
	incremental bool
	startedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	chunks  chan []byte
	control chan controlRequest

	started     chan struct{}
	startedOnce sync.Once
	stopped     chan struct{}
	stoppedOnce sync.Once
	done        chan struct{}

	mu       sync.Mutex
	stream   Stream
	startErr error
	leftover []byte

	bytes      atomic.Int64
	reboots    atomic.Int64
	reconnects atomic.Int64
	paused     atomic.Bool
}

func newSession(testName string, rawPath string, sc startConfig, channelSize int, now time.Time) *session {
	ctx, cancel := context.WithCancel(context.Background())

	return &session{
		testName:    testName,
		rawPath:     rawPath,
		grep:        sc.grep,
		incremental: sc.incremental,
		startedAt:   now,
		ctx:         ctx,
		cancel:      cancel,
		chunks:      make(chan []byte, channelSize),
		control:     make(chan controlRequest),
		started:     make(chan struct{}),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *session) signalStarted(err error) {
	s.startedOnce.Do(func() {
		s.mu.Lock()
		s.startErr = err
		s.mu.Unlock()
		close(s.started)
	})
}

func (s *session) signalStopped() {
	s.stoppedOnce.Do(func() {
		close(s.stopped)
	})
}

func (s *session) startError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.startErr
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) currentStream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stream
}

func (s *session) setStream(stream Stream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

// closeStream closes and forgets the current stream.
func (s *session) closeStream() error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream == nil {
		return nil
	}

	return stream.Close()
}

// forceClose closes the stream without forgetting it, unblocking a read that
// ignores cancellation.
func (s *session) forceClose() error {
	stream := s.currentStream()
	if stream == nil {
		return nil
	}

	return stream.Close()
}

func (s *session) takeLeftover() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.leftover
	s.leftover = nil
	return data
}

type worker struct {
	log      *zap.SugaredLogger
	adapter  Adapter
	cfg      *config
	s        *session
	setState func(State)
	detector *RebootDetector

	pending []byte
	paused  bool

	// pausing is the label of a pause whose marker has not come back yet.
	pausing       string
	pauseDeadline time.Time
	pauseTail     []byte
}

func (w *worker) run() {
	defer close(w.s.done)

	var pc panics.Catcher
	pc.Try(w.loop)

	if r := pc.Recovered(); r != nil {
		err := r.AsError()
		w.log.Error("Capture worker panicked: ", err)
		w.s.signalStarted(err)
		w.s.signalStopped()
		w.keepPending()
	}

	w.setState(StateIdle)
}

func (w *worker) loop() {
	ctx := w.s.ctx

	w.setState(StateEnabling)
	stream, err := Retry(ctx, w.cfg.backoff, func(ctx context.Context) (Stream, error) {
		stream, err := w.adapter.Enable(ctx, w.s.grep)
		if err != nil {
			w.log.Warn("Failed to enable log tail: ", err)
		}
		return stream, err
	})
	if err != nil {
		w.s.signalStarted(fmt.Errorf("enable %s: %w", w.adapter.Name(), err))
		w.s.signalStopped()
		return
	}

	w.s.setStream(stream)
	w.annotate(stream, "start")

	w.setState(StateStreaming)
	w.s.signalStarted(nil)
	w.log.Info("Capturing logs")

	w.readLoop(ctx)
	w.s.signalStopped()

	w.teardown()
}

func (w *worker) readLoop(ctx context.Context) {
	silence, _ := w.adapter.(SilenceChecker)
	lastData := time.Now()
	lastCheck := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		w.serviceControl()
		w.expirePause()

		stream := w.s.currentStream()
		if stream == nil {
			return
		}

		data, err := stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			w.log.Warn("Read failed, most likely the connection is down: ", err)
			if !w.reconnect(ctx, false) {
				return
			}
			continue
		}

		if len(data) == 0 {
			w.flush()

			if silence != nil && time.Since(lastData) >= w.cfg.silenceCheck && time.Since(lastCheck) >= w.cfg.silenceCheck {
				lastCheck = time.Now()
				if silence.DeviceGone(ctx) {
					w.log.Info("Device is gone, system is rebooting")
					w.s.reboots.Add(1)
					if !w.reconnect(ctx, true) {
						return
					}
					lastData = time.Now()
				}
			}
			continue
		}

		lastData = time.Now()
		w.s.bytes.Add(int64(len(data)))

		w.keep(data)
		w.flush()

		if w.detector.Feed(data) {
			w.log.Info("System is rebooting")
			w.s.reboots.Add(1)
			if !w.reconnect(ctx, true) {
				return
			}
		}
	}
}

// flush hands the pending data to the engine without blocking. When the
// channel is full the data stays pending and is retried on the next read.
func (w *worker) flush() {
	if len(w.pending) == 0 {
		return
	}

	select {
	case w.s.chunks <- w.pending:
		w.pending = nil
	default:
	}
}

// keep queues data for the engine unless capture is paused. A requested pause
// only takes effect once the device has echoed its marker, so the marker is
// part of the log.
func (w *worker) keep(data []byte) {
	if w.paused {
		return
	}

	w.pending = append(w.pending, data...)

	if w.pausing == "" {
		return
	}

	w.pauseTail = append(w.pauseTail, data...)
	if bytes.Contains(w.pauseTail, []byte(w.pausing)) {
		w.enterPause()
		return
	}

	if keep := len(w.pausing) - 1; len(w.pauseTail) > keep {
		w.pauseTail = append([]byte(nil), w.pauseTail[len(w.pauseTail)-keep:]...)
	}
}

// expirePause pauses anyway when the marker echo does not arrive in time.
func (w *worker) expirePause() {
	if w.pausing == "" || time.Now().Before(w.pauseDeadline) {
		return
	}

	w.log.Warn("Pause marker was not echoed, pausing without it")
	w.enterPause()
}

func (w *worker) enterPause() {
	w.paused = true
	w.pausing = ""
	w.pauseTail = nil
}

func (w *worker) keepPending() {
	w.s.mu.Lock()
	w.s.leftover = append(w.s.leftover, w.pending...)
	w.s.mu.Unlock()
	w.pending = nil
}

func (w *worker) reconnect(ctx context.Context, reboot bool) bool {
	w.setState(StateReconnecting)
	w.s.reconnects.Add(1)

	if err := w.s.closeStream(); err != nil {
		w.log.Debug("Closing stream before reconnect: ", err)
	}

	if reboot {
		if !sleepContext(ctx, w.settle()) {
			return false
		}
	}

	if !w.adapter.ProbeReady(ctx, w.cfg.readyTimeout) {
		if ctx.Err() == nil {
			w.log.Error("Device didn't reconnect within ", w.cfg.readyTimeout)
		}
		return false
	}

	stream, err := Retry(ctx, w.cfg.backoff, func(ctx context.Context) (Stream, error) {
		stream, err := w.adapter.Reconnect(ctx, w.s.grep)
		if err != nil {
			w.log.Warn("Reconnect attempt failed: ", err)
		}
		return stream, err
	})
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("Giving up on device: ", err)
		}
		return false
	}

	w.s.setStream(stream)
	w.detector.Reset()
	w.setState(StateStreaming)
	w.log.Info("Reconnected, capturing logs")

	return true
}

func (w *worker) settle() time.Duration {
	if s, ok := w.adapter.(RebootSettler); ok {
		return s.RebootSettle()
	}

	return w.cfg.rebootSettle
}

func (w *worker) serviceControl() {
	for {
		select {
		case req := <-w.s.control:
			req.reply <- w.handleControl(req)
		default:
			return
		}
	}
}

func (w *worker) handleControl(req controlRequest) error {
	pauser, ok := w.adapter.(Pauser)
	if !ok {
		return ErrPauseUnsupported
	}

	stream := w.s.currentStream()
	if stream == nil {
		return ErrNoSession
	}

	switch req.kind {
	case controlPause:
		if err := pauser.PauseMarker(stream, req.label); err != nil {
			return err
		}
		w.pausing = req.label
		w.pauseDeadline = time.Now().Add(pauseEchoTimeout)
		w.pauseTail = nil
		w.s.paused.Store(true)
		w.log.Info("Capture paused")
	case controlResume:
		w.paused = false
		w.pausing = ""
		w.pauseTail = nil
		w.s.paused.Store(false)
		if err := pauser.ResumeMarker(stream, req.label); err != nil {
			return err
		}
		w.log.Info("Capture resumed")
	}

	return nil
}

func (w *worker) annotate(stream Stream, label string) bool {
	annotator, ok := w.adapter.(Annotator)
	if !ok {
		return false
	}

	if err := annotator.Annotate(stream, label+" "+Timestamp(w.cfg.now())); err != nil {
		w.log.Debug("Failed to write ", label, " marker: ", err)
		return false
	}

	return true
}

func (w *worker) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.stopTimeout)
	defer cancel()

	stream := w.s.currentStream()
	if stream != nil {
		if w.annotate(stream, "end") {
			readCtx, readCancel := context.WithTimeout(ctx, finalReadTimeout)
			data, err := stream.Read(readCtx)
			readCancel()
			if err == nil {
				w.keep(data)
			}
		}

		if err := w.adapter.Disable(ctx, stream); err != nil {
			w.log.Warn("Failed to disable log tail: ", err)
		}

		w.s.setStream(nil)
	}

	w.keepPending()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
