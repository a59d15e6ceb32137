// Package capture keeps a continuous tail of a device's system log across
// reboots and reconnects, and gives test code bounded-time access to it.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture/archive"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/util/broadcaster"
	"go.uber.org/zap"
)

// Stats is a snapshot of the engine and its current session.
type Stats struct {
	Adapter    string
	State      State
	Active     bool
	Paused     bool
	Test       string
	Started    time.Time
	Path       string
	Bytes      int64
	Buffered   int
	Reboots    int64
	Reconnects int64
}

type Engine struct {
	log     *zap.SugaredLogger
	adapter Adapter
	cfg     config

	state  atomic.Int32
	states *broadcaster.Broadcaster[State]

	mu       sync.Mutex
	session  *session
	buf      logBuffer
	artifact *archive.Artifact
}

func New(log *zap.SugaredLogger, adapter Adapter, opts ...Option) *Engine {
	cfg := config{
		outputRoot:   ".",
		startTimeout: DefaultStartTimeout,
		stopTimeout:  DefaultStopTimeout,
		joinTimeout:  DefaultJoinTimeout,
		rebootSettle: DefaultRebootSettle,
		readyTimeout: DefaultReadyTimeout,
		silenceCheck: DefaultSilenceCheck,
		backoff:      DefaultBackoff,
		channelSize:  DefaultChannelSize,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.archiver == nil {
		cfg.archiver = archive.NewWriter(log, archive.CodecGzip)
	}

	e := &Engine{
		log:     log,
		adapter: adapter,
		cfg:     cfg,
		states:  broadcaster.New[State](),
	}
	e.states.Broadcast(StateIdle)

	return e
}

func (e *Engine) Adapter() Adapter {
	return e.adapter
}

func (e *Engine) rebootMarkers() RebootMarkers {
	if e.cfg.markers != nil {
		return *e.cfg.markers
	}

	return e.adapter.RebootMarkers()
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// States returns a listener for state changes made after this call.
func (e *Engine) States() *broadcaster.Listener[State] {
	return e.states.Listener()
}

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) == s {
		return
	}

	e.log.Debug("Capture state: ", s)
	e.states.Broadcast(s)
}

// setSessionState applies a worker's state change only while s is the current
// session. A worker left behind by a timed out Stop cannot touch the next one.
func (e *Engine) setSessionState(s *session, state State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != s {
		e.log.Debug("Ignoring state ", state, " from a finished session")
		return
	}

	e.setState(state)
}

// Start begins a capture session for testName. It returns true once the remote
// tail has been issued, or once the start timeout passes without word from the
// worker. It returns false when the tail could not be enabled; the cause is
// logged. The only error returned is ErrSessionActive or a failure to create
// the log directory.
func (e *Engine) Start(testName string, opts ...StartOption) (bool, error) {
	var sc startConfig
	for _, opt := range opts {
		opt(&sc)
	}

	e.mu.Lock()

	if e.session != nil {
		e.mu.Unlock()
		return false, ErrSessionActive
	}

	now := e.cfg.now()
	dir := sessionDir(e.cfg.outputRoot, sc.testClass, sc.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.mu.Unlock()
		return false, fmt.Errorf("create log directory: %w", err)
	}

	s := newSession(testName, rawLogPath(dir, testName, now), sc, e.cfg.channelSize, now)
	e.session = s
	e.buf.reset()
	e.artifact = nil

	e.mu.Unlock()

	e.log.Debug("Starting logger for ", testName, " at ", s.rawPath)

	w := &worker{
		log:     e.log,
		adapter: e.adapter,
		cfg:     &e.cfg,
		s:       s,
		setState: func(state State) {
			e.setSessionState(s, state)
		},
		detector: NewRebootDetector(e.rebootMarkers()),
	}
	go w.run()

	timer := time.NewTimer(e.cfg.startTimeout)
	defer timer.Stop()

	select {
	case <-s.started:
	case <-timer.C:
		e.log.Warn("Log tail did not confirm start within ", e.cfg.startTimeout)
		return true, nil
	}

	if err := s.startError(); err != nil {
		e.log.Error("Failed to start log capture: ", err)
		s.cancel()
		e.join(s)

		e.mu.Lock()
		e.session = nil
		e.mu.Unlock()
		e.setState(StateIdle)

		return false, nil
	}

	return true, nil
}

// Stop ends the session, waits for the worker within the configured bounds and
// writes the artifact. Archive failures are logged, not returned.
func (e *Engine) Stop(opts ...StopOption) error {
	sc := stopConfig{save: true, compress: true}
	for _, opt := range opts {
		opt(&sc)
	}

	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return ErrNoSession
	}

	e.buf.closeTemp()
	e.buf.closeKeyword()
	e.drainLocked()
	e.mu.Unlock()

	e.log.Debug("Stopping logger")
	e.setState(StateStopping)
	s.cancel()
	e.join(s)

	e.mu.Lock()
	e.drainLocked()
	text := e.buf.takeLog()
	e.session = nil
	e.mu.Unlock()

	if sc.save {
		e.save(s, text, sc.compress)
	} else {
		e.log.Debug("Not saving log")
	}

	e.setState(StateIdle)
	return nil
}

// join waits for the worker to acknowledge cancellation, force-closes the
// stream if it does not, then waits for the worker to exit.
func (e *Engine) join(s *session) {
	stopTimer := time.NewTimer(e.cfg.stopTimeout)
	defer stopTimer.Stop()

	select {
	case <-s.stopped:
	case <-stopTimer.C:
		e.log.Warn("Capture worker did not stop within ", e.cfg.stopTimeout, ", closing transport")
		if err := s.forceClose(); err != nil {
			e.log.Debug("Force close: ", err)
		}
	}

	joinTimer := time.NewTimer(e.cfg.joinTimeout)
	defer joinTimer.Stop()

	select {
	case <-s.done:
	case <-joinTimer.C:
		e.log.Error("Capture worker did not exit within ", e.cfg.joinTimeout)
	}
}

func (e *Engine) save(s *session, text string, compress bool) {
	if err := e.cfg.archiver.Append(s.rawPath, text); err != nil {
		e.log.Error("Failed to save log to a file: ", err)
		return
	}

	artifact, err := e.cfg.archiver.Finalize(s.rawPath, compress)
	if err != nil {
		e.log.Error("Failed to archive log: ", err)
		return
	}

	e.mu.Lock()
	e.artifact = &artifact
	e.mu.Unlock()

	e.log.Info("Saved log to ", artifact.Path)
}

// LastArtifact returns the file written by the most recent Stop.
func (e *Engine) LastArtifact() (archive.Artifact, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.artifact == nil {
		return archive.Artifact{}, false
	}

	return *e.artifact, true
}

// drainLocked moves everything the worker has handed over into the views.
// e.mu must be held.
func (e *Engine) drainLocked() {
	s := e.session
	if s == nil {
		return
	}

	for {
		select {
		case chunk := <-s.chunks:
			e.consumeLocked(s, chunk)
			continue
		default:
		}
		break
	}

	if s.finished() {
		if data := s.takeLeftover(); len(data) > 0 {
			e.consumeLocked(s, data)
		}
	}
}

func (e *Engine) consumeLocked(s *session, chunk []byte) {
	e.buf.write(chunk)

	if !s.incremental {
		return
	}

	if err := e.cfg.archiver.Append(s.rawPath, e.buf.takeLog()); err != nil {
		e.log.Error("Failed to save log incrementally: ", err)
	}
}

// Log returns the full capture view. With incremental save it only holds text
// not yet written to the session file.
func (e *Engine) Log() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked()
	return e.buf.log.String()
}

// StartTempLog opens a temporary capture window.
func (e *Engine) StartTempLog() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked()
	e.buf.openTemp()
}

// TempLog returns what the temporary window captured since the last call and
// clears it.
func (e *Engine) TempLog() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked()
	return e.buf.takeTemp()
}

func (e *Engine) StopTempLog() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked()
	e.buf.closeTemp()
}

// CheckKeyword waits up to timeout for w to match text captured after the
// call. It returns false without waiting when no session is active.
func (e *Engine) CheckKeyword(w Watch, timeout time.Duration) (bool, error) {
	match, err := w.compile()
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return false, nil
	}
	e.drainLocked()
	e.buf.openKeyword()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.buf.closeKeyword()
		e.mu.Unlock()
	}()

	e.log.Debug("Looking for ", w)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.cfg.pollInterval)
	defer ticker.Stop()

	for {
		e.mu.Lock()
		e.drainLocked()
		text, open := e.buf.keywordText()
		e.mu.Unlock()

		if !open {
			return false, nil
		}

		if found, ok := match(text); ok {
			e.log.Debug("Found ", found)
			return true, nil
		}

		if !time.Now().Before(deadline) {
			return false, nil
		}

		<-ticker.C
	}
}

func (e *Engine) Pause() error {
	return e.control(controlPause)
}

func (e *Engine) Resume() error {
	return e.control(controlResume)
}

func (e *Engine) control(kind controlKind) error {
	if _, ok := e.adapter.(Pauser); !ok {
		return ErrPauseUnsupported
	}

	e.mu.Lock()
	s := e.session
	e.mu.Unlock()

	if s == nil {
		return ErrNoSession
	}

	req := controlRequest{
		kind:  kind,
		label: Timestamp(e.cfg.now()),
		reply: make(chan error, 1),
	}

	timer := time.NewTimer(e.cfg.stopTimeout)
	defer timer.Stop()

	select {
	case s.control <- req:
	case <-s.done:
		return ErrNoSession
	case <-timer.C:
		return context.DeadlineExceeded
	}

	select {
	case err := <-req.reply:
		return err
	case <-timer.C:
		return context.DeadlineExceeded
	}
}

// Logread returns a one-shot dump of the device log, saved under the Logread
// directory unless disabled.
func (e *Engine) Logread(ctx context.Context, opts ...LogreadOption) (string, error) {
	lc := logreadConfig{save: true}
	for _, opt := range opts {
		opt(&lc)
	}

	dumper, ok := e.adapter.(Dumper)
	if !ok {
		return "", ErrDumpUnsupported
	}

	e.mu.Lock()
	active := e.session != nil
	e.mu.Unlock()

	if active && !dumper.IndependentChannels() {
		return "", ErrChannelBusy
	}

	e.log.Info("Getting log of device under test")
	text, err := dumper.Dump(ctx)
	if err != nil {
		return "", fmt.Errorf("logread: %w", err)
	}

	if lc.save {
		name := lc.name
		if name == "" {
			name = DefaultDumpName
		}

		path := rawLogPath(filepath.Join(e.cfg.outputRoot, LogreadDir), name, e.cfg.now())
		if err := e.cfg.archiver.Append(path, text); err != nil {
			e.log.Error("Failed to save logread to a file: ", err)
		} else if artifact, err := e.cfg.archiver.Finalize(path, true); err != nil {
			e.log.Error("Failed to archive logread: ", err)
		} else {
			e.log.Info("Saved logread to ", artifact.Path)
		}
	}

	return text, nil
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked()

	st := Stats{
		Adapter:  e.adapter.Name(),
		State:    e.State(),
		Buffered: e.buf.log.Len(),
	}

	if s := e.session; s != nil {
		st.Active = true
		st.Test = s.testName
		st.Started = s.startedAt
		st.Path = s.rawPath
		st.Paused = s.paused.Load()
		st.Bytes = s.bytes.Load()
		st.Reboots = s.reboots.Load()
		st.Reconnects = s.reconnects.Load()
	}

	return st
}

// Close releases the state broadcaster. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.states.Close()
}
