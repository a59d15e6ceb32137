package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errFakeClosed = errors.New("fake stream closed")

// fakeStream serves scripted chunks, then idles. With endErr set it fails once
// the script is used up; with stubborn set it ignores cancellation until closed.
type fakeStream struct {
	mu       sync.Mutex
	chunks   []string
	written  []string
	endErr   error
	echo     bool
	stubborn bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream(chunks ...string) *fakeStream {
	return &fakeStream{
		chunks: chunks,
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) push(chunks ...string) {
	f.mu.Lock()
	f.chunks = append(f.chunks, chunks...)
	f.mu.Unlock()
}

func (f *fakeStream) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.chunks)
}

func (f *fakeStream) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.written...)
}

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeStream) Read(ctx context.Context) ([]byte, error) {
	if f.isClosed() {
		return nil, errFakeClosed
	}

	f.mu.Lock()
	if len(f.chunks) > 0 {
		chunk := f.chunks[0]
		f.chunks = f.chunks[1:]
		f.mu.Unlock()
		return []byte(chunk), nil
	}
	endErr := f.endErr
	f.mu.Unlock()

	if endErr != nil {
		return nil, endErr
	}

	if f.stubborn {
		<-f.closed
		return nil, errFakeClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errFakeClosed
	case <-time.After(2 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeStream) Write(cmd string) error {
	if f.isClosed() {
		return errFakeClosed
	}

	f.mu.Lock()
	f.written = append(f.written, cmd)
	if f.echo {
		f.chunks = append(f.chunks, cmd+"\n")
	}
	f.mu.Unlock()

	return nil
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
	})
	return nil
}

// fakeAdapter hands out its streams in order, first from Enable and then from
// each Reconnect.
type fakeAdapter struct {
	mu        sync.Mutex
	streams   []*fakeStream
	next      int
	enableErr error
	notReady  bool
	markers   RebootMarkers

	enables    atomic.Int32
	reconnects atomic.Int32
	disables   atomic.Int32
}

func newFakeAdapter(streams ...*fakeStream) *fakeAdapter {
	return &fakeAdapter{streams: streams}
}

func (a *fakeAdapter) nextStream() (Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next >= len(a.streams) {
		return nil, errors.New("no more fake streams")
	}

	s := a.streams[a.next]
	a.next++
	return s, nil
}

func (a *fakeAdapter) Name() string {
	return "fake"
}

func (a *fakeAdapter) Enable(ctx context.Context, filter string) (Stream, error) {
	a.enables.Add(1)
	if a.enableErr != nil {
		return nil, a.enableErr
	}

	return a.nextStream()
}

func (a *fakeAdapter) Disable(ctx context.Context, stream Stream) error {
	a.disables.Add(1)
	return stream.Close()
}

func (a *fakeAdapter) Reconnect(ctx context.Context, filter string) (Stream, error) {
	a.reconnects.Add(1)
	return a.nextStream()
}

func (a *fakeAdapter) ProbeReady(ctx context.Context, timeout time.Duration) bool {
	return !a.notReady
}

func (a *fakeAdapter) RebootMarkers() RebootMarkers {
	return a.markers
}

// annotatingAdapter adds audit and pause markers.
type annotatingAdapter struct {
	*fakeAdapter
}

func (a annotatingAdapter) Annotate(stream Stream, label string) error {
	return stream.Write("echo " + label)
}

func (a annotatingAdapter) PauseMarker(stream Stream, label string) error {
	return stream.Write("pause log echo " + label)
}

func (a annotatingAdapter) ResumeMarker(stream Stream, label string) error {
	return stream.Write("resume log echo " + label)
}

type dumpingAdapter struct {
	*fakeAdapter
	dump        string
	independent bool
}

func (a dumpingAdapter) Dump(ctx context.Context) (string, error) {
	return a.dump, nil
}

func (a dumpingAdapter) IndependentChannels() bool {
	return a.independent
}

// silenceAdapter reports the device gone once per gone.Store(true).
type silenceAdapter struct {
	*fakeAdapter
	gone *atomic.Bool
}

func (a silenceAdapter) DeviceGone(ctx context.Context) bool {
	return a.gone.Swap(false)
}

func (a silenceAdapter) RebootSettle() time.Duration {
	return 0
}

// slowReadyAdapter takes its time answering ProbeReady and ignores cancellation
// while doing so.
type slowReadyAdapter struct {
	*fakeAdapter
	delay time.Duration
}

func (a slowReadyAdapter) ProbeReady(ctx context.Context, timeout time.Duration) bool {
	time.Sleep(a.delay)
	return true
}
