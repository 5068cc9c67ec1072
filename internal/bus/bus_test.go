package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbright/watchbook/internal/fsm"
	"github.com/rbright/watchbook/internal/shm"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "watchbook-test"
	testCapacity = 64
	testPoll     = 5 * time.Millisecond
)

type faultProvider struct {
	shm.Provider
	createErr map[string]error
	lockFail  map[string]*atomic.Bool

	creates  atomic.Int32
	attaches atomic.Int32
}

type faultSegment struct {
	shm.Segment
	fail *atomic.Bool
}

func newFaultProvider() *faultProvider {
	return &faultProvider{
		Provider:  shm.NewMemory(),
		createErr: map[string]error{},
		lockFail:  map[string]*atomic.Bool{},
	}
}

func (p *faultProvider) Create(name string, size int) (shm.Segment, error) {
	p.creates.Add(1)
	if err, ok := p.createErr[name]; ok {
		return nil, err
	}
	seg, err := p.Provider.Create(name, size)
	if err != nil {
		return nil, err
	}
	return &faultSegment{Segment: seg, fail: p.lockFail[name]}, nil
}

func (p *faultProvider) Attach(name string, size int) (shm.Segment, error) {
	p.attaches.Add(1)
	seg, err := p.Provider.Attach(name, size)
	if err != nil {
		return nil, err
	}
	return &faultSegment{Segment: seg, fail: p.lockFail[name]}, nil
}

func (s *faultSegment) Lock() error {
	if s.fail != nil && s.fail.Load() {
		return errors.New("injected lock failure")
	}
	return s.Segment.Lock()
}

func newTestBus(t *testing.T, provider shm.Provider) *Bus {
	t.Helper()
	b, err := New(Options{Key: testKey, Capacity: testCapacity, PollInterval: testPoll, Provider: provider})
	require.NoError(t, err)
	t.Cleanup(func() { b.Detach() })
	return b
}

func controlName() string { return shm.SafeName(testKey, "control") }

func dataName() string { return shm.SafeName(testKey, "data") }

// listenAsync runs Listen until the returned stop func is called.
func listenAsync(t *testing.T, b *Bus) (<-chan Request, func() error) {
	t.Helper()
	requests := make(chan Request, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Listen(ctx, HandlerFunc(func(_ context.Context, req Request) {
			requests <- req
		}))
	}()
	return requests, func() error {
		cancel()
		return <-done
	}
}

func receive(t *testing.T, requests <-chan Request) Request {
	t.Helper()
	select {
	case req := <-requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
		return Request{}
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, errEmptyKey)

	_, err = New(Options{Key: "k", Capacity: -1})
	require.ErrorIs(t, err, errInvalidCapacity)

	_, err = New(Options{Key: "k", PollInterval: -time.Second})
	require.ErrorIs(t, err, errInvalidPollSetting)

	b, err := New(Options{Key: "k", Provider: shm.NewMemory()})
	require.NoError(t, err)
	require.Equal(t, DefaultCapacity, b.Capacity())
	require.Equal(t, DefaultPollInterval, b.pollInterval)
	require.False(t, b.IsInitialized())
	require.False(t, b.IsMaster())
}

func TestInitMasterStartsIdle(t *testing.T) {
	mem := shm.NewMemory()
	master := newTestBus(t, mem)

	isMaster, err := master.Init()
	require.NoError(t, err)
	require.True(t, isMaster)
	require.True(t, master.IsInitialized())
	require.True(t, master.IsMaster())

	snap, err := Inspect(Options{Key: testKey, Capacity: testCapacity, Provider: mem})
	require.NoError(t, err)
	require.True(t, snap.Present)
	require.Equal(t, fsm.StateIdle, snap.State)

	data, err := mem.Attach(dataName(), PayloadSize(testCapacity))
	require.NoError(t, err)
	defer data.Detach()
	buf := make([]byte, PayloadSize(testCapacity))
	_, err = data.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "", DecodePath(buf))
	require.Equal(t, make([]byte, len(buf)), buf)
}

func TestInitSecondParticipantIsSlave(t *testing.T) {
	mem := shm.NewMemory()
	master := newTestBus(t, mem)
	slave := newTestBus(t, mem)

	isMaster, err := master.Init()
	require.NoError(t, err)
	require.True(t, isMaster)

	isMaster, err = slave.Init()
	require.NoError(t, err)
	require.False(t, isMaster)
	require.True(t, slave.IsInitialized())
}

func TestInitIsIdempotent(t *testing.T) {
	provider := newFaultProvider()
	b := newTestBus(t, provider)

	first, err := b.Init()
	require.NoError(t, err)
	creates, attaches := provider.creates.Load(), provider.attaches.Load()

	second, err := b.Init()
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, creates, provider.creates.Load())
	require.Equal(t, attaches, provider.attaches.Load())
}

func TestInitElectsSingleMaster(t *testing.T) {
	mem := shm.NewMemory()
	const participants = 24

	buses := make([]*Bus, participants)
	for i := range buses {
		buses[i] = newTestBus(t, mem)
	}

	var (
		masters atomic.Int32
		wg      sync.WaitGroup
		start   = make(chan struct{})
	)
	for _, b := range buses {
		wg.Add(1)
		go func(b *Bus) {
			defer wg.Done()
			<-start
			isMaster, err := b.Init()
			if err != nil {
				t.Errorf("Init() error = %v", err)
				return
			}
			if isMaster {
				masters.Add(1)
			}
		}(b)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), masters.Load())
}

func TestInitAsymmetricCreateIsInconsistent(t *testing.T) {
	mem := shm.NewMemory()
	leftover, err := mem.Create(controlName(), 1)
	require.NoError(t, err)
	defer leftover.Detach()

	b := newTestBus(t, mem)
	_, err = b.Init()
	require.ErrorIs(t, err, ErrInconsistentState)
	require.False(t, b.IsInitialized())
	require.False(t, b.IsMaster())
	require.False(t, mem.Exists(dataName()), "created data segment must be released")
}

func TestInitCreateFailure(t *testing.T) {
	provider := newFaultProvider()
	boom := errors.New("no space left on device")
	provider.createErr[controlName()] = boom
	provider.createErr[dataName()] = boom

	b := newTestBus(t, provider)
	_, err := b.Init()
	require.ErrorIs(t, err, ErrSegmentCreate)
	require.ErrorIs(t, err, boom)
	require.False(t, b.IsInitialized())
}

func TestInitLockFailureDuringMasterSetup(t *testing.T) {
	provider := newFaultProvider()
	fail := &atomic.Bool{}
	fail.Store(true)
	provider.lockFail[controlName()] = fail

	b := newTestBus(t, provider)
	_, err := b.Init()
	require.ErrorIs(t, err, ErrLock)
	require.False(t, b.IsInitialized())
	require.False(t, provider.Provider.(*shm.Memory).Exists(controlName()))
}

func TestDetachAndReinit(t *testing.T) {
	mem := shm.NewMemory()
	b := newTestBus(t, mem)

	require.False(t, b.Detach(), "detach before init is a no-op")

	isMaster, err := b.Init()
	require.NoError(t, err)
	require.True(t, isMaster)

	require.True(t, b.Detach())
	require.False(t, b.IsInitialized())
	require.False(t, b.IsMaster())
	require.False(t, b.Detach())
	require.False(t, mem.Exists(controlName()))

	isMaster, err = b.Init()
	require.NoError(t, err)
	require.True(t, isMaster, "re-init with no live master must win the election")
}

func TestDetachedMasterLetsNextProcessWin(t *testing.T) {
	mem := shm.NewMemory()
	old := newTestBus(t, mem)
	_, err := old.Init()
	require.NoError(t, err)
	require.True(t, old.Detach())

	next := newTestBus(t, mem)
	isMaster, err := next.Init()
	require.NoError(t, err)
	require.True(t, isMaster)
}

func TestRequestsAreNoOpsOutsideTheirRole(t *testing.T) {
	mem := shm.NewMemory()
	b := newTestBus(t, mem)

	require.ErrorIs(t, b.SendNewDocumentRequest(context.Background()), ErrNotInitialized)
	require.ErrorIs(t, b.SendOpenDocumentRequest(context.Background(), "/x"), ErrNotInitialized)
	require.ErrorIs(t, b.Listen(context.Background(), HandlerFunc(func(context.Context, Request) {})), ErrNotInitialized)

	_, err := b.Init()
	require.NoError(t, err)
	require.ErrorIs(t, b.SendNewDocumentRequest(context.Background()), ErrMaster)
	require.ErrorIs(t, b.Listen(context.Background(), nil), errNilRequestHandler)

	slave := newTestBus(t, mem)
	_, err = slave.Init()
	require.NoError(t, err)
	require.ErrorIs(t, slave.Listen(context.Background(), HandlerFunc(func(context.Context, Request) {})), ErrNotMaster)
}

func TestOpenDocumentRoundTrip(t *testing.T) {
	mem := shm.NewMemory()
	master := newTestBus(t, mem)
	slave := newTestBus(t, mem)
	_, err := master.Init()
	require.NoError(t, err)
	_, err = slave.Init()
	require.NoError(t, err)

	requests, stop := listenAsync(t, master)
	defer func() { require.NoError(t, stop()) }()

	require.NoError(t, slave.SendOpenDocumentRequest(context.Background(), "/srv/wache/bericht.wbr"))
	req := receive(t, requests)
	require.Equal(t, fsm.StateOpenDocument, req.Kind)
	require.Equal(t, "/srv/wache/bericht.wbr", req.Path)

	require.NoError(t, slave.SendNewDocumentRequest(context.Background()))
	req = receive(t, requests)
	require.Equal(t, fsm.StateNewDocument, req.Kind)
	require.Empty(t, req.Path)
}

func TestOpenDocumentRoundTripsNonUTF8Path(t *testing.T) {
	mem := shm.NewMemory()
	master := newTestBus(t, mem)
	slave := newTestBus(t, mem)
	_, err := master.Init()
	require.NoError(t, err)
	_, err = slave.Init()
	require.NoError(t, err)

	requests, stop := listenAsync(t, master)
	defer func() { require.NoError(t, stop()) }()

	for _, path := range []string{"/home/duty/bericht_\xe4.wbr", "/home/duty/bericht_\xfc.wbr"} {
		require.NoError(t, slave.SendOpenDocumentRequest(context.Background(), path))
		require.Equal(t, path, receive(t, requests).Path)
	}
}

func TestOpenDocumentTruncatesAtCapacity(t *testing.T) {
	mem := shm.NewMemory()
	master := newTestBus(t, mem)
	slave := newTestBus(t, mem)
	_, err := master.Init()
	require.NoError(t, err)
	_, err = slave.Init()
	require.NoError(t, err)

	requests, stop := listenAsync(t, master)
	defer func() { require.NoError(t, stop()) }()

	exact := "/" + strings.Repeat("a", testCapacity-1)
	require.Len(t, exact, testCapacity)
	require.NoError(t, slave.SendOpenDocumentRequest(context.Background(), exact))
	require.Equal(t, exact, receive(t, requests).Path)

	require.NoError(t, slave.SendOpenDocumentRequest(context.Background(), exact+"p"))
	require.Equal(t, exact, receive(t, requests).Path)
}

func TestSendersAreMutuallyExclusive(t *testing.T) {
	mem := shm.NewMemory()
	master := newTestBus(t, mem)
	first := newTestBus(t, mem)
	second := newTestBus(t, mem)
	_, err := master.Init()
	require.NoError(t, err)
	_, err = first.Init()
	require.NoError(t, err)
	_, err = second.Init()
	require.NoError(t, err)

	require.NoError(t, first.SendOpenDocumentRequest(context.Background(), "/first"))

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- second.SendOpenDocumentRequest(context.Background(), "/second")
	}()

	select {
	case <-secondDone:
		t.Fatal("second sender published while a request was in flight")
	case <-time.After(10 * testPoll):
	}

	snap, err := Inspect(Options{Key: testKey, Capacity: testCapacity, Provider: mem})
	require.NoError(t, err)
	require.Equal(t, fsm.StateOpenDocument, snap.State)
	require.Equal(t, "/first", snap.Path)

	req, ok, err := master.drain()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/first", req.Path)

	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second sender never published after drain")
	}

	req, ok, err = master.drain()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/second", req.Path)

	_, ok, err = master.drain()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSendStopsWhenContextEndsWhileBusy(t *testing.T) {
	mem := shm.NewMemory()
	master := newTestBus(t, mem)
	slave := newTestBus(t, mem)
	_, err := master.Init()
	require.NoError(t, err)
	_, err = slave.Init()
	require.NoError(t, err)

	require.NoError(t, slave.SendNewDocumentRequest(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = slave.SendNewDocumentRequest(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendLockFailureAborts(t *testing.T) {
	provider := newFaultProvider()
	fail := &atomic.Bool{}
	provider.lockFail[controlName()] = fail

	master := newTestBus(t, provider)
	slave := newTestBus(t, provider)
	_, err := master.Init()
	require.NoError(t, err)
	_, err = slave.Init()
	require.NoError(t, err)

	fail.Store(true)
	err = slave.SendOpenDocumentRequest(context.Background(), "/x")
	require.ErrorIs(t, err, ErrLock)
}

func TestListenStopsOnLockFailure(t *testing.T) {
	provider := newFaultProvider()
	fail := &atomic.Bool{}
	provider.lockFail[dataName()] = fail

	master := newTestBus(t, provider)
	slave := newTestBus(t, provider)
	_, err := master.Init()
	require.NoError(t, err)
	_, err = slave.Init()
	require.NoError(t, err)

	require.NoError(t, slave.SendNewDocumentRequest(context.Background()))
	fail.Store(true)

	err = master.Listen(context.Background(), HandlerFunc(func(context.Context, Request) {
		t.Error("handler must not run after a failed drain")
	}))
	require.ErrorIs(t, err, ErrLock)
}

func TestListenDiscardsCorruptControlValue(t *testing.T) {
	mem := shm.NewMemory()
	master := newTestBus(t, mem)
	_, err := master.Init()
	require.NoError(t, err)

	control, err := mem.Attach(controlName(), 1)
	require.NoError(t, err)
	defer control.Detach()
	require.NoError(t, control.Lock())
	_, err = control.WriteAt([]byte{0x7f}, 0)
	require.NoError(t, err)
	require.NoError(t, control.Unlock())

	_, ok, err := master.drain()
	require.NoError(t, err)
	require.False(t, ok)

	state, err := readState(control)
	require.NoError(t, err)
	require.Equal(t, fsm.StateIdle, state)
}

func TestListenReturnsPromptlyOnCancel(t *testing.T) {
	mem := shm.NewMemory()
	b, err := New(Options{Key: testKey, Capacity: testCapacity, PollInterval: 100 * time.Millisecond, Provider: mem})
	require.NoError(t, err)
	t.Cleanup(func() { b.Detach() })
	_, err = b.Init()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Listen(ctx, HandlerFunc(func(context.Context, Request) {}))
	}()

	time.Sleep(30 * time.Millisecond)
	cancelled := time.Now()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Less(t, time.Since(cancelled), 150*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}

func TestListenEndsWhenBusDetached(t *testing.T) {
	mem := shm.NewMemory()
	b := newTestBus(t, mem)
	_, err := b.Init()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- b.Listen(context.Background(), HandlerFunc(func(context.Context, Request) {}))
	}()

	time.Sleep(3 * testPoll)
	require.True(t, b.Detach())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNotInitialized)
	case <-time.After(time.Second):
		t.Fatal("Listen kept running after detach")
	}
}

func TestInspectWithoutBus(t *testing.T) {
	snap, err := Inspect(Options{Key: testKey, Provider: shm.NewMemory()})
	require.NoError(t, err)
	require.False(t, snap.Present)
}
