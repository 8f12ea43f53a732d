package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu        sync.Mutex
	created   []string
	closed    []string
	createErr error
	closeErr   error
	closeGate  chan struct{}
	createGate chan struct{}
	calls      []string
}

func (f *fakeRemote) CreateSession(ctx context.Context, id, name string) error {
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	f.calls = append(f.calls, "create "+id)
	return f.createErr
}

func (f *fakeRemote) CloseSession(ctx context.Context, id string) error {
	if f.closeGate != nil {
		<-f.closeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	f.calls = append(f.calls, "close "+id)
	return f.closeErr
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) createdIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func newTestRegistry(maxLines int, remote Remote) *Registry {
	return NewRegistry(maxLines, remote, zerolog.Nop())
}

func stdout(s string) Line {
	return Line{Content: s, Source: SourceStdout}
}

func TestRegistry_CreateDefaults(t *testing.T) {
	r := newTestRegistry(10, nil)
	id := r.Create("A")

	s, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "A", s.Name)
	assert.Equal(t, StatusIdle, s.Status)
	assert.False(t, s.Active, "new sessions are not active")
	assert.False(t, s.CreatedAt.IsZero())

	_, ok := r.Active()
	assert.False(t, ok)
}

func TestRegistry_CreateAssignsDefaultName(t *testing.T) {
	r := newTestRegistry(10, nil)
	r.Create("")
	id := r.Create("")

	s, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Terminal 2", s.Name)
}

func TestRegistry_CreateRequestsRemote(t *testing.T) {
	remote := &fakeRemote{}
	r := newTestRegistry(10, remote)
	id := r.Create("A")

	assert.Eventually(t, func() bool {
		ids := remote.createdIDs()
		return len(ids) == 1 && ids[0] == id
	}, time.Second, 10*time.Millisecond)
}

func TestRegistry_RemoteCreateFailureMarksError(t *testing.T) {
	remote := &fakeRemote{createErr: errors.New("host unreachable")}
	r := newTestRegistry(10, remote)
	id := r.Create("A")

	assert.Eventually(t, func() bool {
		s, err := r.Get(id)
		return err == nil && s.Status == StatusError
	}, time.Second, 10*time.Millisecond)

	lines, err := r.Output(id)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, SourceSystem, lines[0].Source)
	assert.Contains(t, lines[0].Content, "host unreachable")
}

func TestRegistry_AppendOutputBoundedFIFO(t *testing.T) {
	const maxLines = 5
	r := newTestRegistry(maxLines, nil)
	id := r.Create("A")

	for i := 0; i < 12; i++ {
		require.True(t, r.AppendOutput(id, stdout(fmt.Sprintf("line-%d", i))))

		lines, err := r.Output(id)
		require.NoError(t, err)
		require.LessOrEqual(t, len(lines), maxLines)
		first := i - len(lines) + 1
		for j, l := range lines {
			assert.Equal(t, fmt.Sprintf("line-%d", first+j), l.Content)
		}
	}
}

func TestRegistry_AppendOutputUnknownSession(t *testing.T) {
	r := newTestRegistry(5, nil)
	assert.False(t, r.AppendOutput("missing", stdout("x")))
	assert.Empty(t, r.List())
}

func TestRegistry_ClearOutputKeepsStatus(t *testing.T) {
	r := newTestRegistry(5, nil)
	id := r.Create("A")
	r.SetStatus(id, StatusRunning)
	r.AppendOutput(id, stdout("one"))
	r.AppendOutput(id, stdout("two"))

	require.NoError(t, r.ClearOutput(id))

	lines, _ := r.Output(id)
	assert.Empty(t, lines)
	s, _ := r.Get(id)
	assert.Equal(t, StatusRunning, s.Status)

	assert.ErrorIs(t, r.ClearOutput("missing"), ErrNotFound)
}

func TestRegistry_CloseThenLateOutputDoesNotResurrect(t *testing.T) {
	remote := &fakeRemote{}
	r := newTestRegistry(5, remote)
	id := r.Create("A")

	require.NoError(t, r.Close(context.Background(), id))

	assert.False(t, r.AppendOutput(id, stdout("late")))
	assert.False(t, r.SetStatus(id, StatusRunning))
	_, err := r.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, r.List())
	assert.True(t, r.IsClosed(id))
}

func TestRegistry_OutputDroppedWhileClosing(t *testing.T) {
	remote := &fakeRemote{closeGate: make(chan struct{})}
	r := newTestRegistry(5, remote)
	id := r.Create("A")

	done := make(chan error, 1)
	go func() { done <- r.Close(context.Background(), id) }()

	// Wait until the close is in flight.
	require.Eventually(t, func() bool {
		return !r.AppendOutput(id, stdout("racing"))
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, r.Close(context.Background(), id), ErrClosing)

	close(remote.closeGate)
	require.NoError(t, <-done)
	assert.False(t, r.AppendOutput(id, stdout("after")))
}

func TestRegistry_CloseRemoteFailureKeepsSession(t *testing.T) {
	remote := &fakeRemote{closeErr: errors.New("ack timeout")}
	r := newTestRegistry(5, remote)
	id := r.Create("A")

	err := r.Close(context.Background(), id)
	require.Error(t, err)

	s, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, s.Status)
	assert.False(t, r.IsClosed(id))

	// Still accepts output after the failed close.
	assert.True(t, r.AppendOutput(id, stdout("still here")))
}

func TestRegistry_CloseWaitsForPendingCreate(t *testing.T) {
	remote := &fakeRemote{createGate: make(chan struct{})}
	r := newTestRegistry(5, remote)
	id := r.Create("A")

	done := make(chan error, 1)
	go func() { done <- r.Close(context.Background(), id) }()

	select {
	case err := <-done:
		t.Fatalf("close returned before the host create finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, remote.callLog())

	close(remote.createGate)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"create " + id, "close " + id}, remote.callLog())
	assert.Empty(t, r.List())
}

func TestRegistry_CloseCanceledWhileCreatePending(t *testing.T) {
	remote := &fakeRemote{createGate: make(chan struct{})}
	r := newTestRegistry(5, remote)
	id := r.Create("A")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx, id), context.DeadlineExceeded)

	// The session is still there and can be closed once the create lands.
	close(remote.createGate)
	require.NoError(t, r.Close(context.Background(), id))
	assert.Equal(t, []string{"create " + id, "close " + id}, remote.callLog())
}

func TestRegistry_CloseMissing(t *testing.T) {
	r := newTestRegistry(5, nil)
	assert.ErrorIs(t, r.Close(context.Background(), "nope"), ErrNotFound)
}

func TestRegistry_CloseActiveMovesToNeighbour(t *testing.T) {
	r := newTestRegistry(5, nil)
	a := r.Create("A")
	b := r.Create("B")
	c := r.Create("C")
	r.SetActive(b)

	require.NoError(t, r.Close(context.Background(), b))
	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, c, active)

	require.NoError(t, r.Close(context.Background(), c))
	active, _ = r.Active()
	assert.Equal(t, a, active)

	s, _ := r.Get(a)
	assert.True(t, s.Active)
}

func TestRegistry_SetActive(t *testing.T) {
	r := newTestRegistry(5, nil)
	a := r.Create("A")
	b := r.Create("B")

	r.SetActive(a)
	r.SetActive(a) // no-op
	r.SetActive("does-not-exist")

	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, a, active)

	key, ok := r.ActiveContext()
	require.True(t, ok)
	assert.Equal(t, ContextKey("terminal-"+a), key)
	assert.Equal(t, a, key.SessionID())

	r.SetActive(b)
	sa, _ := r.Get(a)
	sb, _ := r.Get(b)
	assert.False(t, sa.Active)
	assert.True(t, sb.Active)
}

func TestRegistry_NextPreviousWrap(t *testing.T) {
	r := newTestRegistry(5, nil)

	_, ok := r.Next()
	assert.False(t, ok, "no sessions to cycle")

	a := r.Create("A")
	b := r.Create("B")
	c := r.Create("C")

	got, _ := r.Next()
	assert.Equal(t, a, got, "first Next with nothing active picks the first session")
	got, _ = r.Next()
	assert.Equal(t, b, got)
	got, _ = r.Next()
	assert.Equal(t, c, got)
	got, _ = r.Next()
	assert.Equal(t, a, got)
	got, _ = r.Previous()
	assert.Equal(t, c, got)
}

func TestRegistry_Reconcile(t *testing.T) {
	r := newTestRegistry(5, nil)
	known := r.Create("known")
	local := r.Create("local-only")
	closed := r.Create("closed")
	require.NoError(t, r.Close(context.Background(), closed))

	missing := r.Reconcile([]RemoteInfo{
		{ID: known, Name: "known", Status: StatusRunning},
		{ID: "adopted", Name: "from host", Status: StatusIdle},
		{ID: closed, Name: "closed", Status: StatusIdle},
	})

	require.Len(t, missing, 1)
	assert.Equal(t, local, missing[0].ID)

	s, err := r.Get(known)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s.Status)

	adopted, err := r.Get("adopted")
	require.NoError(t, err)
	assert.Equal(t, "from host", adopted.Name)

	_, err = r.Get(closed)
	assert.ErrorIs(t, err, ErrNotFound, "closed sessions are never adopted back")

	// A second reconcile with the same list creates nothing new.
	before := len(r.List())
	r.Reconcile([]RemoteInfo{{ID: "adopted", Name: "from host"}, {ID: known}, {ID: local}})
	assert.Len(t, r.List(), before)
}

func TestRegistry_ExportImportRoundTrip(t *testing.T) {
	src := newTestRegistry(10, nil)
	a := src.Create("A")
	b := src.Create("B")
	for i := 0; i < 4; i++ {
		src.AppendOutput(a, stdout(fmt.Sprintf("a-%d", i)))
	}
	src.AppendOutput(b, Line{Content: "oops", Source: SourceStderr})
	src.SetStatus(b, StatusError)
	src.SetActive(b)

	snap := src.Export()
	assert.Equal(t, b, snap.ActiveID)

	dst := newTestRegistry(3, nil)
	assert.Equal(t, 2, dst.Import(snap))

	list := dst.List()
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].ID)
	assert.Equal(t, "A", list[0].Name)
	assert.Equal(t, b, list[1].ID)
	assert.Equal(t, StatusError, list[1].Status)

	active, _ := dst.Active()
	assert.Equal(t, b, active)

	lines, _ := dst.Output(a)
	require.Len(t, lines, 3, "import truncates to maxLines")
	assert.Equal(t, "a-1", lines[0].Content)
	assert.Equal(t, "a-3", lines[2].Content)

	// Importing again is a no-op and announces nothing.
	_, ch := dst.Subscribe()
	assert.Equal(t, 0, dst.Import(snap))
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	default:
	}
}

func TestRegistry_ImportNotifiesOnlyAdded(t *testing.T) {
	r := newTestRegistry(5, nil)
	existing := r.Create("existing")
	gone := r.Create("gone")
	require.NoError(t, r.Close(context.Background(), gone))

	_, ch := r.Subscribe()
	n := r.Import(Snapshot{Sessions: []Record{
		{Session: Session{ID: existing, Name: "existing"}},
		{Session: Session{ID: gone, Name: "gone"}},
		{Session: Session{ID: "fresh", Name: "fresh"}},
	}})
	assert.Equal(t, 1, n)

	assert.Equal(t, Change{Kind: ChangeCreated, SessionID: "fresh"}, <-ch)
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	default:
	}
}

func TestRegistry_Subscribe(t *testing.T) {
	r := newTestRegistry(5, nil)
	subID, ch := r.Subscribe()

	id := r.Create("A")
	r.AppendOutput(id, stdout("hi"))

	c := <-ch
	assert.Equal(t, Change{Kind: ChangeCreated, SessionID: id}, c)
	c = <-ch
	assert.Equal(t, Change{Kind: ChangeOutput, SessionID: id}, c)

	r.Unsubscribe(subID)
	_, open := <-ch
	assert.False(t, open)

	// Unknown ids are ignored.
	r.Unsubscribe("nope")
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, StatusRunning, ParseStatus("running"))
	assert.Equal(t, StatusIdle, ParseStatus("weird"))
	assert.Equal(t, SourceStderr, ParseSource("stderr"))
	assert.Equal(t, SourceStdout, ParseSource(""))
}
