package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"voiceterm/internal/session"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "voiceterm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_LoadEmpty(t *testing.T) {
	s := openStore(t)
	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.ActiveID)
	assert.Empty(t, snap.Sessions)
}

func TestStore_RoundTripThroughRegistry(t *testing.T) {
	ctx := context.Background()
	src := session.NewRegistry(3, nil, zerolog.Nop())
	a := src.Create("build")
	b := src.Create("logs")
	for _, text := range []string{"one", "two", "three", "four"} {
		src.AppendOutput(a, session.Line{Content: text, Source: session.SourceStdout, Timestamp: time.Now()})
	}
	src.AppendOutput(b, session.Line{Content: "oops", Source: session.SourceStderr, Timestamp: time.Now()})
	src.SetStatus(b, session.StatusError)
	src.SetActive(b)

	s := openStore(t)
	require.NoError(t, s.Save(ctx, src.Export()))

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, snap.ActiveID)
	require.Len(t, snap.Sessions, 2)
	assert.Equal(t, a, snap.Sessions[0].ID)
	assert.Equal(t, "build", snap.Sessions[0].Name)
	assert.Equal(t, session.StatusError, snap.Sessions[1].Status)

	dst := session.NewRegistry(3, nil, zerolog.Nop())
	assert.Equal(t, 2, dst.Import(snap))

	out, err := dst.Output(a)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "two", out[0].Content)
	assert.Equal(t, "four", out[2].Content)

	out, err = dst.Output(b)
	require.NoError(t, err)
	assert.Equal(t, session.SourceStderr, out[0].Source)

	active, ok := dst.Active()
	assert.True(t, ok)
	assert.Equal(t, b, active)
}

func TestStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	first := session.Snapshot{ActiveID: "x", Sessions: []session.Record{
		{Session: session.Session{ID: "x", Name: "x", Status: session.StatusIdle}},
		{Session: session.Session{ID: "y", Name: "y", Status: session.StatusIdle}},
	}}
	require.NoError(t, s.Save(ctx, first))

	second := session.Snapshot{Sessions: []session.Record{
		{Session: session.Session{ID: "z", Name: "z", Status: session.StatusRunning},
			Output: []session.Line{{Content: "hi", Source: session.SourceStdin}}},
	}}
	require.NoError(t, s.Save(ctx, second))

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.ActiveID)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "z", snap.Sessions[0].ID)
	assert.Equal(t, 1, snap.Sessions[0].Lines)
	assert.Equal(t, session.SourceStdin, snap.Sessions[0].Output[0].Source)
}

func TestStore_SaveCanceled(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Save(context.Background(), session.Snapshot{ActiveID: "keep"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Save(ctx, session.Snapshot{ActiveID: "lost"}))

	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "keep", snap.ActiveID)
}
