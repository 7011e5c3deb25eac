package interaction

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotSupersedesWithCancel(t *testing.T) {
	var s Slot
	first := s.Install()
	second := s.Install()

	assert.Equal(t, ResultCancel, <-first)
	assert.True(t, s.Resolve(ResultOK))
	assert.Equal(t, ResultOK, <-second)
	assert.False(t, s.Resolve(ResultOK), "nothing pending after resolve")
}

func TestSlotAbandonOnlyClearsOwnPrompt(t *testing.T) {
	var s Slot
	a := s.Install()
	s.Abandon(a)
	assert.False(t, s.Pending())

	b := s.Install()
	s.Abandon(a)
	assert.True(t, s.Pending(), "stale channel must not clear a newer prompt")
	s.Cancel()
	assert.Equal(t, ResultCancel, <-b)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, ResultOK, Normalize(ResultOK|resultNotAgain))
	assert.Equal(t, ResultCancel, Normalize(ResultCancel|resultNotAgain))
	assert.Equal(t, ResultUndefined, Normalize(Result(9)))
}

func TestRemoteConfirm(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []Kind
	)
	var r *Remote
	r = NewRemote(func(_ context.Context, kind Kind, title, body string) error {
		mu.Lock()
		sent = append(sent, kind)
		mu.Unlock()
		go r.Resolve(ResultOK | resultNotAgain)
		return nil
	})

	res, err := r.Confirm(context.Background(), "title", "body")
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)
	res, err = r.LicenseURL(context.Background(), "title", "https://example.org/eula")
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)
	assert.Equal(t, []Kind{KindConfirm, KindLicenseURL}, sent)
}

func TestRemoteSendFailureAbandons(t *testing.T) {
	boom := errors.New("connection closed")
	r := NewRemote(func(context.Context, Kind, string, string) error { return boom })
	res, err := r.Alert(context.Background(), "t", "b")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ResultUndefined, res)
	assert.False(t, r.Pending())
}

func TestRemoteContextCancel(t *testing.T) {
	r := NewRemote(func(context.Context, Kind, string, string) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := r.Confirm(ctx, "t", "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ResultUndefined, res)
	assert.False(t, r.Pending())
}

func TestTerminalPrompts(t *testing.T) {
	var out bytes.Buffer
	tt := newTerminal(strings.NewReader("y\nno\n"), &out, func() bool { return true })
	ctx := context.Background()

	res, err := tt.Confirm(ctx, "New session", "allocate?")
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)
	res, err = tt.Confirm(ctx, "New session", "again?")
	require.NoError(t, err)
	assert.Equal(t, ResultCancel, res)
	res, err = tt.Confirm(ctx, "New session", "eof")
	require.NoError(t, err)
	assert.Equal(t, ResultCancel, res)
	assert.Contains(t, out.String(), "== New session ==")
}

func TestTerminalNotInteractive(t *testing.T) {
	tt := newTerminal(strings.NewReader(""), io.Discard, func() bool { return false })
	_, err := tt.Confirm(context.Background(), "t", "b")
	assert.ErrorIs(t, err, ErrNotInteractive)

	tt.AssumeYes = true
	res, err := tt.Confirm(context.Background(), "t", "b")
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)
}
