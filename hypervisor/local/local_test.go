package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmcpd/config"
	"github.com/projecteru2/vmcpd/gc"
	"github.com/projecteru2/vmcpd/hypervisor"
	"github.com/projecteru2/vmcpd/progress"
	"github.com/projecteru2/vmcpd/types"
)

const diskContent = "fake disk image"

type fakeDownloader struct {
	calls int
	// fail, when set, runs instead of writing the disk.
	fail func() error
}

func (f *fakeDownloader) DownloadText(context.Context, string) (string, error) { return "", nil }

func (f *fakeDownloader) DownloadFile(_ context.Context, _ string, path string) error {
	f.calls++
	if f.fail != nil {
		return f.fail()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(diskContent), 0o600)
}

func newLocal(t *testing.T) (*Local, *fakeDownloader) {
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.ReadyTimeout = time.Second
	dl := &fakeDownloader{}
	l, err := New(conf, dl)
	require.NoError(t, err)
	return l, dl
}

func payload(name, secret string) types.Payload {
	return types.Payload{"name": name, "secret": secret, "signature": "x"}
}

func TestWaitTillReady(t *testing.T) {
	l, _ := newLocal(t)
	task := progress.NewTask("ready")
	require.NoError(t, l.WaitTillReady(context.Background(), task))
	assert.True(t, task.Finished())
}

func TestSessionValidateLifecycle(t *testing.T) {
	l, _ := newLocal(t)
	ctx := context.Background()

	v, err := l.SessionValidate(ctx, payload("demo", "s3cr3t"))
	require.NoError(t, err)
	assert.Equal(t, hypervisor.ValidationNew, v)

	sess, err := l.SessionOpen(ctx, payload("demo", "s3cr3t"), progress.NewTask("open"))
	require.NoError(t, err)
	assert.Equal(t, "demo", sess.Name())
	assert.Equal(t, types.SessionStateCreated, sess.State())

	v, err = l.SessionValidate(ctx, payload("demo", "s3cr3t"))
	require.NoError(t, err)
	assert.Equal(t, hypervisor.ValidationValid, v)

	v, err = l.SessionValidate(ctx, payload("demo", "wrong"))
	require.NoError(t, err)
	assert.Equal(t, hypervisor.ValidationBadPassword, v)
}

func TestSessionOpenExistingRequiresSecret(t *testing.T) {
	l, _ := newLocal(t)
	ctx := context.Background()
	first, err := l.SessionOpen(ctx, payload("demo", "s3cr3t"), nil)
	require.NoError(t, err)

	again, err := l.SessionOpen(ctx, payload("demo", "s3cr3t"), nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), again.ID())

	_, err = l.SessionOpen(ctx, payload("demo", "wrong"), nil)
	assert.Equal(t, types.CodePasswordDenied, types.CodeOf(err))
}

func TestSessionOpenDownloadsDisk(t *testing.T) {
	l, dl := newLocal(t)
	ctx := context.Background()
	sum := sha256.Sum256([]byte(diskContent))

	p := payload("disk", "k")
	p["diskURL"] = "https://example.org/disk.img"
	p["diskChecksum"] = hex.EncodeToString(sum[:])
	sess, err := l.SessionOpen(ctx, p, progress.NewTask("open"))
	require.NoError(t, err)
	assert.Equal(t, 1, dl.calls)

	rec, err := l.loadRecord(ctx, sess.ID())
	require.NoError(t, err)
	assert.FileExists(t, rec.DiskPath)
}

func TestSessionOpenChecksumMismatchRollsBack(t *testing.T) {
	l, _ := newLocal(t)
	ctx := context.Background()

	p := payload("bad", "k")
	p["diskURL"] = "https://example.org/disk.img"
	p["diskChecksum"] = "00"
	_, err := l.SessionOpen(ctx, p, nil)
	assert.Equal(t, types.CodeNotValidated, types.CodeOf(err))

	list, err := l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSessionOpenCancelledDownloadRollsBack(t *testing.T) {
	l, dl := newLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	dl.fail = func() error {
		cancel()
		return types.NewError(types.CodeIOError, "download aborted")
	}

	p := payload("cancelled", "k")
	p["diskURL"] = "https://example.org/disk.img"
	p["diskChecksum"] = "00"
	_, err := l.SessionOpen(ctx, p, nil)
	require.Error(t, err)

	bg := context.Background()
	res, err := l.SessionValidate(bg, payload("cancelled", "k"))
	require.NoError(t, err)
	assert.Equal(t, hypervisor.ValidationNew, res)

	list, err := l.List(bg)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestControlTransitions(t *testing.T) {
	l, _ := newLocal(t)
	ctx := context.Background()
	sess, err := l.SessionOpen(ctx, payload("demo", "k"), nil)
	require.NoError(t, err)

	require.NoError(t, sess.Control(ctx, hypervisor.ActionStart))
	assert.Equal(t, types.SessionStateRunning, sess.State())
	require.NoError(t, sess.Control(ctx, hypervisor.ActionPause))
	require.NoError(t, sess.Control(ctx, hypervisor.ActionResume))
	require.NoError(t, sess.Control(ctx, hypervisor.ActionReset))
	require.NoError(t, sess.Control(ctx, hypervisor.ActionHibernate))
	assert.Equal(t, types.SessionStateSaved, sess.State())

	err = sess.Control(ctx, hypervisor.ActionPause)
	assert.ErrorIs(t, err, hypervisor.ErrInvalidTransition)
	assert.Equal(t, types.CodeUsageError, types.CodeOf(err))

	require.NoError(t, sess.Control(ctx, hypervisor.ActionStart))
	require.NoError(t, l.CheckDaemonNeed(ctx))
	assert.True(t, l.DaemonNeeded())

	require.NoError(t, sess.Close(ctx))
	require.NoError(t, sess.Close(ctx))
	require.NoError(t, sess.Update(ctx))
	assert.Equal(t, types.SessionStateStopped, sess.State())
	assert.Equal(t, types.CodeNotFound, types.CodeOf(sess.Control(ctx, hypervisor.ActionStart)))

	require.NoError(t, l.CheckDaemonNeed(ctx))
	assert.False(t, l.DaemonNeeded())
}

func TestListAndDelete(t *testing.T) {
	l, _ := newLocal(t)
	ctx := context.Background()
	a, err := l.SessionOpen(ctx, payload("a", "k"), nil)
	require.NoError(t, err)
	_, err = l.SessionOpen(ctx, payload("b", "k"), nil)
	require.NoError(t, err)

	list, err := l.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	deleted, err := l.Delete(ctx, []string{"b", a.ID()})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", a.ID()}, deleted)

	_, err = l.Delete(ctx, []string{"missing"})
	assert.ErrorIs(t, err, hypervisor.ErrNotFound)

	assert.Equal(t, types.CodeNotFound, types.CodeOf(a.Update(ctx)))
}

func TestGCModuleRemovesOrphanDisks(t *testing.T) {
	l, _ := newLocal(t)
	ctx := context.Background()
	sess, err := l.SessionOpen(ctx, payload("kept", "k"), nil)
	require.NoError(t, err)

	kept := l.conf.SessionDiskDir(sess.ID())
	orphan := l.conf.SessionDiskDir("deadbeefdeadbeef")
	require.NoError(t, os.MkdirAll(kept, 0o750))
	require.NoError(t, os.MkdirAll(orphan, 0o750))

	o := gc.New()
	l.RegisterGC(o)
	n, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.DirExists(t, kept)
	assert.NoDirExists(t, orphan)

	n, err = o.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGCAbortsWhileIndexBusy(t *testing.T) {
	l, _ := newLocal(t)
	ctx := context.Background()
	orphan := l.conf.SessionDiskDir("deadbeefdeadbeef")
	require.NoError(t, os.MkdirAll(orphan, 0o750))

	require.NoError(t, l.locker.Lock(ctx))
	o := gc.New()
	gc.Register(o, l.GCModule())
	_, err := o.Run(ctx)
	require.NoError(t, l.locker.Unlock(ctx))

	assert.ErrorContains(t, err, "busy")
	assert.DirExists(t, orphan)
}
