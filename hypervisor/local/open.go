package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmcpd/hypervisor"
	"github.com/projecteru2/vmcpd/progress"
	"github.com/projecteru2/vmcpd/types"
)

const diskFile = "disk.img"

// SessionValidate checks the VMCP name/secret pair against the index.
func (l *Local) SessionValidate(ctx context.Context, payload types.Payload) (hypervisor.Validation, error) {
	name := payload.Get("name", "")
	secret := payload.Get("secret", "")
	result := hypervisor.ValidationNew
	return result, l.store.With(ctx, func(idx *hypervisor.SessionIndex) error {
		id, ok := idx.Names[name]
		if !ok || idx.Sessions[id] == nil {
			return nil
		}
		if hypervisor.KeyMatches(idx.Sessions[id].KeyHash, secret) {
			result = hypervisor.ValidationValid
		} else {
			result = hypervisor.ValidationBadPassword
		}
		return nil
	})
}

// SessionOpen resumes the session named in payload or creates it. A new
// session with a diskURL gets its disk downloaded and checksummed before the
// open succeeds; on any failure the new record is rolled back.
func (l *Local) SessionOpen(ctx context.Context, payload types.Payload, task *progress.Task) (hypervisor.Session, error) {
	logger := log.WithFunc("local.SessionOpen")
	cfg := hypervisor.ConfigFromPayload(payload)
	secret := payload.Get("secret", "")
	_ = task.SetMax(3) //nolint:mnd

	task.Doing("Reserving session")
	id, created, err := l.reserve(ctx, cfg, secret)
	if err != nil {
		return nil, err
	}
	task.Done("Session reserved")

	if created && cfg.DiskURL != "" {
		task.Doing("Downloading disk image")
		path, err := l.fetchDisk(ctx, id, cfg)
		if err != nil {
			l.rollback(ctx, id, cfg.Name)
			return nil, err
		}
		if err := l.store.Update(ctx, func(idx *hypervisor.SessionIndex) error {
			if rec := idx.Sessions[id]; rec != nil {
				rec.DiskPath = path
			}
			return nil
		}); err != nil {
			l.rollback(ctx, id, cfg.Name)
			return nil, fmt.Errorf("record disk: %w", err)
		}
	}
	task.Done("Disk ready")

	rec, err := l.loadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Infof(ctx, "session %s (%s) opened, created=%v", id, cfg.Name, created)
	task.Done("Session open")
	return &session{backend: l, id: id, name: cfg.Name, state: rec.State}, nil
}

// reserve finds the session by name, checking its secret, or inserts a new
// record in the created state.
func (l *Local) reserve(ctx context.Context, cfg types.SessionConfig, secret string) (id string, created bool, err error) {
	now := time.Now()
	err = l.store.Update(ctx, func(idx *hypervisor.SessionIndex) error {
		if existing, ok := idx.Names[cfg.Name]; ok && idx.Sessions[existing] != nil {
			rec := idx.Sessions[existing]
			if !hypervisor.KeyMatches(rec.KeyHash, secret) {
				return types.NewError(types.CodePasswordDenied, "session "+cfg.Name+": secret mismatch")
			}
			rec.OpenedAt = &now
			id = existing
			return nil
		}
		id = hypervisor.GenerateID()
		for idx.Sessions[id] != nil {
			id = hypervisor.GenerateID()
		}
		idx.Sessions[id] = &hypervisor.SessionRecord{
			SessionInfo: types.SessionInfo{
				ID: id, State: types.SessionStateCreated, Config: cfg,
				CreatedAt: now, UpdatedAt: now, OpenedAt: &now,
			},
			KeyHash: hypervisor.HashKey(secret),
		}
		idx.Names[cfg.Name] = id
		created = true
		return nil
	})
	if err != nil && types.CodeOf(err) == types.CodeExternalError {
		err = types.WrapError(types.CodeAccessDenied, "reserve session", err)
	}
	return id, created, err
}

// rollback outlives the caller's context: a cancelled open must still drop
// its reservation.
func (l *Local) rollback(ctx context.Context, id, name string) {
	ctx = context.WithoutCancel(ctx)
	if err := l.store.Update(ctx, func(idx *hypervisor.SessionIndex) error {
		delete(idx.Sessions, id)
		if idx.Names[name] == id {
			delete(idx.Names, name)
		}
		return nil
	}); err != nil {
		log.WithFunc("local.rollback").Warnf(ctx, "rollback session %s: %v", id, err)
	}
	_ = os.RemoveAll(l.conf.SessionDiskDir(id))
}

// fetchDisk downloads cfg.DiskURL and verifies its SHA-256 checksum.
func (l *Local) fetchDisk(ctx context.Context, id string, cfg types.SessionConfig) (string, error) {
	path := filepath.Join(l.conf.SessionDiskDir(id), diskFile)
	if err := l.dl.DownloadFile(ctx, cfg.DiskURL, path); err != nil {
		return "", err
	}
	sum, err := fileSHA256(path)
	if err != nil {
		return "", types.WrapError(types.CodeIOError, "checksum disk", err)
	}
	if sum != cfg.DiskChecksum {
		_ = os.Remove(path)
		return "", types.NewError(types.CodeNotValidated,
			fmt.Sprintf("disk checksum mismatch: got %s, want %s", sum, cfg.DiskChecksum))
	}
	return path, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path under agent-managed session dir
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
