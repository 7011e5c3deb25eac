// Package negotiation turns a VMCP endpoint URL into an open, registered
// hypervisor session, asking the user for confirmation when the session is
// new.
package negotiation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/projecteru2/vmcpd/download"
	"github.com/projecteru2/vmcpd/hypervisor"
	"github.com/projecteru2/vmcpd/interaction"
	"github.com/projecteru2/vmcpd/keystore"
	"github.com/projecteru2/vmcpd/localconfig"
	"github.com/projecteru2/vmcpd/metrics"
	"github.com/projecteru2/vmcpd/progress"
	"github.com/projecteru2/vmcpd/registry"
	"github.com/projecteru2/vmcpd/throttle"
	"github.com/projecteru2/vmcpd/types"
)

const (
	confirmTitle      = "New VM Session"
	succeededMessage  = "Session opened successfully"
	unexpectedMessage = "Unexpected error while requesting session"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("negotiation: missing dependency")

// TrustStore is the part of the keystore the pipeline relies on.
type TrustStore interface {
	Refresh(ctx context.Context, dl download.Downloader) error
	IsValid() bool
	IsDomainValid(domain string) bool
	Verify(domain, salt string, payload types.Payload) error
}

// LocalConfig stores the per-install identifier.
type LocalConfig interface {
	GetOrCreate(ctx context.Context, key string, gen func() string) (string, error)
}

// Deps are the collaborators of a Pipeline. Metrics may be nil.
type Deps struct {
	Keystore   TrustStore
	Throttle   *throttle.Guard
	Registry   *registry.Registry
	Hypervisor hypervisor.Hypervisor
	Downloader download.Downloader
	Local      LocalConfig
	Metrics    *metrics.Metrics
}

// Request describes one negotiation.
type Request struct {
	// URL is the VMCP endpoint of the requesting page.
	URL string
	// Domain is the host the request originates from.
	Domain string
	// Privileged callers are local: they skip the keystore refresh and the
	// domain trust check, but their VMCP response is still verified.
	Privileged bool
	// Owner is recorded on the registered session.
	Owner registry.Owner
	// UI answers the confirmation prompt for new sessions.
	UI interaction.UserInteraction
}

// Pipeline runs negotiations. It is safe for concurrent use.
type Pipeline struct {
	Deps
	schema *jsonschema.Schema
	wg     sync.WaitGroup
}

// New checks deps and compiles the response schema.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Keystore == nil:
		return nil, fmt.Errorf("%w: keystore", ErrMissingDependency)
	case deps.Throttle == nil:
		return nil, fmt.Errorf("%w: throttle", ErrMissingDependency)
	case deps.Registry == nil:
		return nil, fmt.Errorf("%w: registry", ErrMissingDependency)
	case deps.Hypervisor == nil:
		return nil, fmt.Errorf("%w: hypervisor", ErrMissingDependency)
	case deps.Downloader == nil:
		return nil, fmt.Errorf("%w: downloader", ErrMissingDependency)
	case deps.Local == nil:
		return nil, fmt.Errorf("%w: local config", ErrMissingDependency)
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile VMCP schema: %w", err)
	}
	return &Pipeline{Deps: deps, schema: schema}, nil
}

// Start runs Negotiate on its own goroutine and returns immediately.
func (p *Pipeline) Start(ctx context.Context, req Request, sink Sink) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Negotiate(ctx, req, sink)
	}()
}

// Wait blocks until every run launched with Start has returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Negotiate runs one negotiation to completion. Every outcome is reported
// through sink; nothing is reported once ctx is cancelled.
func (p *Pipeline) Negotiate(ctx context.Context, req Request, sink Sink) {
	logger := log.WithFunc("negotiation.Negotiate")
	out := &onceSink{sink: sink}
	begin := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf(ctx, fmt.Errorf("panic: %v", r), "negotiation for %s crashed", req.Domain)
			out.Failed(unexpectedMessage, types.CodeExternalError)
		}
		outcome := metrics.OutcomeAbandoned
		if code, ok := out.outcome(); ok {
			outcome = metrics.Outcome(code)
		}
		p.Metrics.ObserveNegotiation(outcome, time.Since(begin))
	}()

	logger.Infof(ctx, "negotiating %s for %s (privileged=%t)", req.URL, req.Domain, req.Privileged)
	r := &run{Pipeline: p, req: req, out: out, root: progress.NewTask("Requesting session")}
	tok := r.root.Listen(func(e progress.Event) {
		if e.Kind != progress.KindFailed {
			out.Progress(e.Label, e.Percent)
		}
	})
	defer r.root.Unlisten(tok)

	out.Started()
	err := r.execute(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		logger.Infof(ctx, "negotiation for %s abandoned: %v", req.Domain, ctx.Err())
	default:
		code := types.CodeOf(err)
		logger.Warnf(ctx, "negotiation for %s failed: %v", req.Domain, err)
		r.root.Fail(message(err), code)
		out.Failed(message(err), code)
	}
}

// run holds the state of a single negotiation.
type run struct {
	*Pipeline
	req  Request
	out  *onceSink
	root *progress.Task
}

func (r *run) execute(ctx context.Context) error {
	if r.Throttle.IsBlocked() {
		return types.NewError(types.CodeAccessDenied, "Request denied by throttle protection")
	}
	_ = r.root.SetMax(2)

	prep := r.root.Begin("Preparing for session request", 1)
	_ = prep.SetMax(4)

	if err := r.waitHypervisor(ctx, prep); err != nil {
		return err
	}
	if err := r.initTrust(ctx, prep); err != nil {
		return err
	}
	payload, err := r.fetch(ctx, prep)
	if err != nil {
		return err
	}
	if err := r.validate(ctx, prep, payload); err != nil {
		return err
	}
	return r.open(ctx, payload)
}

func (r *run) waitHypervisor(ctx context.Context, prep *progress.Task) error {
	err := r.Hypervisor.WaitTillReady(ctx, prep.Begin("Initializing hypervisor", 1))
	if err == nil {
		return nil
	}
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	return types.WrapError(types.CodeUnsupported, "Hypervisor is not available", err)
}

func (r *run) initTrust(ctx context.Context, prep *progress.Task) error {
	if r.req.Privileged {
		prep.Done("Skipping domain trust for privileged caller")
		return nil
	}
	prep.Doing("Initializing crypto store")
	if err := r.Keystore.Refresh(ctx, r.Downloader); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !r.Keystore.IsValid() {
			return types.WrapError(types.CodeNotValidated, "Unable to initialize cryptographic store", err)
		}
		log.WithFunc("negotiation.initTrust").Warnf(ctx, "keystore refresh failed, using previous keys: %v", err)
	}
	if !r.Keystore.IsValid() {
		return types.NewError(types.CodeNotValidated, "Unable to initialize cryptographic store")
	}
	if !r.Keystore.IsDomainValid(r.req.Domain) {
		return types.NewError(types.CodeNotTrusted, "The domain is not trusted")
	}
	prep.Done("Crypto store initialized")
	return nil
}

func (r *run) fetch(ctx context.Context, prep *progress.Task) (types.Payload, error) {
	prep.Doing("Contacting the VMCP endpoint")
	salt := keystore.GenerateSalt()
	hostID, err := r.hostID(ctx)
	if err != nil {
		return nil, types.WrapError(types.CodeIOError, "Unable to read the local identifier", err)
	}
	body, err := r.Downloader.DownloadText(ctx, requestURL(r.req.URL, salt, hostID))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code := types.CodeOf(err)
		if code == types.CodeExternalError {
			code = types.CodeIOError
		}
		return nil, types.WrapError(code, "Unable to contact the VMCP endpoint", err)
	}

	prep.Doing("Validating VMCP data")
	payload, err := parsePayload(body)
	if err != nil {
		return nil, err
	}
	if err := checkShape(r.schema, payload); err != nil {
		return nil, err
	}
	if err := r.Keystore.Verify(r.req.Domain, salt, payload); err != nil {
		code := types.CodeOf(err)
		if code == types.CodeExternalError {
			code = types.CodeNotValidated
		}
		return nil, types.WrapError(code, "The VMCP response signature could not be validated", err)
	}
	prep.Done("Obtained information from VMCP endpoint")
	return payload, nil
}

// hostID derives a stable, irreversible identifier for this install and
// the requesting domain.
func (r *run) hostID(ctx context.Context) (string, error) {
	localID, err := r.Local.GetOrCreate(ctx, localconfig.KeyLocalID, keystore.GenerateSalt)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(localID + "|" + r.req.Domain))
	return hex.EncodeToString(sum[:]), nil
}

func (r *run) validate(ctx context.Context, prep *progress.Task, payload types.Payload) error {
	prep.Doing("Validating request")
	validation, err := r.Hypervisor.SessionValidate(ctx, payload)
	if err != nil {
		return err
	}
	switch validation {
	case hypervisor.ValidationBadPassword:
		return types.NewError(types.CodePasswordDenied, "The password specified is invalid for this session")
	case hypervisor.ValidationNew:
		if err := r.confirm(ctx, prep, payload); err != nil {
			return err
		}
	}
	prep.Done("Request validated")
	return nil
}

func (r *run) confirm(ctx context.Context, prep *progress.Task, payload types.Payload) error {
	prep.Doing("Session is new, asking user for confirmation")
	if r.req.UI == nil {
		return types.NewError(types.CodeAccessDenied, "No user interaction channel to confirm the session")
	}
	result, err := r.req.UI.Confirm(ctx, confirmTitle, r.confirmMessage(payload))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return types.WrapError(types.CodeAccessDenied, "Unable to ask the user for confirmation", err)
	}
	if result != interaction.ResultOK {
		r.Throttle.RecordDenial()
		return types.NewError(types.CodeAccessDenied, "User denied the allocation of new session")
	}
	r.Throttle.RecordAcceptance()
	return nil
}

func (r *run) confirmMessage(payload types.Payload) string {
	trust := "This website is validated and trusted by the VMCP keystore."
	if r.req.Privileged {
		trust = "This request comes from a privileged local client."
	}
	return fmt.Sprintf("The website %s is trying to allocate a %s Virtual Machine %q. %s\n\nDo you want to continue?",
		r.req.Domain, r.Hypervisor.Type(), payload.Get("name", ""), trust)
}

func (r *run) open(ctx context.Context, payload types.Payload) error {
	logger := log.WithFunc("negotiation.open")
	task := r.root.Begin("Opening session", 1)
	task.Doing("Opening session")
	sess, err := r.Hypervisor.SessionOpen(ctx, payload, task)
	if err != nil || sess == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return openError(err)
	}
	if ctx.Err() != nil {
		closeQuietly(ctx, sess)
		return ctx.Err()
	}
	task.Complete("Session opened")

	if err := r.Hypervisor.CheckDaemonNeed(ctx); err != nil {
		logger.Warnf(ctx, "check daemon need: %v", err)
	}
	if err := sess.Update(ctx); err != nil {
		logger.Warnf(ctx, "update session %s: %v", sess.ID(), err)
	}

	rec, err := r.Registry.Store(r.req.Owner, sess)
	if err != nil {
		closeQuietly(ctx, sess)
		return types.WrapError(types.CodeExternalError, "Unable to register session", err)
	}
	if ctx.Err() != nil {
		// The owner went away between open and register.
		r.Registry.Release(context.WithoutCancel(ctx), rec.ID)
		return ctx.Err()
	}
	r.Metrics.SetSessions(r.Registry.Len())
	r.root.Complete(succeededMessage)
	logger.Infof(ctx, "session %s (%s) registered as %d for %s", sess.ID(), sess.Name(), rec.ID, r.req.Owner)
	r.out.Succeeded(succeededMessage, rec.ID)
	return nil
}

// openError keeps the hypervisor's code for credential and transfer
// failures and reports everything else as a denied open.
func openError(err error) error {
	if err == nil {
		return types.NewError(types.CodeAccessDenied, "Unable to open session")
	}
	switch code := types.CodeOf(err); code {
	case types.CodePasswordDenied, types.CodeIOError, types.CodeNotValidated:
		return types.WrapError(code, "Unable to open session", err)
	default:
		return types.WrapError(types.CodeAccessDenied, "Unable to open session", err)
	}
}

func closeQuietly(ctx context.Context, sess hypervisor.Session) {
	if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
		log.WithFunc("negotiation.closeQuietly").Warnf(ctx, "close session %s: %v", sess.ID(), err)
	}
}

// message is the user-facing text of err: the outermost typed message.
func message(err error) string {
	var te *types.Error
	if errors.As(err, &te) {
		return te.Message
	}
	return unexpectedMessage
}
