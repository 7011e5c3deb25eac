package interaction

import (
	"context"
)

// Kind names a prompt variant on the wire.
type Kind string

const (
	KindConfirm    Kind = "confirm"
	KindAlert      Kind = "alert"
	KindLicense    Kind = "license"
	KindLicenseURL Kind = "licenseURL"
)

// SendFunc delivers a prompt to the remote user; the answer comes back
// later through Remote.Resolve.
type SendFunc func(ctx context.Context, kind Kind, title, body string) error

// compile-time interface check.
var _ UserInteraction = (*Remote)(nil)

// Remote forwards prompts over a transport and waits for the answer on its
// Slot.
type Remote struct {
	Slot
	send SendFunc
}

// NewRemote creates a Remote that emits prompts with send.
func NewRemote(send SendFunc) *Remote {
	return &Remote{send: send}
}

func (r *Remote) Confirm(ctx context.Context, title, message string) (Result, error) {
	return r.ask(ctx, KindConfirm, title, message)
}

func (r *Remote) Alert(ctx context.Context, title, message string) (Result, error) {
	return r.ask(ctx, KindAlert, title, message)
}

func (r *Remote) License(ctx context.Context, title, text string) (Result, error) {
	return r.ask(ctx, KindLicense, title, text)
}

func (r *Remote) LicenseURL(ctx context.Context, title, url string) (Result, error) {
	return r.ask(ctx, KindLicenseURL, title, url)
}

// ask installs the prompt before sending it so an immediate answer is
// never lost.
func (r *Remote) ask(ctx context.Context, kind Kind, title, body string) (Result, error) {
	ch := r.Install()
	if err := r.send(ctx, kind, title, body); err != nil {
		r.Abandon(ch)
		return ResultUndefined, err
	}
	return r.Wait(ctx, ch)
}
