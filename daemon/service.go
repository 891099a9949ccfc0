package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nanogit-core/gitcore/advertise"
	"github.com/nanogit-core/gitcore/capability"
	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objstore"
	"github.com/nanogit-core/gitcore/pktline"
	"github.com/nanogit-core/gitcore/receive"
)

// Service names carried on the wire.
const (
	ServiceUploadPack  = "git-upload-pack"
	ServiceReceivePack = "git-receive-pack"
)

var (
	ErrUnknownService    = errors.New("daemon: unknown service")
	ErrServiceNotEnabled = errors.New("daemon: service not enabled for this repository")
	ErrMalformedRequest  = errors.New("daemon: malformed service request")
)

// Repository is everything a service handler needs from the resolved
// target: its object store, its commit walker, which services are
// enabled, the refs to hide from advertisement, and its receive policy.
type Repository interface {
	Store() objstore.Store
	Walker() objstore.Walker
	UploadPackEnabled() bool
	ReceivePackEnabled() bool
	HiddenRefs() advertise.HidePredicate
	ReceivePolicy() receive.Policy
}

// RepositoryResolver resolves a wire repository path to a Repository.
type RepositoryResolver interface {
	Resolve(ctx context.Context, path string) (Repository, error)
}

// ServiceHandler drives one session's protocol after the daemon has
// written the ref advertisement: f is positioned right after the
// advertisement's flush packet.
type ServiceHandler func(ctx context.Context, f *pktline.Framer, repo Repository) error

// dispatch reads the service request line, resolves the repository,
// writes the advertisement, and hands off to the matching handler.
func (d *Daemon) dispatch(ctx context.Context, conn *timeoutConn) error {
	f := pktline.New(conn, conn)

	service, repoPath, err := readServiceRequest(f)
	if err != nil {
		return err
	}

	repo, err := d.resolver.Resolve(ctx, repoPath)
	if err != nil {
		writeErrPacket(f, fmt.Sprintf("repository not found: %s", repoPath))
		return fmt.Errorf("daemon: resolving %q: %w", repoPath, err)
	}

	handler, enabled, err := d.serviceFor(service, repo)
	if err != nil {
		writeErrPacket(f, err.Error())
		return err
	}
	if !enabled {
		writeErrPacket(f, fmt.Sprintf("service %q not enabled", service))
		return fmt.Errorf("%w: %s", ErrServiceNotEnabled, service)
	}

	if err := writeAdvertisement(ctx, f, service, repo); err != nil {
		return err
	}

	return handler(ctx, f, repo)
}

func (d *Daemon) serviceFor(service string, repo Repository) (ServiceHandler, bool, error) {
	switch service {
	case ServiceUploadPack:
		return d.uploadHandler, repo.UploadPackEnabled() && d.uploadHandler != nil, nil
	case ServiceReceivePack:
		return d.receiveHandler, repo.ReceivePackEnabled(), nil
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
}

// readServiceRequest parses the single pkt-line `<service> SP <repo-path>
// NUL host=<host> NUL` request git-daemon itself speaks.
func readServiceRequest(f *pktline.Framer) (service, repoPath string, err error) {
	rec, err := f.Read()
	if err != nil {
		return "", "", fmt.Errorf("daemon: reading service request: %w", err)
	}
	if rec.Kind != pktline.KindData {
		return "", "", fmt.Errorf("%w: expected a data packet", ErrMalformedRequest)
	}

	line := strings.TrimSuffix(string(rec.Data), "\n")
	head, _, _ := strings.Cut(line, "\x00")

	service, repoPath, ok := strings.Cut(head, " ")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	return service, repoPath, nil
}

func writeAdvertisement(ctx context.Context, f *pktline.Framer, service string, repo Repository) error {
	refs, err := repo.Store().GetRefsByPrefix(ctx, "")
	if err != nil {
		return fmt.Errorf("daemon: listing refs: %w", err)
	}

	advRefs := make([]advertise.Ref, len(refs))
	for i, r := range refs {
		advRefs[i] = advertise.Ref{Name: r.Name, ID: r.ID, Peeled: r.Peeled}
	}

	caps := capability.Set{
		capability.ReportStatus: capability.Token{Name: capability.ReportStatus},
		capability.OfsDelta:     capability.Token{Name: capability.OfsDelta},
		capability.DeleteRefs:   capability.Token{Name: capability.DeleteRefs},
	}
	if service == ServiceUploadPack {
		caps[capability.SideBand64k] = capability.Token{Name: capability.SideBand64k}
		caps[capability.ThinPack] = capability.Token{Name: capability.ThinPack}
		caps[capability.MultiAckDetailed] = capability.Token{Name: capability.MultiAckDetailed}
	}

	return advertise.Write(f, advRefs, caps, repo.HiddenRefs())
}

func writeErrPacket(f *pktline.Framer, message string) {
	_ = f.Write([]byte("ERR " + message + "\n"))
}

// handleReceivePack is the built-in git-receive-pack handler: it runs the
// full validation pipeline from the Receive Engine using
// the resolved repository's store, walker, and policy, with every
// currently-advertised ref as the connectivity check's fallback have set.
func handleReceivePack(ctx context.Context, f *pktline.Framer, repo Repository) error {
	refs, err := repo.Store().GetRefsByPrefix(ctx, "")
	if err != nil {
		return fmt.Errorf("daemon: collecting advertised haves: %w", err)
	}
	haves := make([]hash.Hash, 0, len(refs))
	for _, r := range refs {
		haves = append(haves, r.ID)
	}

	_, err = receive.Receive(ctx, f, receive.Options{
		Store:           repo.Store(),
		Walker:          repo.Walker(),
		Policy:          repo.ReceivePolicy(),
		AdvertisedHaves: haves,
	})
	return err
}
