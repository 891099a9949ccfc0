// Command gitcored runs a standalone daemon that serves git-receive-pack
// over raw TCP, backed by an in-memory object store per repository path.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanogit-core/gitcore/advertise"
	"github.com/nanogit-core/gitcore/daemon"
	"github.com/nanogit-core/gitcore/log"
	"github.com/nanogit-core/gitcore/objstore"
	"github.com/nanogit-core/gitcore/objstore/memstore"
	"github.com/nanogit-core/gitcore/receive"
	"github.com/nanogit-core/gitcore/retry"
)

var (
	addr              string
	ioTimeout         time.Duration
	denyNonFastFwd    bool
	denyDeletes       bool
	denyCurrentBranch bool
	currentBranch     string
	debug             bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("gitcored exited with error", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gitcored",
		Short: "Serve git-receive-pack over TCP from an in-memory object store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9418", "address to listen on")
	cmd.Flags().DurationVar(&ioTimeout, "io-timeout", 0, "per read/write timeout for client connections (0 disables)")
	cmd.Flags().BoolVar(&denyNonFastFwd, "deny-non-fast-forwards", false, "reject non-fast-forward ref updates")
	cmd.Flags().BoolVar(&denyDeletes, "deny-deletes", false, "reject ref deletions")
	cmd.Flags().BoolVar(&denyCurrentBranch, "deny-current-branch", false, "reject updates to the current branch")
	cmd.Flags().StringVar(&currentBranch, "current-branch", "", "ref name treated as the current branch for deny-current-branch")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func run(ctx context.Context) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ctx = log.ToContext(ctx, log.FromSlog(slogger))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = retry.ToContext(ctx, retry.NewExponentialBackoffRetrier())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gitcored: listening on %s: %w", addr, err)
	}

	policy := receive.Policy{
		DenyNonFastForwards: denyNonFastFwd,
		DenyDeletes:         denyDeletes,
		DenyCurrentBranch:   denyCurrentBranch,
		CurrentBranch:       currentBranch,
	}

	d := daemon.New(newMemRepositoryResolver(policy), daemon.WithIOTimeout(ioTimeout))

	go func() {
		<-ctx.Done()
		_ = d.Stop()
	}()

	slogger.Info("gitcored listening", "addr", listener.Addr().String())
	return d.Start(ctx, listener)
}

// memRepository is a Repository backed by a process-local memstore.Store,
// created lazily the first time its path is resolved and kept for the life
// of the process.
type memRepository struct {
	store  *memstore.Store
	policy receive.Policy
}

func (r *memRepository) Store() objstore.Store               { return r.store }
func (r *memRepository) Walker() objstore.Walker             { return r.store }
func (r *memRepository) UploadPackEnabled() bool             { return false }
func (r *memRepository) ReceivePackEnabled() bool            { return true }
func (r *memRepository) HiddenRefs() advertise.HidePredicate { return nil }
func (r *memRepository) ReceivePolicy() receive.Policy       { return r.policy }

// memRepositoryResolver maps a repository path from the wire to a
// lazily-created memRepository, grounding gitcored's storage layer for a
// demonstration daemon without requiring an on-disk backend.
type memRepositoryResolver struct {
	policy receive.Policy

	mu    sync.Mutex
	repos map[string]*memRepository
}

func newMemRepositoryResolver(policy receive.Policy) *memRepositoryResolver {
	return &memRepositoryResolver{
		policy: policy,
		repos:  make(map[string]*memRepository),
	}
}

func (r *memRepositoryResolver) Resolve(_ context.Context, path string) (daemon.Repository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if repo, ok := r.repos[path]; ok {
		return repo, nil
	}
	repo := &memRepository{store: memstore.New(), policy: r.policy}
	r.repos[path] = repo
	return repo, nil
}
