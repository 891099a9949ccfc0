// Package negotiate implements the client-side Fetch Negotiator: the want/have exchange that discovers the smallest set of commits
// the server must pack for the client's refs to become supersets of the
// requested refs.
//
// The commit graph is walked in commit-time-descending order with
// per-commit flag bits carried to parents during parent materialization,
// using an explicit arena of index-addressed nodes rather than mutable
// object references.
package negotiate

import (
	"context"
	"errors"
	"fmt"

	"github.com/nanogit-core/gitcore/capability"
	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objstore"
	"github.com/nanogit-core/gitcore/pktline"
)

// Flag bits maintained on each walked commit.
type Flag uint8

const (
	// Advertised marks a commit present in the server's advertisement.
	Advertised Flag = 1 << iota
	// Reachable marks a commit reachable from a local ref or an
	// additional "already have" identity.
	Reachable
	// Common marks a commit known or inferred to be present on both
	// sides.
	Common
	// InWorkQueue marks a commit already enqueued, to avoid duplicate
	// enqueues during the walk.
	InWorkQueue
	// LocallySeen marks a commit already visited by the local seeding
	// walk.
	LocallySeen
)

const (
	// haveBatchSize is the number of "have" lines per flushed batch.
	haveBatchSize = 32

	// maxHavesSinceLastContinue bounds how many haves may be sent without
	// a COMMON response before the negotiator gives up probing further.
	maxHavesSinceLastContinue = 256
)

// Errors returned by Negotiate.
var (
	ErrCancelled                       = errors.New("negotiate: cancelled")
	ErrProtocolViolation               = errors.New("negotiate: protocol violation")
	ErrStatelessRPCRequiresDetailedAck = errors.New("negotiate: stateless RPC requires multi_ack_detailed")
)

// node is one commit in the walk arena, addressed by integer index rather
// than by object identity, so flag propagation never needs shared mutable
// references.
type node struct {
	id      hash.Hash
	parents []int // indices into the arena, resolved by loadParents
	time    int64 // -1 until loadParents has parsed this commit
	flags   Flag
}

// Negotiator drives one fetch's want/have exchange over a single framer.
type Negotiator struct {
	store  objstore.Walker
	framer *pktline.Framer

	arena  []*node
	byHash map[string]int
	queue  *objstore.CommitQueue

	caps capability.Set

	// statelessHaveLog accumulates every have line acknowledged common, for
	// replay at the start of the next stateless-RPC round.
	statelessHaveLog [][]byte
	stateless        bool

	progress Progress
}

// Progress is polled between batches and at each ACK; returning true
// cancels the negotiation.
type Progress func() (cancelled bool)

// Options configures a Negotiator.
type Options struct {
	// Stateless enables stateless-RPC mode: haves accumulate in a replay
	// buffer and are re-sent each round, and multi_ack_detailed is
	// required.
	Stateless bool
	// Progress, if non-nil, is polled between batches and at each ACK.
	Progress Progress
}

// New constructs a Negotiator that speaks over f, walking commits through
// walker, restricted to the capabilities the server advertised.
func New(walker objstore.Walker, f *pktline.Framer, serverCaps capability.Set, opts Options) (*Negotiator, error) {
	if opts.Stateless && !serverCaps.Has(capability.MultiAckDetailed) {
		return nil, ErrStatelessRPCRequiresDetailedAck
	}
	return &Negotiator{
		store:     walker,
		framer:    f,
		byHash:    make(map[string]int),
		queue:     objstore.NewCommitQueue(),
		caps:      restrictCapabilities(serverCaps),
		stateless: opts.Stateless,
		progress:  opts.Progress,
	}, nil
}

// clientRequestable is the ordered list of capabilities the client may
// enable, intersected against what the server advertised.
var clientRequestable = []string{
	capability.ThinPack,
	capability.OfsDelta,
	capability.SideBand64k,
	capability.SideBand,
	capability.IncludeTag,
	capability.NoProgress,
	capability.NoDone,
	capability.AllowTipSHA1InWant,
	capability.Filter,
	capability.MultiAckDetailed,
	capability.MultiAck,
}

func restrictCapabilities(serverCaps capability.Set) capability.Set {
	out := make(capability.Set)
	for _, name := range clientRequestable {
		if tok, ok := serverCaps[name]; ok {
			out[name] = tok
		}
	}
	return out
}

// lazyIndex reserves an arena slot for id without parsing it yet; the node
// is filled in lazily by loadParents when the walk reaches it.
func (n *Negotiator) lazyIndex(id hash.Hash) int {
	if idx, ok := n.byHash[id.String()]; ok {
		return idx
	}
	nd := &node{id: id, time: -1}
	idx := len(n.arena)
	n.arena = append(n.arena, nd)
	n.byHash[id.String()] = idx
	return idx
}

// loadParents parses idx's commit if it has not been parsed yet (time ==
// -1 sentinel from lazyIndex), filling in its parent edges.
func (n *Negotiator) loadParents(ctx context.Context, idx int) error {
	nd := n.arena[idx]
	if nd.time >= 0 {
		return nil
	}
	commit, err := n.store.ParseCommit(ctx, nd.id)
	if err != nil {
		return err
	}
	nd.time = commit.AuthorTime
	for _, p := range commit.Parents {
		nd.parents = append(nd.parents, n.lazyIndex(p))
	}
	return nil
}

// markReachable sets Reachable on idx and carries it to every ancestor:
// Advertised and Reachable are carried to parents unconditionally.
func (n *Negotiator) markReachable(ctx context.Context, idx int) error {
	stack := []int{idx}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		nd := n.arena[cur]
		if nd.flags&Reachable != 0 {
			continue
		}
		nd.flags |= Reachable
		if err := n.loadParents(ctx, cur); err != nil {
			return fmt.Errorf("negotiate: loading parents of %s: %w", nd.id, err)
		}
		stack = append(stack, nd.parents...)
	}
	return nil
}

// markCommon sets Common on idx and carries it along idx's ancestry, per
// the carry rule "COMMON is carried only along the ancestry of a commit
// just confirmed common".
func (n *Negotiator) markCommon(ctx context.Context, id hash.Hash) error {
	idx, ok := n.byHash[id.String()]
	if !ok {
		idx = n.lazyIndex(id)
	}
	stack := []int{idx}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		nd := n.arena[cur]
		if nd.flags&Common != 0 {
			continue
		}
		nd.flags |= Common
		if err := n.loadParents(ctx, cur); err != nil {
			return err
		}
		stack = append(stack, nd.parents...)
	}
	return nil
}

// SeedLocal marks every localRef and additionalHave REACHABLE and enqueues
// it.
func (n *Negotiator) SeedLocal(ctx context.Context, localRefs, additionalHaves []hash.Hash) error {
	for _, id := range append(append([]hash.Hash{}, localRefs...), additionalHaves...) {
		idx := n.lazyIndex(id)
		if err := n.loadParents(ctx, idx); err != nil {
			return fmt.Errorf("negotiate: seeding %s: %w", id, err)
		}
		if err := n.markReachable(ctx, idx); err != nil {
			return err
		}
		n.enqueue(idx)
	}
	return nil
}

func (n *Negotiator) enqueue(idx int) {
	nd := n.arena[idx]
	if nd.flags&InWorkQueue != 0 {
		return
	}
	nd.flags |= InWorkQueue
	n.queue.Add(&objstore.CommitNode{ID: nd.id, AuthorTime: nd.time})
}

// Result is what a negotiation round concluded with.
type Result struct {
	// Wanted is false if there was nothing to fetch.
	Wanted bool
	// Ready is true if the server reported `ready` before an unqualified
	// ACK, meaning it has everything it needs.
	Ready bool
}

// Run drives the full want/have exchange: sending wants, seeding and
// walking the local graph, sending have batches, and reading ACKs until
// termination. wantIDs are the advertised identities the caller actually
// wants; localRefs and additionalHaves seed the local graph.
func (n *Negotiator) Run(ctx context.Context, wantIDs []hash.Hash, localRefs, additionalHaves []hash.Hash) (*Result, error) {
	for _, id := range wantIDs {
		n.arena[n.lazyIndex(id)].flags |= Advertised
	}

	filtered := n.filterAlreadyReachable(ctx, wantIDs, localRefs, additionalHaves)
	if len(filtered) == 0 {
		return &Result{Wanted: false}, nil
	}

	if err := n.sendWants(filtered); err != nil {
		return nil, err
	}

	if err := n.SeedLocal(ctx, localRefs, additionalHaves); err != nil {
		return nil, err
	}

	res, err := n.negotiateHaves(ctx)
	if err != nil {
		return nil, err
	}
	res.Wanted = true
	return res, nil
}

// filterAlreadyReachable drops any want already REACHABLE locally, so a
// repeat fetch against unchanged refs sends zero wants.
func (n *Negotiator) filterAlreadyReachable(ctx context.Context, wantIDs, localRefs, additionalHaves []hash.Hash) []hash.Hash {
	reachable := make(map[string]bool)
	for _, id := range append(append([]hash.Hash{}, localRefs...), additionalHaves...) {
		idx := n.lazyIndex(id)
		_ = n.markReachable(ctx, idx)
		reachable[id.String()] = true
	}
	// markReachable above also marks ancestors; collect those too.
	for _, nd := range n.arena {
		if nd.flags&Reachable != 0 {
			reachable[nd.id.String()] = true
		}
	}

	out := make([]hash.Hash, 0, len(wantIDs))
	for _, id := range wantIDs {
		if !reachable[id.String()] {
			out = append(out, id)
		}
	}
	return out
}

func (n *Negotiator) sendWants(wantIDs []hash.Hash) error {
	capsLine := n.caps.String()
	for i, id := range wantIDs {
		line := "want " + id.String()
		if i == 0 && capsLine != "" {
			line += " " + capsLine
		}
		if err := n.framer.Write([]byte(line + "\n")); err != nil {
			return fmt.Errorf("negotiate: writing want: %w", err)
		}
	}
	return n.framer.WriteFlush()
}

func (n *Negotiator) negotiateHaves(ctx context.Context) (*Result, error) {
	havesSinceLastContinue := 0
	pipelined := false
	// Only the commits already queued from seeding (not ones discovered
	// as a side effect of popping this round's batch) count toward
	// deciding whether a second batch must be pipelined ahead of the
	// first ACK read: with only a handful of local tips there is nothing to
	// pipeline, and sending ancestors the server hasn't asked about yet
	// would contradict a minimal negotiation trace.
	initialSeedCount := n.queue.Len()

	for n.queue.Len() > 0 {
		if n.progress != nil && n.progress() {
			return nil, ErrCancelled
		}

		batch := n.popBatch()
		if len(batch) == 0 {
			break
		}
		if err := n.sendHaveBatch(batch); err != nil {
			return nil, err
		}
		havesSinceLastContinue += len(batch)

		// Pipeline a second batch before reading the first batch's ACKs,
		// to keep one batch ahead of the server.
		if !pipelined {
			pipelined = true
			if initialSeedCount > haveBatchSize && n.queue.Len() > 0 {
				second := n.popBatch()
				if len(second) > 0 {
					if err := n.sendHaveBatch(second); err != nil {
						return nil, err
					}
					havesSinceLastContinue += len(second)
				}
			}
		}

		ready, stop, sawCommon, err := n.readAcksForBatch(ctx)
		if err != nil {
			return nil, err
		}
		if sawCommon {
			havesSinceLastContinue = 0
		}
		if ready {
			return n.conclude(ctx, true)
		}
		if stop {
			return n.conclude(ctx, false)
		}
		if havesSinceLastContinue > maxHavesSinceLastContinue {
			break
		}
	}
	return n.conclude(ctx, false)
}

// popBatch pops up to haveBatchSize commits from the queue, bounded by the
// queue's size at the start of the call: a parent enqueued while building
// this batch is probed in a later round, not this one, so a single locally
// seeded tip produces a single "have" line per round rather than draining
// its whole ancestry at once.
func (n *Negotiator) popBatch() []*node {
	limit := haveBatchSize
	if avail := n.queue.Len(); avail < limit {
		limit = avail
	}

	batch := make([]*node, 0, limit)
	for i := 0; i < limit; i++ {
		cn := n.queue.Next()
		if cn == nil {
			break
		}
		idx := n.byHash[cn.ID.String()]
		nd := n.arena[idx]
		if nd.flags&Common != 0 {
			// Carried COMMON already covers this commit's ancestry; no
			// need to send a have or probe further up from it.
			continue
		}
		batch = append(batch, nd)
		for _, p := range nd.parents {
			n.enqueue(p)
		}
	}
	return batch
}

func (n *Negotiator) sendHaveBatch(batch []*node) error {
	for _, nd := range batch {
		if err := n.framer.Write([]byte("have " + nd.id.String() + "\n")); err != nil {
			return fmt.Errorf("negotiate: writing have: %w", err)
		}
	}
	return n.framer.WriteFlush()
}

// readAcksForBatch reads ACK/NAK packets until the next flush-delimited
// boundary, applying flag updates. ready reports
// whether the server signalled `ready`; stop reports an unqualified ACK;
// sawCommon reports whether any continue/common/ready ACK arrived, which
// resets havesSinceLastContinue.
func (n *Negotiator) readAcksForBatch(ctx context.Context) (ready, stop, sawCommon bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, false, false, err
		}
		if n.progress != nil && n.progress() {
			return false, false, false, ErrCancelled
		}
		rec, err := n.framer.Read()
		if err != nil {
			return false, false, false, err
		}
		switch rec.Kind {
		case pktline.KindFlush:
			return false, false, sawCommon, nil
		case pktline.KindData:
		default:
			continue
		}

		line := string(rec.Data)
		switch {
		case line == "NAK\n" || line == "NAK":
			continue
		case len(line) >= 4 && line[:4] == "ACK ":
			idHex, qualifier, hasQualifier := splitAck(line)
			id, parseErr := hash.FromHex(idHex)
			if parseErr != nil {
				return false, false, false, fmt.Errorf("%w: malformed ACK identity %q", ErrProtocolViolation, idHex)
			}
			if !hasQualifier {
				return false, true, sawCommon, nil
			}
			switch qualifier {
			case "continue", "common":
				if err := n.markCommon(ctx, id); err != nil {
					return false, false, false, err
				}
				n.logCommonHave(id)
				sawCommon = true
			case "ready":
				if err := n.markCommon(ctx, id); err != nil {
					return false, false, false, err
				}
				n.logCommonHave(id)
				return true, false, true, nil
			default:
				return false, false, false, fmt.Errorf("%w: unrecognized ACK qualifier %q", ErrProtocolViolation, qualifier)
			}
		default:
			return false, false, false, fmt.Errorf("%w: unexpected packet %q", ErrProtocolViolation, line)
		}
	}
}

func splitAck(line string) (id, qualifier string, hasQualifier bool) {
	rest := line[len("ACK "):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ' ' || rest[i] == '\n' {
			if rest[i] == ' ' {
				id = rest[:i]
				qualifier = rest[i+1:]
				if j := lastIndexOf(qualifier, '\n'); j >= 0 {
					qualifier = qualifier[:j]
				}
				return id, qualifier, true
			}
			return rest[:i], "", false
		}
	}
	return rest, "", false
}

func lastIndexOf(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// conclude sends `done` (unless ready and no-done let us skip it). It does
// not read the server's final ACK/NAK; that response is left on the framer
// ahead of the pack stream.
func (n *Negotiator) conclude(ctx context.Context, ready bool) (*Result, error) {
	if ready && n.caps.Has(capability.NoDone) {
		return &Result{Ready: true}, nil
	}
	if err := n.framer.Write([]byte("done\n")); err != nil {
		return nil, fmt.Errorf("negotiate: writing done: %w", err)
	}
	return &Result{Ready: ready}, nil
}

// logCommonHave records an acknowledged-common have line in the
// stateless-RPC replay buffer.
func (n *Negotiator) logCommonHave(id hash.Hash) {
	if n.stateless {
		n.statelessHaveLog = append(n.statelessHaveLog, []byte("have "+id.String()+"\n"))
	}
}

// ReplayHaves returns every have line acknowledged common, for re-sending
// at the start of the next stateless-RPC round.
func (n *Negotiator) ReplayHaves() [][]byte {
	return n.statelessHaveLog
}
