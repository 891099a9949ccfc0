// Package receive implements the Receive Engine: the
// server side of a push. It parses the client's ref-update commands,
// enforces policy, receives and connectivity-checks the accompanying pack,
// runs pre/post-receive hooks, applies ref updates, and formats the
// status report.
//
// Phases communicate through a single Transaction passed by reference:
// each phase mutates per-command results in place rather than throwing
// across phase boundaries, with a rejected-command mutation as the only
// back-channel.
package receive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nanogit-core/gitcore/capability"
	"github.com/nanogit-core/gitcore/connectivity"
	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objstore"
	"github.com/nanogit-core/gitcore/pack"
	"github.com/nanogit-core/gitcore/pktline"
	"github.com/nanogit-core/gitcore/refname"
)

// CommandKind classifies a single ref-update command.
type CommandKind int

const (
	Create CommandKind = iota
	Delete
	Update
	UpdateNonFastForward
)

func (k CommandKind) String() string {
	switch k {
	case Create:
		return "create"
	case Delete:
		return "delete"
	case Update:
		return "update"
	case UpdateNonFastForward:
		return "non-fast-forward"
	default:
		return "unknown"
	}
}

// Command is one parsed `<old-id> <new-id> <ref-name>` wire record.
type Command struct {
	OldID   hash.Hash
	NewID   hash.Hash
	RefName string
	Kind    CommandKind
}

// Outcome is the settled state of a CommandResult.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeOK
	OutcomeRejected
)

// CommandResult tracks one command's classification and, once settled, its
// accept/reject outcome and status-report reason text.
type CommandResult struct {
	Command Command
	Outcome Outcome
	Reason  string // wire-format reason for "ng <ref> <reason>"; empty when OK
	Err     error  // programmatic cause of a rejection, for errors.Is/As
}

func (r *CommandResult) reject(err error, reason string) {
	r.Outcome = OutcomeRejected
	r.Err = err
	r.Reason = reason
}

// Transaction is the shared state threaded through the validation pipeline.
type Transaction struct {
	Results     []*CommandResult
	Pack        *pack.Result
	UnpackError error
}

func (tx *Transaction) nonRejected() []*CommandResult {
	var out []*CommandResult
	for _, r := range tx.Results {
		if r.Outcome != OutcomeRejected {
			out = append(out, r)
		}
	}
	return out
}

// Policy configures which update rules the server enforces.
type Policy struct {
	DenyDeletes         bool
	DenyNonFastForwards bool
	DenyCurrentBranch   bool
	DenyDeleteCurrent   bool
	// CurrentBranch is the ref name the repository's HEAD symbolically
	// points at, or empty if unknown/detached. Used by DenyCurrentBranch
	// and DenyDeleteCurrent.
	CurrentBranch string
}

// PreReceiveHook observes every non-rejected command and may reject
// additional ones by mutating their CommandResult directly.
type PreReceiveHook func(ctx context.Context, results []*CommandResult) error

// PostReceiveHook observes the final outcome of every command, after ref
// updates have been applied.
type PostReceiveHook func(ctx context.Context, results []*CommandResult)

// Options configures one Receive call.
type Options struct {
	Store  objstore.Store
	Walker objstore.Walker
	Policy Policy

	PreReceive  PreReceiveHook
	PostReceive PostReceiveHook

	// AdvertisedHaves is the full set of identities the server advertised
	// for this session, used as the connectivity check's fallback have
	// set.
	AdvertisedHaves []hash.Hash

	// Thin allows the incoming pack's REF-deltas to name bases resident
	// in Store but absent from the pack itself.
	Thin bool
	// Check, if non-nil, structurally validates each resolved object
	// before insertion.
	Check func(pack.Object) error
}

var (
	ErrMalformedCommand        = errors.New("receive: malformed command")
	ErrDenyDeletes             = errors.New("receive: deletes denied")
	ErrDenyNonFastForwards     = errors.New("receive: non-fast-forwards denied")
	ErrDenyCurrentBranch       = errors.New("receive: updates to the current branch denied")
	ErrDenyDeleteCurrent       = errors.New("receive: deletion of the current branch denied")
	ErrAtomicTransactionFailed = errors.New("receive: atomic transaction failed")
)

// Receive runs the full validation pipeline over one push session: parses commands, enforces policy, receives and
// connectivity-checks the pack, runs hooks, applies ref updates, and, if
// the client requested report-status, writes the status report.
func Receive(ctx context.Context, f *pktline.Framer, opts Options) (*Transaction, error) {
	commands, caps, err := parseCommands(f)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{}
	for _, cmd := range commands {
		result := classifyAndValidate(cmd)
		tx.Results = append(tx.Results, result)
	}

	for _, r := range tx.Results {
		if r.Outcome == OutcomeRejected {
			continue
		}
		enforcePolicy(opts.Policy, r)
	}

	needsPack := false
	for _, r := range tx.Results {
		if r.Outcome != OutcomeRejected && r.Command.Kind != Delete {
			needsPack = true
			break
		}
	}

	if needsPack {
		packResult, perr := pack.Parse(ctx, f.PackReader(), pack.Options{
			Thin:  opts.Thin,
			Store: opts.Store,
			Check: opts.Check,
		})
		if perr != nil {
			tx.UnpackError = perr
			for _, r := range tx.Results {
				if r.Outcome != OutcomeRejected {
					r.reject(perr, "unpacker error")
				}
			}
			return tx, writeStatusReportIfRequested(f, caps, tx)
		}
		tx.Pack = packResult
	}

	// Fast-forward status can only be determined once the pushed commit is
	// resolvable, which for a newly-pushed tip means after the pack above
	// has landed it in the store.
	finalizeFastForward(ctx, opts.Walker, opts.Policy, tx)

	if opts.PreReceive != nil {
		if err := opts.PreReceive(ctx, tx.Results); err != nil {
			return tx, fmt.Errorf("receive: pre-receive hook: %w", err)
		}
	}

	if err := checkConnectivity(ctx, opts, tx); err != nil {
		return tx, fmt.Errorf("receive: connectivity check: %w", err)
	}

	if caps.Has(capability.Atomic) {
		enforceAtomicRejection(tx)
	}

	if err := applyRefUpdates(ctx, opts.Store, caps, tx); err != nil {
		return tx, err
	}

	if opts.PostReceive != nil {
		opts.PostReceive(ctx, tx.Results)
	}

	return tx, writeStatusReportIfRequested(f, caps, tx)
}

// parseCommands reads `<old> <new> <ref>` records until a flush, parsing
// the first record's NUL-delimited capability trailer.
func parseCommands(f *pktline.Framer) ([]Command, capability.Set, error) {
	var commands []Command
	caps := make(capability.Set)
	first := true

	for {
		rec, err := f.Read()
		if err != nil {
			return nil, nil, err
		}
		if rec.Kind == pktline.KindFlush {
			break
		}
		if rec.Kind != pktline.KindData {
			continue
		}

		line := strings.TrimSuffix(string(rec.Data), "\n")
		if first {
			if nul := strings.IndexByte(line, 0); nul >= 0 {
				caps = capability.Parse(line[nul+1:])
				line = line[:nul]
			}
			first = false
		}

		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return nil, nil, fmt.Errorf("%w: %q", ErrMalformedCommand, line)
		}
		oldID, err := hash.FromHex(fields[0])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad old-id in %q: %v", ErrMalformedCommand, line, err)
		}
		newID, err := hash.FromHex(fields[1])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad new-id in %q: %v", ErrMalformedCommand, line, err)
		}
		commands = append(commands, Command{OldID: oldID, NewID: newID, RefName: fields[2]})
	}

	return commands, caps, nil
}

// classifyAndValidate classifies cmd's kind and rejects it up front if its
// ref name is malformed. Create/Delete are determined
// from the zero-ness of old/new alone; an Update is only provisional here,
// since finalizeFastForward resolves it to Update or UpdateNonFastForward
// once the new commit is resolvable.
func classifyAndValidate(cmd Command) *CommandResult {
	result := &CommandResult{Command: cmd}

	if !refname.IsValid(cmd.RefName) {
		result.reject(ErrMalformedCommand, "funny refname")
		return result
	}

	kind, err := classifyTrivial(cmd.OldID, cmd.NewID)
	if err != nil {
		result.reject(err, "other reason")
		return result
	}
	cmd.Kind = kind
	result.Command = cmd
	return result
}

// classifyTrivial implements the zero/non-zero half of the old-id/new-id
// classification; it never needs the object store.
func classifyTrivial(old, new hash.Hash) (CommandKind, error) {
	switch {
	case old.IsZero() && !new.IsZero():
		return Create, nil
	case !old.IsZero() && new.IsZero():
		return Delete, nil
	case !old.IsZero() && !new.IsZero():
		return Update, nil
	default:
		return 0, fmt.Errorf("receive: command has zero old-id and zero new-id")
	}
}

// finalizeFastForward resolves every provisionally-Update command to Update
// or UpdateNonFastForward now that the pushed pack has landed, and applies
// denyNonFastForwards. A command whose ancestry
// can't be walked (a genuinely missing object) is rejected rather than
// aborting the whole push.
func finalizeFastForward(ctx context.Context, walker objstore.Walker, policy Policy, tx *Transaction) {
	for _, r := range tx.Results {
		if r.Outcome == OutcomeRejected || r.Command.Kind != Update {
			continue
		}
		ff, err := isAncestor(ctx, walker, r.Command.OldID, r.Command.NewID)
		if err != nil {
			r.reject(err, "other reason")
			continue
		}
		if ff {
			continue
		}
		r.Command.Kind = UpdateNonFastForward
		if policy.DenyNonFastForwards {
			r.reject(ErrDenyNonFastForwards, "non-fast forward")
		}
	}
}

// isAncestor walks descendant's ancestry looking for ancestor. A zero
// ancestor trivially matches (ref creation has no fast-forward constraint).
func isAncestor(ctx context.Context, walker objstore.Walker, ancestor, descendant hash.Hash) (bool, error) {
	if ancestor.IsZero() {
		return true, nil
	}

	visited := make(map[string]bool)
	queue := []hash.Hash{descendant}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		id := queue[0]
		queue = queue[1:]

		key := id.String()
		if id.IsZero() || visited[key] {
			continue
		}
		visited[key] = true
		if id.Is(ancestor) {
			return true, nil
		}

		node, err := walker.ParseCommit(ctx, id)
		if err != nil {
			return false, err
		}
		queue = append(queue, node.Parents...)
	}
	return false, nil
}

// enforcePolicy applies the denyDeletes/denyCurrentBranch/denyDeleteCurrent
// flags. denyNonFastForwards is handled separately by
// finalizeFastForward, once the pushed commit is resolvable.
func enforcePolicy(policy Policy, r *CommandResult) {
	cmd := r.Command

	if cmd.Kind == Delete {
		if policy.DenyDeletes {
			r.reject(ErrDenyDeletes, "deletion prohibited")
			return
		}
		if policy.DenyDeleteCurrent && policy.CurrentBranch != "" && cmd.RefName == policy.CurrentBranch {
			r.reject(ErrDenyDeleteCurrent, "deletion of the current branch prohibited")
			return
		}
	}

	if cmd.Kind != Delete && policy.DenyCurrentBranch && policy.CurrentBranch != "" && cmd.RefName == policy.CurrentBranch {
		r.reject(ErrDenyCurrentBranch, "branch is currently checked out")
	}
}

// checkConnectivity runs the connectivity check over every non-rejected,
// non-deletion command's new identity, rejecting them all uniformly on
// failure.
func checkConnectivity(ctx context.Context, opts Options, tx *Transaction) error {
	var roots []hash.Hash
	var nonDeletion []*CommandResult
	for _, r := range tx.nonRejected() {
		if r.Command.Kind == Delete {
			continue
		}
		roots = append(roots, r.Command.NewID)
		nonDeletion = append(nonDeletion, r)
	}
	if len(roots) == 0 {
		return nil
	}

	packObjects := make(map[string]bool)
	if tx.Pack != nil {
		for _, obj := range tx.Pack.Objects {
			packObjects[obj.ID.String()] = true
		}
	}

	narrow := narrowHaveSet(ctx, opts.Walker, commandsOf(tx.Results))
	err := connectivity.CheckConnected(ctx, opts.Store, roots, narrow, opts.AdvertisedHaves, connectivity.Options{
		StrictReachableObjects: true,
		PackObjects:            packObjects,
	})
	if err != nil {
		for _, r := range nonDeletion {
			r.reject(err, "missing necessary objects")
		}
	}
	return nil
}

func commandsOf(results []*CommandResult) []Command {
	out := make([]Command, len(results))
	for i, r := range results {
		out[i] = r.Command
	}
	return out
}

// narrowHaveSet collects every command's pre-update old identity and its
// immediate parents, the small set tried before falling back to the full
// advertised-haves set.
func narrowHaveSet(ctx context.Context, walker objstore.Walker, commands []Command) []hash.Hash {
	seen := make(map[string]bool)
	var out []hash.Hash
	add := func(id hash.Hash) {
		if id.IsZero() || seen[id.String()] {
			return
		}
		seen[id.String()] = true
		out = append(out, id)
	}

	for _, cmd := range commands {
		add(cmd.OldID)
		if cmd.OldID.IsZero() {
			continue
		}
		if node, err := walker.ParseCommit(ctx, cmd.OldID); err == nil {
			for _, p := range node.Parents {
				add(p)
			}
		}
	}
	return out
}

// enforceAtomicRejection implements atomic mode: once any command is
// rejected, every other command is rejected too with reason "atomic
// transaction failed", since an atomic push either fully succeeds or
// fully fails.
func enforceAtomicRejection(tx *Transaction) {
	anyRejected := false
	for _, r := range tx.Results {
		if r.Outcome == OutcomeRejected {
			anyRejected = true
			break
		}
	}
	if !anyRejected {
		return
	}
	for _, r := range tx.Results {
		if r.Outcome != OutcomeRejected {
			r.reject(ErrAtomicTransactionFailed, "atomic transaction failed")
		}
	}
}

// applyRefUpdates executes every remaining non-rejected command, atomically
// if the client requested the atomic capability.
func applyRefUpdates(ctx context.Context, store objstore.Store, caps capability.Set, tx *Transaction) error {
	toApply := tx.nonRejected()
	if len(toApply) == 0 {
		return nil
	}

	atomic := caps.Has(capability.Atomic)
	cmds := make([]objstore.RefUpdateCommand, len(toApply))
	for i, r := range toApply {
		cmds[i] = objstore.RefUpdateCommand{
			Name:      r.Command.RefName,
			OldID:     r.Command.OldID,
			NewID:     r.Command.NewID,
			ExpectOld: true,
		}
	}

	results, err := store.BatchUpdate(ctx, cmds, atomic)
	if err != nil {
		return fmt.Errorf("receive: batch ref update: %w", err)
	}

	anyFailed := false
	for i, res := range results {
		if res == objstore.RefUpdateOK {
			toApply[i].Outcome = OutcomeOK
			continue
		}
		anyFailed = true
		toApply[i].reject(nil, res.String())
	}

	if atomic && anyFailed {
		// The store's atomic contract rejects the whole batch on one
		// failure; surface the same "atomic transaction failed" wording
		// used by enforceAtomicRejection rather than each ref's raw
		// RefUpdateResult text.
		for _, r := range toApply {
			if r.Outcome != OutcomeOK {
				r.reject(ErrAtomicTransactionFailed, "atomic transaction failed")
			}
		}
	}

	return nil
}

// writeStatusReportIfRequested writes the `unpack ok|<reason>` / `ok
// <ref>`|`ng <ref> <reason>` report if the client requested report-status.
func writeStatusReportIfRequested(f *pktline.Framer, caps capability.Set, tx *Transaction) error {
	if !caps.Has(capability.ReportStatus) {
		return nil
	}

	unpackLine := "unpack ok"
	if tx.UnpackError != nil {
		unpackLine = "unpack " + tx.UnpackError.Error()
	}
	if err := f.Write([]byte(unpackLine + "\n")); err != nil {
		return err
	}

	for _, r := range tx.Results {
		var line string
		if r.Outcome == OutcomeOK {
			line = "ok " + r.Command.RefName
		} else {
			line = "ng " + r.Command.RefName + " " + r.Reason
		}
		if err := f.Write([]byte(line + "\n")); err != nil {
			return err
		}
	}
	return f.WriteFlush()
}
