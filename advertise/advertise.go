// Package advertise implements the Advertisement Engine: the
// serving side's initial ref-plus-capabilities message, and the consuming
// side's parse of it.
package advertise

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nanogit-core/gitcore/capability"
	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/pktline"
)

// Ref is one advertised reference: a name, its identity, and, for an
// annotated tag, the peeled identity of the non-tag object it ultimately
// points at.
type Ref struct {
	Name   string
	ID     hash.Hash
	Peeled hash.Hash // nil/zero if Name does not name an annotated tag
}

// HidePredicate reports whether a ref name should be omitted from both the
// advertisement and subsequent "want" validation.
type HidePredicate func(name string) bool

// Write emits the advertisement: each ref as "<id> <name>" packet in
// lexicographic order with HEAD first, the first packet additionally
// carrying the NUL-delimited capability list, peeled refs emitted
// immediately after their base ref when the peel capability is active,
// and a trailing flush. If every ref is hidden (or refs is empty), a
// single "capabilities^{}" phantom ref with the zero identity is emitted
// instead, so the capability list is never lost.
func Write(f *pktline.Framer, refs []Ref, caps capability.Set, hide HidePredicate) error {
	visible := make([]Ref, 0, len(refs))
	for _, r := range refs {
		if hide != nil && hide(r.Name) {
			continue
		}
		visible = append(visible, r)
	}
	sortRefsHeadFirst(visible)

	if len(visible) == 0 {
		line := fmt.Sprintf("%s capabilities^{}\x00%s\n", hash.Zero.String(), caps.String())
		if err := f.Write([]byte(line)); err != nil {
			return err
		}
		return f.WriteFlush()
	}

	peelActive := caps.Has(capability.Peel)
	first := true
	for _, r := range visible {
		line := fmt.Sprintf("%s %s", r.ID.String(), r.Name)
		if first {
			line = fmt.Sprintf("%s\x00%s", line, caps.String())
			first = false
		}
		if err := f.Write([]byte(line + "\n")); err != nil {
			return err
		}
		if peelActive && !r.Peeled.IsZero() {
			peelLine := fmt.Sprintf("%s %s^{}\n", r.Peeled.String(), r.Name)
			if err := f.Write([]byte(peelLine)); err != nil {
				return err
			}
		}
	}
	return f.WriteFlush()
}

// sortRefsHeadFirst orders refs lexicographically by name, with HEAD
// first if present.
func sortRefsHeadFirst(refs []Ref) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Name == "HEAD" {
			return refs[j].Name != "HEAD"
		}
		if refs[j].Name == "HEAD" {
			return false
		}
		return refs[i].Name < refs[j].Name
	})
}

// Advertisement is the consuming side's parse of Write's output.
type Advertisement struct {
	Capabilities capability.Set
	Refs         []Ref
}

// Read consumes packets until a flush, parsing the first packet's
// NUL-delimited trailer as the capability list and attaching any "<name>^{}"
// packet as the peeled identity of its base ref.
func Read(f *pktline.Framer) (*Advertisement, error) {
	adv := &Advertisement{}
	byName := make(map[string]int)

	first := true
	for {
		rec, err := f.Read()
		if err != nil {
			return nil, err
		}
		if rec.Kind == pktline.KindFlush {
			break
		}
		if rec.Kind != pktline.KindData {
			continue
		}

		line := strings.TrimSuffix(string(rec.Data), "\n")
		if first {
			nul := strings.IndexByte(line, 0)
			if nul < 0 {
				return nil, fmt.Errorf("advertise: first packet missing capability trailer")
			}
			adv.Capabilities = capability.Parse(line[nul+1:])
			line = line[:nul]
			first = false
		}

		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("advertise: malformed ref line %q", line)
		}
		id, err := hash.FromHex(line[:sp])
		if err != nil {
			return nil, fmt.Errorf("advertise: malformed identity in %q: %w", line, err)
		}
		name := line[sp+1:]

		if name == "capabilities^{}" {
			// Phantom ref for an empty advertisement: capabilities only.
			continue
		}

		if base, ok := strings.CutSuffix(name, "^{}"); ok {
			idx, ok := byName[base]
			if !ok {
				return nil, fmt.Errorf("advertise: peeled ref %q has no base ref", name)
			}
			adv.Refs[idx].Peeled = id
			continue
		}

		adv.Refs = append(adv.Refs, Ref{Name: name, ID: id})
		byName[name] = len(adv.Refs) - 1
	}

	return adv, nil
}
