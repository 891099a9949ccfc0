// Package objkind defines the tagged union of object kinds the object store
// holds (commit, tree, blob, tag), their pack-format type codes, and the
// minimal structural parsing needed by object checking and the
// connectivity walk: a commit's tree and parents, a tree's entries, and a
// tag's target.
package objkind

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/nanogit-core/gitcore/hash"
)

// Type is a Git object type. Values match the 3-bit pack-format type field.
type Type uint8

const (
	TypeInvalid  Type = 0 // 0b000
	TypeCommit   Type = 1 // 0b001
	TypeTree     Type = 2 // 0b010
	TypeBlob     Type = 3 // 0b011
	TypeTag      Type = 4 // 0b100
	TypeReserved Type = 5 // 0b101
	TypeOfsDelta Type = 6 // 0b110
	TypeRefDelta Type = 7 // 0b111
)

// String returns Git's conventional object-type name for debugging/logging.
func (t Type) String() string {
	switch t {
	case TypeCommit:
		return "commit"
	case TypeTree:
		return "tree"
	case TypeBlob:
		return "blob"
	case TypeTag:
		return "tag"
	case TypeOfsDelta:
		return "ofs-delta"
	case TypeRefDelta:
		return "ref-delta"
	case TypeInvalid, TypeReserved:
		fallthrough
	default:
		return fmt.Sprintf("objkind.Type(%d)", uint8(t))
	}
}

// IsValid reports whether t is a defined, non-reserved 3-bit type code.
func (t Type) IsValid() bool {
	return t != TypeInvalid && t != TypeReserved && (t & ^Type(0b111)) == 0
}

// IsDelta reports whether t names a delta representation rather than a
// whole object.
func (t Type) IsDelta() bool {
	return t == TypeOfsDelta || t == TypeRefDelta
}

// Commit is the parsed form of a commit object, exposing only the fields
// the negotiator's graph walk and the connectivity checker need: its tree,
// its parents, and its author time for the commit-time-descending queue.
type Commit struct {
	Tree       hash.Hash
	Parents    []hash.Hash
	AuthorTime int64
	Raw        []byte
}

// ParseCommit parses a commit object's serialized (non-type-tagged) body.
func ParseCommit(body []byte) (*Commit, error) {
	c := &Commit{Raw: body}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // header/body separator
		}
		switch {
		case strings.HasPrefix(line, "tree "):
			h, err := hash.FromHex(strings.TrimPrefix(line, "tree "))
			if err != nil {
				return nil, fmt.Errorf("objkind: malformed commit tree line: %w", err)
			}
			c.Tree = h
		case strings.HasPrefix(line, "parent "):
			h, err := hash.FromHex(strings.TrimPrefix(line, "parent "))
			if err != nil {
				return nil, fmt.Errorf("objkind: malformed commit parent line: %w", err)
			}
			c.Parents = append(c.Parents, h)
		case strings.HasPrefix(line, "author "):
			ts, err := parseIdentityTime(strings.TrimPrefix(line, "author "))
			if err == nil {
				c.AuthorTime = ts
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if c.Tree.IsZero() {
		return nil, fmt.Errorf("objkind: commit missing tree")
	}
	return c, nil
}

// parseIdentityTime extracts the unix timestamp from a Git identity line of
// the form "name <email> <timestamp> <timezone>".
func parseIdentityTime(identity string) (int64, error) {
	fields := strings.Fields(identity)
	if len(fields) < 2 {
		return 0, fmt.Errorf("objkind: malformed identity %q", identity)
	}
	tsField := fields[len(fields)-2]
	var ts int64
	if _, err := fmt.Sscanf(tsField, "%d", &ts); err != nil {
		return 0, fmt.Errorf("objkind: malformed identity timestamp %q: %w", tsField, err)
	}
	return ts, nil
}

// TreeEntry is one entry of a tree object: a name, a Unix-style mode, and
// the identity of the subtree or blob it names.
type TreeEntry struct {
	Mode string
	Name string
	ID   hash.Hash
}

// Tree is the parsed form of a tree object.
type Tree struct {
	Entries []TreeEntry
}

// ParseTree parses a tree object's serialized body: a sequence of
// "<mode> <name>\x00<20-byte-id>" records with no separators between them.
func ParseTree(body []byte) (*Tree, error) {
	t := &Tree{}
	for len(body) > 0 {
		sp := bytes.IndexByte(body, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("objkind: malformed tree entry: missing mode separator")
		}
		mode := string(body[:sp])
		rest := body[sp+1:]

		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, fmt.Errorf("objkind: malformed tree entry: missing name terminator")
		}
		name := string(rest[:nul])
		if name == "" || name == "." || name == ".." {
			return nil, fmt.Errorf("objkind: illegal tree entry name %q", name)
		}
		rest = rest[nul+1:]
		if len(rest) < hash.Size {
			return nil, fmt.Errorf("objkind: truncated tree entry identity")
		}
		id, err := hash.FromBytes(rest[:hash.Size])
		if err != nil {
			return nil, err
		}

		t.Entries = append(t.Entries, TreeEntry{Mode: mode, Name: name, ID: id})
		body = rest[hash.Size:]
	}
	return t, nil
}

// Tag is the parsed form of a tag object: the object its "object" line
// names directly (itself possibly another tag), used for peeled-ref
// resolution.
type Tag struct {
	Object hash.Hash
	Type   Type
}

// ParseTag parses a tag object's serialized body.
func ParseTag(body []byte) (*Tag, error) {
	tag := &Tag{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		switch {
		case strings.HasPrefix(line, "object "):
			h, err := hash.FromHex(strings.TrimPrefix(line, "object "))
			if err != nil {
				return nil, fmt.Errorf("objkind: malformed tag object line: %w", err)
			}
			tag.Object = h
		case strings.HasPrefix(line, "type "):
			switch strings.TrimPrefix(line, "type ") {
			case "commit":
				tag.Type = TypeCommit
			case "tree":
				tag.Type = TypeTree
			case "blob":
				tag.Type = TypeBlob
			case "tag":
				tag.Type = TypeTag
			}
		}
	}
	if tag.Object.IsZero() {
		return nil, fmt.Errorf("objkind: tag missing target object")
	}
	return tag, nil
}
