package pack

// applyDelta reconstructs an object's content by replaying a delta payload
// against its fully-resolved base. The
// payload begins with two size varints (source size, then target size)
// followed by a sequence of copy and insert instructions.
func applyDelta(base, delta []byte) ([]byte, error) {
	srcSize, rest, err := decodeDeltaSize(delta)
	if err != nil {
		return nil, err
	}
	if uint64(len(base)) != srcSize {
		return nil, ErrMalformedDelta
	}

	targetSize, rest, err := decodeDeltaSize(rest)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, targetSize)
	for len(rest) > 0 {
		cmd := rest[0]
		rest = rest[1:]

		switch {
		case cmd&0x80 != 0:
			var offset, size uint32
			if cmd&0x01 != 0 {
				if len(rest) < 1 {
					return nil, ErrMalformedDelta
				}
				offset = uint32(rest[0])
				rest = rest[1:]
			}
			if cmd&0x02 != 0 {
				if len(rest) < 1 {
					return nil, ErrMalformedDelta
				}
				offset |= uint32(rest[0]) << 8
				rest = rest[1:]
			}
			if cmd&0x04 != 0 {
				if len(rest) < 1 {
					return nil, ErrMalformedDelta
				}
				offset |= uint32(rest[0]) << 16
				rest = rest[1:]
			}
			if cmd&0x08 != 0 {
				if len(rest) < 1 {
					return nil, ErrMalformedDelta
				}
				offset |= uint32(rest[0]) << 24
				rest = rest[1:]
			}
			if cmd&0x10 != 0 {
				if len(rest) < 1 {
					return nil, ErrMalformedDelta
				}
				size = uint32(rest[0])
				rest = rest[1:]
			}
			if cmd&0x20 != 0 {
				if len(rest) < 1 {
					return nil, ErrMalformedDelta
				}
				size |= uint32(rest[0]) << 8
				rest = rest[1:]
			}
			if cmd&0x40 != 0 {
				if len(rest) < 1 {
					return nil, ErrMalformedDelta
				}
				size |= uint32(rest[0]) << 16
				rest = rest[1:]
			}
			if size == 0 {
				size = 0x10000
			}
			end := uint64(offset) + uint64(size)
			if end > uint64(len(base)) {
				return nil, ErrMalformedDelta
			}
			out = append(out, base[offset:end]...)

		case cmd != 0:
			n := int(cmd)
			if n > len(rest) {
				return nil, ErrMalformedDelta
			}
			out = append(out, rest[:n]...)
			rest = rest[n:]

		default:
			// cmd == 0 is reserved and never emitted by a conforming encoder.
			return nil, ErrMalformedDelta
		}
	}

	if uint64(len(out)) != targetSize {
		return nil, ErrMalformedDelta
	}
	return out, nil
}

// decodeDeltaSize reads one of a delta payload's two leading size varints: a
// plain base-128 integer, 7 bits per byte, MSB continuation, least
// significant group first.
func decodeDeltaSize(b []byte) (uint64, []byte, error) {
	var size uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		c := b[i]
		size |= uint64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			return size, b[i+1:], nil
		}
	}
	return 0, nil, ErrMalformedDelta
}

// encodeDeltaSize is the inverse of decodeDeltaSize.
func encodeDeltaSize(size uint64) []byte {
	var out []byte
	for {
		b := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if size == 0 {
			break
		}
	}
	return out
}

// encodeCopyInsert builds the simplest possible delta payload for base and
// target: literal-insert instructions only, one per 127 bytes of target,
// with no copy instructions. Build writes whole objects only, so this is
// used by tests that need a delta payload, and is deliberately unambitious:
// finding good copy spans is a compression concern outside this module's
// scope.
func encodeCopyInsert(base, target []byte) []byte {
	out := encodeDeltaSize(uint64(len(base)))
	out = append(out, encodeDeltaSize(uint64(len(target)))...)
	for len(target) > 0 {
		n := len(target)
		if n > 127 {
			n = 127
		}
		out = append(out, byte(n))
		out = append(out, target[:n]...)
		target = target[n:]
	}
	return out
}
