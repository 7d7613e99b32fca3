package blkcache

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// mapfile range as parsed from disk, byte-granular the way ddrescue
// itself writes ranges.
type mapRange struct {
	start  uint64
	length uint64
	status byte
}

// LoadStatusMap parses the ddrescue mapfile at path. If the file is absent
// it returns a fresh StatusMap with a single (0, Unread) transition, the
// state of a cache that has never touched the device. It fails with
// *MapFileCorruptError on non-monotonic offsets, overlapping ranges,
// unknown status characters, or a total covered size that disagrees with
// deviceSize.
func LoadStatusMap(path string, deviceSize uint64, blockSize uint32) (*StatusMap, []string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewStatusMap(deviceSize, blockSize), nil, nil
	}
	if err != nil {
		return nil, nil, &IOError{Op: "open mapfile", Err: err}
	}
	defer f.Close()

	comments, currentPos, ranges, err := parseMapfile(f)
	if err != nil {
		return nil, nil, &MapFileCorruptError{Path: path, Reason: err.Error()}
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })

	sm := &StatusMap{
		deviceSize:  deviceSize,
		blockSize:   blockSize,
		transitions: []transition{{offset: 0, status: charUnread}},
		currentPos:  currentPos,
	}

	var covered uint64
	var nextExpected uint64
	for _, r := range ranges {
		if r.start != nextExpected {
			return nil, nil, &MapFileCorruptError{
				Path:   path,
				Reason: fmt.Sprintf("non-monotonic or overlapping ranges at offset %d (expected %d)", r.start, nextExpected),
			}
		}
		if !isKnownStatusChar(r.status) {
			return nil, nil, &MapFileCorruptError{
				Path:   path,
				Reason: fmt.Sprintf("unknown status character %q at offset %d", r.status, r.start),
			}
		}
		end := r.start + r.length
		sm.setChar(r.start/uint64(blockSize), ceilDiv(end, uint64(blockSize)), r.status)
		// Ranges are byte-granular in the file but the engine only ever
		// emits block-aligned ones; setChar's block rounding is exact for
		// those and merely approximate for a foreign non-aligned mapfile.
		covered += r.length
		nextExpected = end
	}

	if nextExpected != deviceSize {
		return nil, nil, &MapFileCorruptError{
			Path:   path,
			Reason: fmt.Sprintf("ranges cover %d bytes, device is %d bytes", nextExpected, deviceSize),
		}
	}

	return sm, comments, nil
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func isCurrentPosHeaderComment(trimmed string) bool {
	return strings.Contains(trimmed, "current_pos") && strings.Contains(trimmed, "current_status")
}

func isRangeHeaderComment(trimmed string) bool {
	return strings.Contains(trimmed, "pos") && strings.Contains(trimmed, "size") && strings.Contains(trimmed, "status")
}

func parseMapfile(r io.Reader) (comments []string, currentPos uint64, ranges []mapRange, err error) {
	scanner := bufio.NewScanner(r)
	sawCurrentPos := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			// The two column-header comments are regenerated by Save on
			// every write; keeping them in the passthrough comments would
			// have Save emit a second copy right after them, and the
			// duplicate would compound on every subsequent load/save cycle.
			if isCurrentPosHeaderComment(trimmed) || isRangeHeaderComment(trimmed) {
				continue
			}
			comments = append(comments, line)
			continue
		}

		fields := strings.Fields(trimmed)
		if !sawCurrentPos {
			// The second header line: "<pos> <status>", ignoring any
			// trailing pass-count column ddrescue writes after it. Save
			// always writes a constant pass count of 1 back, since this
			// cache never runs ddrescue's multi-pass rescue scheduling.
			if len(fields) < 2 {
				return nil, 0, nil, fmt.Errorf("malformed current_pos line: %q", line)
			}
			pos, perr := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
			if perr != nil {
				return nil, 0, nil, fmt.Errorf("malformed current_pos offset: %w", perr)
			}
			currentPos = pos
			sawCurrentPos = true
			continue
		}

		if len(fields) < 3 {
			return nil, 0, nil, fmt.Errorf("malformed data line: %q", line)
		}
		start, serr := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		if serr != nil {
			return nil, 0, nil, fmt.Errorf("malformed offset: %w", serr)
		}
		length, lerr := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		if lerr != nil {
			return nil, 0, nil, fmt.Errorf("malformed length: %w", lerr)
		}
		if len(fields[2]) != 1 {
			return nil, 0, nil, fmt.Errorf("malformed status: %q", fields[2])
		}
		ranges = append(ranges, mapRange{start: start, length: length, status: fields[2][0]})
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, nil, err
	}
	if !sawCurrentPos {
		return nil, 0, nil, fmt.Errorf("missing current_pos line")
	}
	return comments, currentPos, ranges, nil
}

// Save writes sm in ddrescue mapfile format to w: the header, the
// current_pos line, and the coalesced transition table. Offsets and sizes
// are hex, lowercase, zero-padded to eight digits, with offsets
// block-aligned, fields separated by five spaces in ddrescue's column
// layout, and exactly one trailing newline per record.
func (sm *StatusMap) Save(w io.Writer, comments []string) error {
	bw := bufio.NewWriter(w)

	if len(comments) > 0 {
		for _, c := range comments {
			if _, err := fmt.Fprintf(bw, "%s\n", c); err != nil {
				return &IOError{Op: "write mapfile comments", Err: err}
			}
		}
	} else {
		if _, err := fmt.Fprint(bw, "# Mapfile. Created by blkcache\n"); err != nil {
			return &IOError{Op: "write mapfile header", Err: err}
		}
	}

	if _, err := fmt.Fprint(bw, "# current_pos  current_status\n"); err != nil {
		return &IOError{Op: "write mapfile header", Err: err}
	}
	currentStatus := byte(charUnread)
	if len(sm.transitions) > 0 {
		idx := sm.floorIndex(sm.currentPos)
		currentStatus = sm.transitions[idx].status
	}
	if _, err := fmt.Fprintf(bw, "0x%08x     %c     1\n", sm.currentPos, currentStatus); err != nil {
		return &IOError{Op: "write mapfile current_pos", Err: err}
	}

	if _, err := fmt.Fprint(bw, "#      pos            size    status\n"); err != nil {
		return &IOError{Op: "write mapfile header", Err: err}
	}

	for i, t := range sm.transitions {
		var end uint64
		if i+1 < len(sm.transitions) {
			end = sm.transitions[i+1].offset
		} else {
			end = sm.deviceSize
		}
		size := end - t.offset
		if size == 0 {
			continue
		}
		if _, err := fmt.Fprintf(bw, "0x%08x     0x%08x     %c\n", t.offset, size, t.status); err != nil {
			return &IOError{Op: "write mapfile record", Err: err}
		}
	}

	if err := bw.Flush(); err != nil {
		return &IOError{Op: "flush mapfile writer", Err: err}
	}
	return nil
}
