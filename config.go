package blkcache

import (
	"fmt"
	"strconv"
	"strings"
)

// mapfileMetaPrefix marks a comment line in the mapfile as blkcache's own
// layout metadata rather than ddrescue's or a foreign tool's.
const mapfileMetaPrefix = "## blkcache: "

// parseMapfileMeta extracts blkcache metadata from comment lines, leaving
// everything else (ddrescue's own headers, a foreign tool's comments, and
// "## blkcache:" keys other than block_size) untouched in passthrough for
// round-tripping.
func parseMapfileMeta(comments []string) (meta map[string]string, passthrough []string) {
	meta = make(map[string]string)
	for _, c := range comments {
		if !strings.HasPrefix(c, mapfileMetaPrefix) {
			passthrough = append(passthrough, c)
			continue
		}
		kv := strings.TrimPrefix(c, mapfileMetaPrefix)
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			passthrough = append(passthrough, c)
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key != "block_size" {
			// Keys this version doesn't use round-trip verbatim.
			passthrough = append(passthrough, c)
			continue
		}
		meta[key] = strings.TrimSpace(parts[1])
	}
	return meta, passthrough
}

// renderMapfileMeta re-embeds meta as "## blkcache:" comment lines after
// passthrough, the inverse of parseMapfileMeta.
func renderMapfileMeta(passthrough []string, meta map[string]string) []string {
	out := append([]string{}, passthrough...)
	if len(out) == 0 {
		out = append(out, "# Mapfile. Created by blkcache")
	}
	for _, k := range []string{"block_size"} {
		if v, ok := meta[k]; ok {
			out = append(out, fmt.Sprintf("%s%s=%s", mapfileMetaPrefix, k, v))
		}
	}
	return out
}

// verifyOrRecordBlockSize checks a freshly loaded mapfile's persisted
// block_size, if any, against opts.BlockSize. On first use (no persisted
// value) it records opts.BlockSize into meta for the caller to persist at
// the next checkpoint. A disagreement is fatal: the CacheFile's layout was
// built around whatever block size was used the first time, and a second
// session can't silently reinterpret it.
func verifyOrRecordBlockSize(mapPath string, meta map[string]string, blockSize uint32) error {
	have, ok := meta["block_size"]
	if !ok {
		meta["block_size"] = strconv.FormatUint(uint64(blockSize), 10)
		return nil
	}
	haveSize, err := strconv.ParseUint(have, 10, 32)
	if err != nil {
		return &MapFileCorruptError{Path: mapPath, Reason: fmt.Sprintf("malformed block_size metadata %q", have)}
	}
	if uint32(haveSize) != blockSize {
		return &CacheSizeMismatchError{Path: mapPath, Got: haveSize, Expected: uint64(blockSize)}
	}
	return nil
}
