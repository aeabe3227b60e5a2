package documents

import (
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"github.com/klauspost/compress/zstd"
)

const dayLayout = "2006-01-02"

// Encoder and decoder are safe for concurrent use and reused across flushes.
var (
	snapshotEncoder *zstd.Encoder
	snapshotDecoder *zstd.Decoder
)

func init() {
	var err error
	snapshotEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("documents: zstd encoder initialization failed: " + err.Error())
	}
	snapshotDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("documents: zstd decoder initialization failed: " + err.Error())
	}
}

func compressSnapshot(snapshot []byte) []byte {
	return snapshotEncoder.EncodeAll(snapshot, nil)
}

func decompressSnapshot(compressed []byte) ([]byte, error) {
	snapshot, err := snapshotDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress snapshot: %w", err)
	}
	return snapshot, nil
}

// compactVersions coalesces entries at or before now-retention into one entry
// per UTC calendar day. A coalesced entry keeps the day's last snapshot and
// timestamp and the union of the day's participants by name. Newer entries are
// kept as they are.
func compactVersions(entries []tenant.VersionEntry, now time.Time, retention time.Duration) []tenant.VersionEntry {
	cutoff := now.Add(-retention)
	days := make(map[string]*tenant.VersionEntry)
	seen := make(map[string]map[string]struct{})
	var order []string
	recent := make([]tenant.VersionEntry, 0, len(entries))

	for _, entry := range entries {
		if entry.Timestamp.After(cutoff) {
			recent = append(recent, entry)
			continue
		}
		day := entry.Timestamp.UTC().Format(dayLayout)
		merged, ok := days[day]
		if !ok {
			merged = &tenant.VersionEntry{}
			days[day] = merged
			seen[day] = make(map[string]struct{})
			order = append(order, day)
		}
		if !entry.Timestamp.Before(merged.Timestamp) {
			merged.Snapshot = entry.Snapshot
			merged.Timestamp = entry.Timestamp
		}
		for _, participant := range entry.Participants {
			if _, dup := seen[day][participant.Name]; dup {
				continue
			}
			seen[day][participant.Name] = struct{}{}
			merged.Participants = append(merged.Participants, participant)
		}
	}

	sort.Strings(order)
	compacted := make([]tenant.VersionEntry, 0, len(order)+len(recent))
	for _, day := range order {
		compacted = append(compacted, *days[day])
	}
	return append(compacted, recent...)
}
