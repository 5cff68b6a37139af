package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ioRecord captures the input and output hashes of one merged invocation,
// keyed by its dispatch index. Records travel inside checkpoints so a
// replay can verify that node behavior matches the original execution.
type ioRecord struct {
	Node    string `json:"node"`
	Index   int    `json:"index"`
	InHash  string `json:"in_hash"`
	OutHash string `json:"out_hash"`
}

// recorder accumulates I/O records during a run. In strict replay mode it
// also verifies re-executed invocations against the records restored from
// the checkpoint.
type recorder struct {
	records map[int]ioRecord
}

func newRecorder() *recorder {
	return &recorder{records: make(map[int]ioRecord)}
}

func (r *recorder) record(index int, node string, input, output map[string]any) {
	r.records[index] = ioRecord{
		Node:    node,
		Index:   index,
		InHash:  hashValues(input),
		OutHash: hashValues(output),
	}
}

// verify compares a re-executed invocation against its recorded hashes.
// Invocations past the recorded horizon pass vacuously; they are new work,
// not replay.
func (r *recorder) verify(index int, node string, input, output map[string]any) error {
	rec, ok := r.records[index]
	if !ok {
		return nil
	}
	if rec.Node != node {
		return fmt.Errorf("%w: dispatch %d executed %s, recorded %s", ErrReplayMismatch, index, node, rec.Node)
	}
	if got := hashValues(input); got != rec.InHash {
		return fmt.Errorf("%w: node %s dispatch %d input hash %s, recorded %s", ErrReplayMismatch, node, index, got, rec.InHash)
	}
	if got := hashValues(output); got != rec.OutHash {
		return fmt.Errorf("%w: node %s dispatch %d output hash %s, recorded %s", ErrReplayMismatch, node, index, got, rec.OutHash)
	}
	return nil
}

// snapshot returns all records sorted by dispatch index, for inclusion in
// a checkpoint.
func (r *recorder) snapshot() []ioRecord {
	out := make([]ioRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// restore loads records from a checkpoint, replacing any current ones.
func (r *recorder) restore(records []ioRecord) {
	r.records = make(map[int]ioRecord, len(records))
	for _, rec := range records {
		r.records[rec.Index] = rec
	}
}

// hashValues produces a stable digest of a value map. Marshaling sorts map
// keys, so equal maps hash equally regardless of construction order.
func hashValues(values map[string]any) string {
	raw, err := json.Marshal(values)
	if err != nil {
		raw = []byte(fmt.Sprintf("unserializable:%v", err))
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}
