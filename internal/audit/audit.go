// Package audit implements the tamper-evident audit trail (C8): a
// hash-chained, optionally signed and optionally encrypted JSONL journal.
// Canonicalization uses sorted-key deterministic encoding feeding a SHA-256
// chain step. Unlike a ledger that rebuilds and verifies a chain from a
// caller-supplied event set sorted by (ts, event_id), this journal chains at
// append time, in insertion order, and is process-local — it resets to
// GENESIS on every process start by design (see DESIGN.md).
package audit

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kioskops/edge-sdk/internal/crypto"
	"github.com/kioskops/edge-sdk/internal/kerrors"
)

const genesis = "GENESIS"

// Entry mirrors the journal row described in spec §3.
type Entry struct {
	ID              string `json:"id"`
	TsMs            int64  `json:"ts_ms"`
	Name            string `json:"name"`
	FieldsJSON      string `json:"fields_json"`
	PrevHash        string `json:"prev_hash"`
	Hash            string `json:"hash"`
	Signature       string `json:"signature,omitempty"`
	ChainGeneration int    `json:"chain_generation"`
	AttestationBlob string `json:"attestation_blob,omitempty"`
}

// ChainState is the single-row summary updated atomically with each insert.
type ChainState struct {
	LastHash        string `json:"last_hash"`
	TsMs            int64  `json:"ts_ms"`
	ChainGeneration int    `json:"chain_generation"`
	EventCount      int64  `json:"event_count"`
}

// Signer produces a detached signature over a hash. ECDSASigner is the
// reference implementation; hosts with a hardware-backed key may supply
// their own.
type Signer interface {
	Sign(hash []byte) ([]byte, error)
}

// Clock is injectable for deterministic tests.
type Clock func() time.Time

// Journal is a day-sharded, hash-chained audit journal.
type Journal struct {
	mu     sync.Mutex
	dir    string
	clock  Clock
	crypto crypto.Provider // nil or Noop{} disables encrypted-journal mode
	signer Signer
	state  ChainState
	nextID int64
}

// NewJournal opens (creating if absent) the audit directory and initializes
// a fresh chain at GENESIS. chain_generation is read from a small sidecar
// counter file and incremented — the counter persists across restarts even
// though last_hash deliberately does not (see DESIGN.md).
func NewJournal(dir string, clock Clock, provider crypto.Provider, signer Signer) (*Journal, error) {
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrIoFailure, "creating audit dir: %v", err)
	}
	gen, count := readGeneration(dir)
	j := &Journal{
		dir:    dir,
		clock:  clock,
		crypto: provider,
		signer: signer,
		state: ChainState{
			LastHash:        genesis,
			TsMs:            clock().UnixMilli(),
			ChainGeneration: gen,
			EventCount:      count,
		},
	}
	if err := j.persistGeneration(); err != nil {
		return nil, err
	}
	return j, nil
}

type generationFile struct {
	ChainGeneration int   `json:"chain_generation"`
	EventCount      int64 `json:"event_count"`
}

func generationPath(dir string) string { return filepath.Join(dir, "chain_state.json") }

func readGeneration(dir string) (int, int64) {
	b, err := os.ReadFile(generationPath(dir))
	if err != nil {
		return 1, 0
	}
	var g generationFile
	if err := json.Unmarshal(b, &g); err != nil {
		return 1, 0
	}
	return g.ChainGeneration + 1, 0
}

func (j *Journal) persistGeneration() error {
	b, err := json.Marshal(generationFile{ChainGeneration: j.state.ChainGeneration, EventCount: j.state.EventCount})
	if err != nil {
		return err
	}
	tmp := generationPath(j.dir) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "writing chain state: %v", err)
	}
	return os.Rename(tmp, generationPath(j.dir))
}

// Record appends one entry to the current day's journal, per spec §4.7.
func (j *Journal) Record(name string, fields map[string]string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	ts := j.clock()
	tsMs := ts.UnixMilli()
	fieldsJSON := sortedFieldsJSON(fields)
	prev := j.state.LastHash

	hash := computeHash(tsMs, name, fieldsJSON, prev)

	var sig string
	if j.signer != nil {
		raw, err := j.signer.Sign([]byte(hash))
		if err != nil {
			return kerrors.Wrap(kerrors.ErrAuditIoFailure, "signing entry: %v", err)
		}
		sig = base64.StdEncoding.EncodeToString(raw)
	}

	j.nextID++
	entry := Entry{
		ID:              fmt.Sprintf("%d-%d", tsMs, j.nextID),
		TsMs:            tsMs,
		Name:            name,
		FieldsJSON:      fieldsJSON,
		PrevHash:        prev,
		Hash:            hash,
		Signature:       sig,
		ChainGeneration: j.state.ChainGeneration,
	}

	if err := j.appendLine(ts, entry); err != nil {
		return err
	}

	j.state.LastHash = hash
	j.state.TsMs = tsMs
	j.state.EventCount++
	return j.persistGeneration()
}

func (j *Journal) dayFilePath(ts time.Time) string {
	name := fmt.Sprintf("audit_%s.jsonl", ts.UTC().Format("2006-01-02"))
	if j.crypto != nil && j.crypto.Enabled() {
		name += ".enc"
	}
	return filepath.Join(j.dir, name)
}

func (j *Journal) appendLine(ts time.Time, entry Entry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrAuditIoFailure, "marshal entry: %v", err)
	}

	var line []byte
	if j.crypto != nil && j.crypto.Enabled() {
		blob, err := j.crypto.Encrypt(b)
		if err != nil {
			return kerrors.Wrap(kerrors.ErrAuditIoFailure, "encrypting entry: %v", err)
		}
		line = []byte(base64.RawURLEncoding.EncodeToString(blob))
	} else {
		line = b
	}
	line = append(line, '\n')

	f, err := os.OpenFile(j.dayFilePath(ts), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrAuditIoFailure, "opening journal file: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return kerrors.Wrap(kerrors.ErrAuditIoFailure, "writing journal entry: %v", err)
	}
	return nil
}

func (j *Journal) readEntries(ts time.Time) ([]Entry, error) {
	path := j.dayFilePath(ts)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerrors.Wrap(kerrors.ErrAuditIoFailure, "reading journal file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		raw := []byte(line)
		if j.crypto != nil && j.crypto.Enabled() {
			blob, err := base64.RawURLEncoding.DecodeString(line)
			if err != nil {
				return nil, kerrors.Wrap(kerrors.ErrChainBroken, "malformed encrypted line: %v", err)
			}
			raw, err = j.crypto.Decrypt(blob)
			if err != nil {
				return nil, kerrors.Wrap(kerrors.ErrChainBroken, "decrypting entry: %v", err)
			}
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, kerrors.Wrap(kerrors.ErrChainBroken, "malformed entry: %v", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// VerifyResult reports whether the chain over [from, to] (inclusive days)
// recomputes cleanly, and if not, the first entry where it diverged.
type VerifyResult struct {
	OK               bool
	EntriesChecked   int
	FirstDivergentID string
	Reason           string
}

// Verify recomputes and checks the hash chain across the day files spanning
// [from, to], per spec §4.7's verify(range) → VerifyResult contract.
func (j *Journal) Verify(from, to time.Time) (VerifyResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var all []Entry
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		entries, err := j.readEntries(d)
		if err != nil {
			return VerifyResult{}, err
		}
		all = append(all, entries...)
	}

	expectedPrev := genesis
	curGen := 0
	checked := 0
	for _, e := range all {
		checked++
		if e.ChainGeneration != curGen {
			// First entry observed of a new chain generation: the chain
			// restarted from GENESIS regardless of what preceded it.
			curGen = e.ChainGeneration
			expectedPrev = genesis
		}
		if e.PrevHash != expectedPrev {
			return VerifyResult{OK: false, EntriesChecked: checked, FirstDivergentID: e.ID, Reason: "prev_hash mismatch"}, nil
		}
		want := computeHash(e.TsMs, e.Name, e.FieldsJSON, e.PrevHash)
		if want != e.Hash {
			return VerifyResult{OK: false, EntriesChecked: checked, FirstDivergentID: e.ID, Reason: "hash mismatch"}, nil
		}
		expectedPrev = e.Hash
	}
	return VerifyResult{OK: true, EntriesChecked: checked}, nil
}

func computeHash(tsMs int64, name, fieldsJSON, prevHash string) string {
	payload := fmt.Sprintf("%d|%s|%s|%s", tsMs, name, fieldsJSON, prevHash)
	sum := sha256.Sum256([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type skv struct {
	K string `json:"k"`
	V string `json:"v"`
}

// sortedFieldsJSON renders fields as a deterministic, sorted-key JSON array,
// an ordered-slice-over-map trick to sidestep Go's randomized map iteration
// order.
func sortedFieldsJSON(fields map[string]string) string {
	if len(fields) == 0 {
		return "[]"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]skv, 0, len(keys))
	for _, k := range keys {
		out = append(out, skv{K: k, V: fields[k]})
	}
	b, _ := json.Marshal(out)
	return string(b)
}

// ECDSASigner is the reference Signer: a software ECDSA-P256 key generated
// at construction. A device with a hardware-backed keystore should supply
// its own Signer instead.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner generates a fresh P-256 key pair.
func NewECDSASigner() (*ECDSASigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("audit: generating signing key: %w", err)
	}
	return &ECDSASigner{key: key}, nil
}

// Sign returns an ASN.1 DER ECDSA signature over hash.
func (s *ECDSASigner) Sign(hash []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, s.key, hash)
}

// Verify checks sig against hash using this signer's public key.
func (s *ECDSASigner) Verify(hash, sig []byte) bool {
	return ecdsa.VerifyASN1(&s.key.PublicKey, hash, sig)
}
