package paloma

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// AuditRecord is one line of the append-only audit log. Records form a hash
// chain: PreviousHash is the SHA-256 of the previous record's serialized
// line, so any in-place edit breaks verification from that point on.
type AuditRecord struct {
	Time         int64  `json:"time"`
	Tool         string `json:"tool"`
	Args         string `json:"args,omitempty"`
	Action       string `json:"action"`
	Rule         string `json:"rule,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// AuditLog appends hash-chained records to a JSONL file. Appends are
// serialized under a mutex; the chain head is recovered from the last line
// on open so restarts continue the chain rather than forking it.
type AuditLog struct {
	mu       sync.Mutex
	path     string
	prevHash string
}

// NewAuditLog opens (or creates) the audit file and recovers the chain head.
func NewAuditLog(path string) (*AuditLog, error) {
	a := &AuditLog{path: path}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, fmt.Errorf("audit: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var last []byte
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			last = append(last[:0], scanner.Bytes()...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if len(last) > 0 {
		a.prevHash = hashBytes(last)
	}
	return a, nil
}

// Append chains and writes one record. The record's PreviousHash and
// EntryHash fields are filled in here; caller-set values are overwritten.
func (a *AuditLog) Append(r AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r.PreviousHash = a.prevHash
	r.EntryHash = ""
	partial, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	r.EntryHash = hashBytes(partial)

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	a.prevHash = hashBytes(line)
	return nil
}

// VerifyAuditChain re-walks an audit file and reports the first record whose
// chain or entry hash does not check out. A clean file returns (-1, nil).
func VerifyAuditChain(path string) (badLine int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("audit: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	prevHash := ""
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var r AuditRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return lineNo, fmt.Errorf("audit line %d: %w", lineNo, err)
		}
		if r.PreviousHash != prevHash {
			return lineNo, fmt.Errorf("audit line %d: chain broken", lineNo)
		}
		want := r.EntryHash
		r.EntryHash = ""
		partial, err := json.Marshal(r)
		if err != nil {
			return lineNo, fmt.Errorf("audit line %d: %w", lineNo, err)
		}
		if hashBytes(partial) != want {
			return lineNo, fmt.Errorf("audit line %d: entry hash mismatch", lineNo)
		}
		prevHash = hashBytes(append(raw[:0:0], raw...))
	}
	if err := scanner.Err(); err != nil {
		return lineNo, fmt.Errorf("audit: %w", err)
	}
	return -1, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
