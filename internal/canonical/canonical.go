// Package canonical serializes the compliance-relevant fields of an invoice
// into the byte string that is hashed into a tenant's chain.
//
// Every field is written as "<byte length>:<value>" and fields are joined
// with "|". The length prefix makes the encoding unambiguous even when a
// value itself contains "|" or ":".
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	dec "github.com/rezonia/compliance-engine/internal/decimal"
	"github.com/rezonia/compliance-engine/internal/model"
)

// Delimiter separates encoded fields
const Delimiter = '|'

// Canonicalize produces the deterministic hash input for inv chained onto previousHash.
// Field order: tax id, number, issue date, net, tax, gross, previous hash.
func Canonicalize(inv model.Invoice, previousHash string) ([]byte, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	fields := []string{
		inv.TaxID,
		inv.Number,
		inv.IssueDay(),
		dec.FormatFixed(inv.NetAmount),
		dec.FormatFixed(inv.TaxAmount),
		dec.FormatFixed(inv.GrossAmount),
		previousHash,
	}

	var buf bytes.Buffer
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(Delimiter)
		}
		buf.WriteString(strconv.Itoa(len(f)))
		buf.WriteByte(':')
		buf.WriteString(f)
	}
	return buf.Bytes(), nil
}

// Digest returns the hex-encoded SHA-256 of the canonical bytes
func Digest(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Hash canonicalizes and digests in one step
func Hash(inv model.Invoice, previousHash string) (string, error) {
	b, err := Canonicalize(inv, previousHash)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}
