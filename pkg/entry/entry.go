// Package entry implements signed, Bamboo-style append-only log entries: the
// unit of data exchanged between nodes and persisted by logstore.
//
// An entry is identified by its author's public key, a log id scoping it to
// one of that author's logs, and a sequence number giving its position in
// that log. Each entry (after the first) links backward to its immediate
// predecessor (the "backlink") and, at sequence numbers where the Bamboo
// skiplink schedule requires it, to an earlier entry further back (the
// "skiplink") so that a log can be verified without downloading it in full.
package entry

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Hash is a SHA-256 content hash, used both for payload hashes and for
// referring to earlier entries by backlink/skiplink.
type Hash [32]byte

// HashOf returns the hash of data.
func HashOf(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", [32]byte(h))
}

// Entry is one append-only log entry, unsigned.
type Entry struct {
	Author      peer.ID `json:"author"`
	LogID       uint64  `json:"logId"`
	SeqNum      uint64  `json:"seqNum"`
	Backlink    *Hash   `json:"backlink,omitempty"`
	Skiplink    *Hash   `json:"skiplink,omitempty"`
	PayloadHash Hash    `json:"payloadHash"`
	Payload     []byte  `json:"-"`
}

// Signed is an entry together with the signature over its canonical
// encoding, and the hash of that encoding followed by the signature (its
// identity for backlink and skiplink purposes).
type Signed struct {
	Entry     Entry  `json:"entry"`
	Signature []byte `json:"signature"`
	Hash      Hash   `json:"hash"`
}

// canonical is the field set that gets signed: everything in Entry except
// the payload bytes themselves, which are represented only by their hash.
// Field order matches the struct tags, not Go struct layout, so re-ordering
// Entry's fields never changes what gets signed.
type canonical struct {
	Author      string `json:"author"`
	LogID       uint64 `json:"logId"`
	SeqNum      uint64 `json:"seqNum"`
	Backlink    string `json:"backlink,omitempty"`
	Skiplink    string `json:"skiplink,omitempty"`
	PayloadHash string `json:"payloadHash"`
}

func canonicalize(e Entry) ([]byte, error) {
	c := canonical{
		Author:      e.Author.String(),
		LogID:       e.LogID,
		SeqNum:      e.SeqNum,
		PayloadHash: e.PayloadHash.String(),
	}
	if e.Backlink != nil {
		c.Backlink = e.Backlink.String()
	}
	if e.Skiplink != nil {
		c.Skiplink = e.Skiplink.String()
	}
	return json.Marshal(c)
}

// Sign builds a Signed entry: it fills in PayloadHash from e.Payload, then
// signs the canonical encoding of e with priv.
//
// Signing hashes the canonical encoding first (crypto/sha256) rather than
// signing the raw bytes, so the signature covers a fixed-size digest.
func Sign(priv crypto.PrivKey, e Entry) (Signed, error) {
	e.PayloadHash = HashOf(e.Payload)

	content, err := canonicalize(e)
	if err != nil {
		return Signed{}, fmt.Errorf("entry: canonicalize: %w", err)
	}
	digest := sha256.Sum256(content)

	sig, err := priv.Sign(digest[:])
	if err != nil {
		return Signed{}, fmt.Errorf("entry: sign: %w", err)
	}

	return Signed{
		Entry:     e,
		Signature: sig,
		Hash:      sha256.Sum256(append(content, sig...)),
	}, nil
}

// Verify checks that s.Signature was produced by s.Entry.Author's key over
// s.Entry's canonical encoding, that the payload hash matches the payload
// (when present), and that the entry's backlink/skiplink fields are
// internally consistent with Bamboo's linking rules (see RequiresSkiplink).
//
// Verify does not check that a referenced backlink or skiplink actually
// exists in the log; that is logstore's job, since it requires a database
// lookup this package has no access to.
func Verify(s Signed) error {
	if len(s.Payload()) > 0 {
		if HashOf(s.Payload()) != s.Entry.PayloadHash {
			return fmt.Errorf("entry: payload hash mismatch")
		}
	}

	content, err := canonicalize(s.Entry)
	if err != nil {
		return fmt.Errorf("entry: canonicalize: %w", err)
	}
	digest := sha256.Sum256(content)

	pub, err := s.Entry.Author.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("entry: cannot extract public key from author: %w", err)
	}

	ok, err := pub.Verify(digest[:], s.Signature)
	if err != nil {
		return fmt.Errorf("entry: signature verification failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("entry: invalid signature")
	}

	return checkLinking(s.Entry)
}

// Payload exposes the entry's payload bytes for convenience.
func (s Signed) Payload() []byte { return s.Entry.Payload }

func checkLinking(e Entry) error {
	if e.SeqNum == 0 {
		return fmt.Errorf("entry: sequence numbers start at 1")
	}
	if e.SeqNum == 1 {
		if e.Backlink != nil {
			return fmt.Errorf("entry: first entry in a log must not have a backlink")
		}
		return nil
	}
	if e.Backlink == nil {
		return fmt.Errorf("entry: entry at seq %d is missing its backlink", e.SeqNum)
	}
	if RequiresSkiplink(e.SeqNum) && e.Skiplink == nil {
		return fmt.Errorf("entry: entry at seq %d requires a skiplink", e.SeqNum)
	}
	return nil
}

// RequiresSkiplink reports whether the entry at seqNum must carry a
// skiplink, per the Bamboo "lipmaa" linking schedule: a skiplink is only
// mandatory where it would point somewhere other than the entry's own
// backlink (see SkiplinkSeqNum for the matching "which seq_num does the
// skiplink point to" half).
func RequiresSkiplink(seqNum uint64) bool {
	return lipmaa(seqNum) != seqNum-1
}

// SkiplinkSeqNum returns the sequence number the skiplink of the entry at
// seqNum must point to, when RequiresSkiplink(seqNum) is true.
func SkiplinkSeqNum(seqNum uint64) uint64 {
	return lipmaa(seqNum)
}

// lipmaa computes the lipmaa number of n: the sequence number of the
// furthest-back entry that n's skiplink can legally point to.
//
// The schedule is built around block boundaries of size (3^k-1)/2 (1, 4,
// 13, 40, ...): a boundary entry skips back a full power of three, and
// every other entry reduces modulo successively smaller boundaries until
// it either lands exactly on one (and skips back by that boundary) or
// bottoms out and simply points at its predecessor.
func lipmaa(n uint64) uint64 {
	var m, po3 uint64 = 1, 3

	// Find the smallest boundary (3^k-1)/2 at or above n.
	for m < n {
		po3 *= 3
		m = (po3 - 1) / 2
	}
	po3 /= 3

	if m != n {
		x := n
		for x != 0 {
			m = (po3 - 1) / 2
			po3 /= 3
			x %= m
		}
		if m != po3 {
			po3 = m
		}
	}
	return n - po3
}
