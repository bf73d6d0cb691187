package tonic

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
)

// LinkScheme is the URI scheme for shareable folder links, the magnet-link
// analogue this format is named after ("tonic?:xt=urn:xet:<hash>&...").
const LinkScheme = "tonic"

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// Link is the parsed form of a tonic?: URI.
type Link struct {
	InfoHash      InfoHash
	DisplayName   string   // dn
	Trackers      []string // tr (repeated)
	GitRefs       []string // git (repeated)
	Peers         []string // peer (repeated)
	Mode          SyncMode // mode
	AllowlistHash *[32]byte // allowlist, hex
	UseBase32     bool      // emit form; parse accepts both
}

// Emit renders the link as a tonic?: URI. InfoHash is encoded as lowercase
// hex unless UseBase32 is set (matches magnet-link's xt=urn:btih convention).
func (l *Link) Emit() string {
	var xt string
	if l.UseBase32 {
		xt = "urn:xet:" + strings.ToLower(base32NoPad.EncodeToString(l.InfoHash[:]))
	} else {
		xt = "urn:xet:" + hex.EncodeToString(l.InfoHash[:])
	}

	q := url.Values{}
	q.Set("xt", xt)
	if l.DisplayName != "" {
		q.Set("dn", l.DisplayName)
	}
	for _, t := range l.Trackers {
		q.Add("tr", t)
	}
	for _, g := range l.GitRefs {
		q.Add("git", g)
	}
	for _, p := range l.Peers {
		q.Add("peer", p)
	}
	if l.Mode != "" {
		q.Set("mode", string(l.Mode))
	}
	if l.AllowlistHash != nil {
		q.Set("allowlist", hex.EncodeToString(l.AllowlistHash[:]))
	}

	return LinkScheme + "?:" + encodeQuery(q)
}

// encodeQuery renders url.Values preserving insertion-independent but
// query-string-safe form; url.Values.Encode sorts by key which is fine since
// unknown-parameter ordering isn't part of the round-trip invariant.
func encodeQuery(q url.Values) string {
	return q.Encode()
}

// ParseLink decodes a tonic?: URI. Unknown query parameters are ignored
// (round-trip is only guaranteed modulo unknown-parameter preservation).
func ParseLink(raw string) (*Link, error) {
	rest := strings.TrimPrefix(raw, LinkScheme+"?:")
	if rest == raw {
		return nil, ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("not a %s link: %q", LinkScheme, raw))
	}

	q, err := url.ParseQuery(rest)
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.InvalidField, "parse query", err)
	}

	xt := q.Get("xt")
	if xt == "" {
		return nil, ccbterr.New(ccbterr.InvalidField, "missing xt parameter")
	}
	const prefix = "urn:xet:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("unsupported xt namespace: %q", xt))
	}
	enc := xt[len(prefix):]

	hashBytes, useBase32, err := decodeHash(enc)
	if err != nil {
		return nil, err
	}
	if len(hashBytes) != 32 {
		return nil, ccbterr.New(ccbterr.InvalidField, "info hash must decode to 32 bytes")
	}

	peers := q["peer"]
	if csv := q.Get("peers"); csv != "" {
		// "peers" (comma-separated) and repeated "peer" are equivalent per
		// spec.md §4.2; when both are present the comma-separated form wins.
		peers = strings.Split(csv, ",")
	}

	l := &Link{
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
		GitRefs:     q["git"],
		Peers:       peers,
		UseBase32:   useBase32,
	}
	copy(l.InfoHash[:], hashBytes)

	if mode := q.Get("mode"); mode != "" {
		if !ValidSyncMode(mode) {
			return nil, ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("invalid sync mode %q", mode))
		}
		l.Mode = SyncMode(mode)
	}

	if al := q.Get("allowlist"); al != "" {
		b, err := hex.DecodeString(al)
		if err != nil || len(b) != 32 {
			return nil, ccbterr.New(ccbterr.InvalidField, "allowlist hash must be 32 bytes hex")
		}
		var h [32]byte
		copy(h[:], b)
		l.AllowlistHash = &h
	}

	return l, nil
}

// decodeHash tries hex first (64 lowercase/uppercase hex chars), then
// unpadded base32, matching the two forms magnet-style links commonly use.
func decodeHash(enc string) ([]byte, bool, error) {
	if len(enc) == 64 {
		if b, err := hex.DecodeString(enc); err == nil {
			return b, false, nil
		}
	}
	if b, err := base32NoPad.DecodeString(strings.ToUpper(enc)); err == nil {
		return b, true, nil
	}
	return nil, false, ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("cannot decode info hash: %q", enc))
}
