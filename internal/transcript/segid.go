package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/MrWong99/echopanel/pkg/audio"
)

// idPrefix marks content-addressed segment IDs.
const idPrefix = "seg_"

// NormalizeText trims, lowercases and collapses runs of whitespace to a
// single space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// SegmentID returns the content-addressed ID of a segment:
//
//	"seg_" + hex(sha256("<source>|<t0 %.3f>|<t1 %.3f>|<normalised text>")[:16])
//
// The ID is identical for identical inputs across processes and does not
// change with letter case or surrounding whitespace.
func SegmentID(source audio.Source, t0, t1 float64, text string) string {
	key := fmt.Sprintf("%s|%.3f|%.3f|%s", source, t0, t1, NormalizeText(text))
	sum := sha256.Sum256([]byte(key))
	return idPrefix + hex.EncodeToString(sum[:16])
}
