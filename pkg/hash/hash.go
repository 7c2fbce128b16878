// Package hash computes the canonical deduplication digests used by
// the insertion layer. Two clients producing the same logical input
// must produce the same digest, so every hash is computed over a
// normalized form: lower-cased names, sorted keys, and geometry rounded
// to a fixed precision.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/qcforge/qcforge/pkg/types"
)

// geometryPrecision is the rounding applied to coordinates before
// hashing. Coordinates differing below 1e-8 bohr hash identically.
const geometryPrecision = 1e8

// Molecule computes the canonical hash of a molecule.
func Molecule(m *types.Molecule) string {
	h := sha256.New()

	writeField(h, "symbols", normalizeSymbols(m.Symbols))
	writeField(h, "geometry", roundGeometry(m.Geometry))
	if hasGhosts(m.Real) {
		writeField(h, "real", m.Real)
	}
	writeField(h, "charge", m.Charge)
	writeField(h, "multiplicity", m.Multiplicity)
	if len(m.Fragments) > 0 {
		writeField(h, "fragments", m.Fragments)
	}
	if len(m.FragmentCharges) > 0 {
		writeField(h, "fragment_charges", m.FragmentCharges)
	}
	if len(m.FragmentMults) > 0 {
		writeField(h, "fragment_multiplicities", m.FragmentMults)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Keywords computes the hash index of a keyword set from its
// canonicalized values.
func Keywords(values map[string]interface{}) string {
	h := sha256.New()
	writeField(h, "values", canonicalize(values))
	return hex.EncodeToString(h.Sum(nil))
}

// OptimizationSpec computes the hash index deduplicating optimization
// records: the normalized spec plus the initial molecule hash.
func OptimizationSpec(spec *types.OptimizationSpecification, moleculeHash string) string {
	h := sha256.New()
	writeField(h, "program", strings.ToLower(spec.Program))
	writeQCSpec(h, &spec.QCSpec)
	writeField(h, "keywords", canonicalize(spec.Keywords))
	writeField(h, "molecule", moleculeHash)
	return hex.EncodeToString(h.Sum(nil))
}

// TorsiondriveSpec computes the hash index deduplicating torsiondrive
// records from the optimization spec, drive keywords, and the hashes of
// all initial molecules (order-insensitive).
func TorsiondriveSpec(spec *types.OptimizationSpecification, kw *types.TorsiondriveKeywords, moleculeHashes []string) string {
	h := sha256.New()
	writeField(h, "program", strings.ToLower(spec.Program))
	writeQCSpec(h, &spec.QCSpec)
	writeField(h, "opt_keywords", canonicalize(spec.Keywords))
	writeField(h, "dihedrals", kw.Dihedrals)
	writeField(h, "grid_spacing", kw.GridSpacing)
	if len(kw.DihedralRanges) > 0 {
		writeField(h, "dihedral_ranges", kw.DihedralRanges)
	}
	sorted := append([]string(nil), moleculeHashes...)
	sort.Strings(sorted)
	writeField(h, "molecules", sorted)
	return hex.EncodeToString(h.Sum(nil))
}

// GridoptimizationSpec computes the hash index deduplicating
// gridoptimization records.
func GridoptimizationSpec(spec *types.OptimizationSpecification, kw *types.GridoptimizationKeywords, moleculeHash string) string {
	h := sha256.New()
	writeField(h, "program", strings.ToLower(spec.Program))
	writeQCSpec(h, &spec.QCSpec)
	writeField(h, "opt_keywords", canonicalize(spec.Keywords))
	writeField(h, "scans", kw.Scans)
	writeField(h, "preoptimization", kw.Preoptimization)
	writeField(h, "molecule", moleculeHash)
	return hex.EncodeToString(h.Sum(nil))
}

func writeQCSpec(h interface{ Write([]byte) (int, error) }, spec *types.QCSpecification) {
	writeField(h, "qc_program", strings.ToLower(spec.Program))
	writeField(h, "driver", string(spec.Driver))
	writeField(h, "method", strings.ToLower(spec.Method))
	basis := ""
	if spec.Basis != nil {
		basis = strings.ToLower(*spec.Basis)
	}
	writeField(h, "basis", basis)
	writeField(h, "keywords_id", spec.KeywordsID)
}

func writeField(h interface{ Write([]byte) (int, error) }, name string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		// All hashed inputs are plain data types; a marshal failure is
		// a programming error.
		panic(fmt.Sprintf("hash: marshal %s: %v", name, err))
	}
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(data)
	h.Write([]byte{0})
}

// hasGhosts reports whether the mask marks any atom as a ghost. An
// all-true mask is the default and hashes like no mask at all.
func hasGhosts(real []bool) bool {
	for _, r := range real {
		if !r {
			return true
		}
	}
	return false
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		s = strings.ToLower(s)
		if s != "" {
			s = strings.ToUpper(s[:1]) + s[1:]
		}
		out[i] = s
	}
	return out
}

func roundGeometry(geometry []float64) []string {
	out := make([]string, len(geometry))
	for i, g := range geometry {
		r := math.Round(g*geometryPrecision) / geometryPrecision
		if r == 0 {
			r = 0 // fold -0 into +0
		}
		out[i] = strconv.FormatFloat(r, 'f', 8, 64)
	}
	return out
}

// canonicalize produces a stable representation of arbitrary nested
// JSON-ish data: maps become sorted key/value pair lists, numbers are
// normalized through float64.
func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		// Sort on the folded keys so casing cannot reorder the pairs.
		sort.Slice(keys, func(i, j int) bool {
			li, lj := strings.ToLower(keys[i]), strings.ToLower(keys[j])
			if li != lj {
				return li < lj
			}
			return keys[i] < keys[j]
		})
		pairs := make([][2]interface{}, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, [2]interface{}{strings.ToLower(k), canonicalize(t[k])})
		}
		return pairs
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
