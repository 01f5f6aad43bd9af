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

	"github.com/molforge/fractal/pkg/types"
)

// Canonicalization tolerances. Values are rounded before hashing so
// that floating-point noise below these thresholds does not produce
// distinct hashes.
const (
	// GeometryTolerance rounds molecule coordinates (bohr)
	GeometryTolerance = 1e-8
	// KeywordTolerance rounds float keyword values
	KeywordTolerance = 1e-10
)

func round(v, tol float64) float64 {
	return math.Round(v/tol) * tol
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Molecule computes the structural hash of a molecule from its
// canonicalized symbols, geometry, connectivity, charge, multiplicity,
// and fragment layout. Identifiers never affect the hash.
func Molecule(m *types.Molecule) string {
	h := sha256.New()

	for _, s := range m.Symbols {
		fmt.Fprintf(h, "%s;", strings.ToUpper(strings.TrimSpace(s)))
	}
	h.Write([]byte("|"))
	for _, g := range m.Geometry {
		fmt.Fprintf(h, "%s;", formatFloat(round(g, GeometryTolerance)))
	}
	h.Write([]byte("|"))

	// connectivity sorted with atom1 <= atom2 so bond direction is
	// irrelevant
	bonds := make([]types.Bond, len(m.Connectivity))
	copy(bonds, m.Connectivity)
	for i, b := range bonds {
		if b.Atom1 > b.Atom2 {
			bonds[i].Atom1, bonds[i].Atom2 = b.Atom2, b.Atom1
		}
	}
	sort.Slice(bonds, func(i, j int) bool {
		if bonds[i].Atom1 != bonds[j].Atom1 {
			return bonds[i].Atom1 < bonds[j].Atom1
		}
		return bonds[i].Atom2 < bonds[j].Atom2
	})
	for _, b := range bonds {
		fmt.Fprintf(h, "%d-%d:%s;", b.Atom1, b.Atom2, formatFloat(round(b.Order, KeywordTolerance)))
	}

	fmt.Fprintf(h, "|%d|%d|", m.Charge, m.Multiplicity)
	for _, frag := range m.Fragments {
		for _, at := range frag {
			fmt.Fprintf(h, "%d,", at)
		}
		h.Write([]byte(";"))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Keywords computes the canonical hash of a keyword bag: keys are
// lowercased and sorted, float values rounded to KeywordTolerance.
func Keywords(values map[string]interface{}) string {
	h := sha256.New()
	h.Write(canonicalValue(values))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalValue renders a keyword value deterministically. Maps are
// emitted with lowercased sorted keys, floats rounded.
func canonicalValue(v interface{}) []byte {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		normalized := make(map[string]interface{}, len(val))
		for k, inner := range val {
			lk := strings.ToLower(strings.TrimSpace(k))
			keys = append(keys, lk)
			normalized[lk] = inner
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("{")
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString("=")
			b.Write(canonicalValue(normalized[k]))
			b.WriteString(";")
		}
		b.WriteString("}")
		return []byte(b.String())
	case []interface{}:
		var b strings.Builder
		b.WriteString("[")
		for _, inner := range val {
			b.Write(canonicalValue(inner))
			b.WriteString(",")
		}
		b.WriteString("]")
		return []byte(b.String())
	case float64:
		return []byte(formatFloat(round(val, KeywordTolerance)))
	case float32:
		return []byte(formatFloat(round(float64(val), KeywordTolerance)))
	case int:
		return []byte(strconv.Itoa(val))
	case int64:
		return []byte(strconv.FormatInt(val, 10))
	case bool:
		return []byte(strconv.FormatBool(val))
	case string:
		return []byte(strconv.Quote(val))
	case nil:
		return []byte("null")
	default:
		// fall back to JSON for anything exotic
		data, err := json.Marshal(val)
		if err != nil {
			return []byte(fmt.Sprintf("%v", val))
		}
		return data
	}
}

// NormalizeQCSpecification applies the canonical normalization rules in
// place: lowercase program/method/basis, trim whitespace, empty basis
// stays empty (the null form).
func NormalizeQCSpecification(s *types.QCSpecification) {
	s.Program = strings.ToLower(strings.TrimSpace(s.Program))
	s.Method = strings.ToLower(strings.TrimSpace(s.Method))
	s.Basis = strings.ToLower(strings.TrimSpace(s.Basis))
}

// QCSpecification computes the dedup hash of a leaf specification tuple.
// The specification must already be normalized and its keywords resolved
// to an id.
func QCSpecification(s *types.QCSpecification) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|", s.Program, s.Driver, s.Method)
	if s.Basis == "" {
		h.Write([]byte("null"))
	} else {
		h.Write([]byte(s.Basis))
	}
	fmt.Fprintf(h, "|%d|", s.KeywordsID)
	h.Write(canonicalValue(toInterfaceMap(s.Protocols)))
	return hex.EncodeToString(h.Sum(nil))
}

// OptimizationSpecification computes the dedup hash of an optimization
// specification. The inner qc specification must already be resolved to
// an id.
func OptimizationSpecification(s *types.OptimizationSpecification) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", strings.ToLower(strings.TrimSpace(s.Program)), s.QCSpecificationID)
	h.Write(canonicalValue(toInterfaceMap(s.Keywords)))
	h.Write([]byte("|"))
	h.Write(canonicalValue(toInterfaceMap(s.Protocols)))
	return hex.EncodeToString(h.Sum(nil))
}

// CompoundSpecification computes the dedup hash of a compound service
// specification from its inner specification ids and its keyword block
func CompoundSpecification(kind string, innerIDs []int64, keywords interface{}) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|", kind)
	for _, id := range innerIDs {
		fmt.Fprintf(h, "%d,", id)
	}
	h.Write([]byte("|"))
	// keyword structs round-trip through JSON so the canonical map
	// rendering applies to them too
	data, err := json.Marshal(keywords)
	if err != nil {
		h.Write([]byte(fmt.Sprintf("%v", keywords)))
	} else {
		var m interface{}
		if err := json.Unmarshal(data, &m); err == nil {
			h.Write(canonicalValue(m))
		} else {
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func toInterfaceMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
