package schemas

import (
	"hash"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// hasherPool keeps FNV hashers around; every snapshot hashes each element three times.
var hasherPool = sync.Pool{
	New: func() interface{} {
		return fnv.New64a()
	},
}

// ElementIdentity is the structural fingerprint of an element: where it sits in
// the render tree, which attributes it carries and its XPath. It does not
// depend on the numeric highlight index, which changes between renders.
type ElementIdentity struct {
	BranchPath string `json:"branch_path_hash"`
	Attributes string `json:"attributes_hash"`
	XPath      string `json:"xpath_hash"`
}

// NewElementIdentity hashes the three structural components. Recorded
// descriptors and live elements go through this same function, so equal
// inputs always produce equal identities.
func NewElementIdentity(branchPath []string, attributes map[string]string, xpath string) ElementIdentity {
	return ElementIdentity{
		BranchPath: hashString(strings.Join(branchPath, "/")),
		Attributes: hashString(canonicalAttributes(attributes)),
		XPath:      hashString(xpath),
	}
}

// IsZero reports whether the identity was never computed.
func (id ElementIdentity) IsZero() bool {
	return id == ElementIdentity{}
}

func (id ElementIdentity) String() string {
	return id.BranchPath + ":" + id.Attributes + ":" + id.XPath
}

// canonicalAttributes renders attributes in key order so map iteration order
// never leaks into the hash.
func canonicalAttributes(attributes map[string]string) string {
	if len(attributes) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attributes))
	for k := range attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(attributes[k])
		sb.WriteByte(0)
	}
	return sb.String()
}

func hashString(s string) string {
	hasher := hasherPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	_, _ = hasher.Write([]byte(s))
	return strconv.FormatUint(hasher.Sum64(), 16)
}
