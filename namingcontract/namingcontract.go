// Package namingcontract is the single source of truth for whether an
// on-disk basename may be touched by a destructive filesystem
// operation.
//
// The accepted form is fixed at construction from configuration and is
// immutable thereafter: the grammar is chosen once and frozen, since
// changing it later invalidates every prior Owned classification. The
// frozen form is:
//
//	<prefix>_<tag>_<kind>_<page-index>_<unix-timestamp>.<suffix>
//
// e.g. "EVR_tachfile_page_000042_1732900000.evrcache".
package namingcontract

import (
	"strconv"
	"strings"
)

// Origin classifies a basename as Owned (cache-produced, deletable by
// this system) or Foreign (user data, inviolable).
type Origin int

const (
	Foreign Origin = iota
	Owned
)

func (o Origin) String() string {
	if o == Owned {
		return "owned"
	}
	return "foreign"
}

// Contract is the frozen grammar for this process's lifetime.
type Contract struct {
	prefix string
	suffix string
}

// New freezes a Naming Contract from the given prefix/suffix tokens.
// New does not validate the tokens; the runtime and the CLI substitute
// their defaults for empty values before calling it. The returned
// Contract never changes them afterward.
func New(prefix, suffix string) *Contract {
	return &Contract{prefix: prefix, suffix: suffix}
}

// Classify maps a basename to Owned or Foreign. Must be called on the
// basename only, never a full path, so ancestor directory names can
// never cause a false match.
func (c *Contract) Classify(basename string) Origin {
	ok, _ := c.Validate(basename)
	if ok {
		return Owned
	}
	return Foreign
}

// Validate reports whether basename satisfies the frozen grammar,
// with the reasons it does not. The function is total: every input
// produces a result, never an error.
func (c *Contract) Validate(basename string) (bool, []string) {
	var reasons []string

	if !strings.HasPrefix(basename, c.prefix+"_") {
		reasons = append(reasons, "missing prefix token")
	}
	if !strings.HasSuffix(basename, "."+c.suffix) {
		reasons = append(reasons, "missing suffix token")
	}
	if len(reasons) > 0 {
		return false, reasons
	}

	middle := strings.TrimSuffix(strings.TrimPrefix(basename, c.prefix+"_"), "."+c.suffix)
	parts := strings.Split(middle, "_")

	// <tag>_<kind>_<page-index>_<unix-timestamp>
	if len(parts) != 4 {
		return false, []string{"middle segment does not decompose into 4 parts"}
	}

	if _, err := strconv.Atoi(parts[2]); err != nil {
		reasons = append(reasons, "page-index segment is not numeric")
	}
	ts, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || ts <= 0 {
		reasons = append(reasons, "timestamp segment is not a positive unix timestamp")
	}

	if len(reasons) > 0 {
		return false, reasons
	}
	return true, nil
}

// Format renders an Owned basename for the given components. Used by the
// cache and tests to construct names that Validate accepts by
// construction.
func (c *Contract) Format(tag, kind string, pageIndex int, unixTimestamp int64) string {
	return c.prefix + "_" + tag + "_" + kind + "_" +
		strconv.Itoa(pageIndex) + "_" + strconv.FormatInt(unixTimestamp, 10) + "." + c.suffix
}
