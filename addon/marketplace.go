// SPDX-License-Identifier: GPL-3.0-or-later

package addon

// ListingSource distinguishes where a marketplace entry's data came from,
// for callers that want to show "update available" badges.
type ListingSource int

const (
	SourceLocal ListingSource = iota
	SourceRemote
	SourceBoth
)

// Listing is one addon's marketplace metadata, merged across the locally
// discovered copy and the remote "latest" feed (spec §6.4, adapted from
// app/helper/addon.py's merge-by-id routine).
type Listing struct {
	ID              string
	Name            string
	InstalledVersion string
	LatestVersion    string
	UpdateAvailable  bool
	Source           ListingSource
}

// MergeMarketplace merges a locally discovered addon list with an externally
// fetched "latest" list by id, keeping the higher semver string and tagging
// UpdateAvailable. Versions are compared segment by segment as numbers
// (see versionLess); they are simple dotted MAJOR.MINOR.PATCH strings
// produced by the marketplace, not arbitrary semver with pre-release tags.
func MergeMarketplace(local, remote []Listing) []Listing {
	byID := make(map[string]*Listing, len(local)+len(remote))
	var order []string

	for _, l := range local {
		l := l
		l.Source = SourceLocal
		byID[l.ID] = &l
		order = append(order, l.ID)
	}
	for _, r := range remote {
		if existing, ok := byID[r.ID]; ok {
			existing.LatestVersion = r.LatestVersion
			existing.Source = SourceBoth
			existing.UpdateAvailable = versionLess(existing.InstalledVersion, r.LatestVersion)
			if r.Name != "" {
				existing.Name = r.Name
			}
			continue
		}
		r := r
		r.Source = SourceRemote
		byID[r.ID] = &r
		order = append(order, r.ID)
	}

	out := make([]Listing, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// versionLess does a segment-wise numeric comparison of dotted version
// strings. A missing segment counts as 0; there is no lexical fallback for
// non-numeric segments.
func versionLess(a, b string) bool {
	as := splitVersion(a)
	bs := splitVersion(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func splitVersion(v string) []int {
	var out []int
	cur := 0
	has := false
	for _, r := range v {
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
			has = true
			continue
		}
		if r == '.' {
			out = append(out, cur)
			cur, has = 0, false
			continue
		}
		// non-numeric version component: stop parsing further, treat rest as 0
		break
	}
	if has || cur != 0 {
		out = append(out, cur)
	}
	return out
}
