package membership

import (
	"maps"
	"slices"
)

// Digest maps each member of a view to the sequence number of the last
// message seen from it. A digest travels with every installed view so the
// delivery layer can continue where the previous view stopped.
type Digest map[Address]uint64

// NewDigest returns a digest with a zero cursor for every member.
func NewDigest(members []Address) Digest {
	d := make(Digest, len(members))
	for _, m := range members {
		d[m] = 0
	}
	return d
}

func (d Digest) Copy() Digest {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Get returns the cursor for a and whether a is covered.
func (d Digest) Get(a Address) (uint64, bool) {
	s, ok := d[a]
	return s, ok
}

// Merge returns a new digest holding, for every member present in either
// digest, the highest cursor of the two.
func (d Digest) Merge(o Digest) Digest {
	out := make(Digest, len(d)+len(o))
	for a, s := range d {
		out[a] = s
	}
	for a, s := range o {
		if cur, ok := out[a]; !ok || s > cur {
			out[a] = s
		}
	}
	return out
}

// Restrict returns a digest covering exactly members. Members unknown to d
// start at zero.
func (d Digest) Restrict(members []Address) Digest {
	out := make(Digest, len(members))
	for _, m := range members {
		out[m] = d[m]
	}
	return out
}

// Covers reports whether d has an entry for exactly the members of v.
func (d Digest) Covers(v *View) bool {
	if v == nil {
		return len(d) == 0
	}
	if len(d) != len(v.Members) {
		return false
	}
	for _, m := range v.Members {
		if _, ok := d[m]; !ok {
			return false
		}
	}
	return true
}

// Members returns the covered addresses in ascending order.
func (d Digest) Members() []Address {
	out := slices.Collect(maps.Keys(d))
	slices.SortFunc(out, Address.Compare)
	return out
}
