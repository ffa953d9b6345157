package shm

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// regions tracks the mappings alive in this process, keyed by memfd number.
var regions = cmap.New[*Region]()

func register(r *Region) {
	regions.Set(strconv.Itoa(r.fd), r)
}

func unregister(r *Region) {
	regions.Remove(strconv.Itoa(r.fd))
}

// LiveRegions returns the number of regions mapped and not yet unmapped.
func LiveRegions() int {
	return regions.Count()
}

// DebugRegionDetail prints the header of every live region to w.
func DebugRegionDetail(w io.Writer) {
	keys := regions.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		r, ok := regions.Get(k)
		if !ok || r.Closed() {
			continue
		}
		fmt.Fprintf(w, "name:%s fd:%d size:%d mutex:%d seq:%d length:%d\n",
			r.name, r.fd, r.size,
			AtomicLoadUint32(r.word(mutexOffset)), r.Seq(),
			AtomicLoadUint32(r.word(lengthOffset)))
	}
}
