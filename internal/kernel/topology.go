package kernel

// Topology indexes undirected mesh edges to their first two incident
// triangles. It is built once per triangle list and read concurrently
// by antialiasing passes.
type Topology struct {
	edges map[uint64]edgePair
}

type edgePair struct {
	t0, t1 int32
}

// EdgeKey builds an order-independent key for the edge (a, b).
func EdgeKey(a, b int32) uint64 {
	if a > b {
		a, b = b, a
	}
	return uint64(uint32(a))<<32 | uint64(uint32(b))
}

// BuildTopology scans the triangle list. Non-manifold edges keep their
// first two triangles; later incidences are ignored.
func BuildTopology(tri []int32) *Topology {
	nt := len(tri) / 3
	topo := &Topology{edges: make(map[uint64]edgePair, nt*3/2)}
	for t := 0; t < nt; t++ {
		v0 := tri[t*3+0]
		v1 := tri[t*3+1]
		v2 := tri[t*3+2]
		topo.add(EdgeKey(v0, v1), int32(t))
		topo.add(EdgeKey(v1, v2), int32(t))
		topo.add(EdgeKey(v2, v0), int32(t))
	}
	return topo
}

func (t *Topology) add(key uint64, tri int32) {
	p, ok := t.edges[key]
	switch {
	case !ok:
		t.edges[key] = edgePair{t0: tri, t1: -1}
	case p.t1 < 0 && p.t0 != tri:
		p.t1 = tri
		t.edges[key] = p
	}
}

// Shared reports whether the edge (a, b) is known to join triangles ta
// and tb; such an edge is interior between the two and never a
// silhouette.
func (t *Topology) Shared(a, b, ta, tb int32) bool {
	p, ok := t.edges[EdgeKey(a, b)]
	if !ok {
		return false
	}
	has := func(x int32) bool { return p.t0 == x || p.t1 == x }
	return has(ta) && has(tb)
}

// Len returns the number of distinct edges.
func (t *Topology) Len() int {
	return len(t.edges)
}
