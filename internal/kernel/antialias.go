package kernel

import (
	"github.com/gogpu/diffrast/internal/dispatch"
)

// AARecord is one applied silhouette blend: the crossing parameter S
// locates where the owning triangle's edge (VA,VB) crosses the segment
// from pixel PixP to PixQ; S > 0.5 means PixQ was adjusted, S < 0.5
// means PixP was.
type AARecord struct {
	PixP, PixQ int32
	Tri        int32
	VA, VB     int32
	S          float32
}

// AA antialiases one image: for every horizontal and vertical neighbor
// pair whose triangle ids differ, the covering triangle's silhouette
// edge crossing the pixel-center segment blends color across the pair
// in proportion to the sub-pixel coverage. Out must start as a copy of
// Color; blends read original colors and add deltas, so two passes
// over disjoint rows and columns never race.
type AA struct {
	Color []float32 // Height*Width*Channels
	Rast  []float32 // Height*Width*4, id channel drives detection
	Pos   []float32
	Tri   []int32
	Topo  *Topology

	Channels int
	Width    int
	Height   int

	Out     []float32
	Records []AARecord
}

// pairEval tests one ordered owner assignment for the pixel pair and
// returns the blend record if one of the owner's silhouette edges
// crosses between the pixel centers.
func (k *AA) pairEval(t int32, other int32, pixP, pixQ int32, px, py, qx, qy float64) (AARecord, bool) {
	tv, ok := loadTri(k.Pos, k.Tri, int(t)-1)
	if !ok {
		return AARecord{}, false
	}
	verts := [3]int32{int32(tv.i0), int32(tv.i1), int32(tv.i2)}
	sx := [3]float64{
		screenX(tv.x0, tv.w0, k.Width),
		screenX(tv.x1, tv.w1, k.Width),
		screenX(tv.x2, tv.w2, k.Width),
	}
	sy := [3]float64{
		screenY(tv.y0, tv.w0, k.Height),
		screenY(tv.y1, tv.w1, k.Height),
		screenY(tv.y2, tv.w2, k.Height),
	}

	for e := 0; e < 3; e++ {
		va := verts[e]
		vb := verts[(e+1)%3]
		if other != 0 && k.Topo.Shared(va, vb, t-1, other-1) {
			continue
		}
		ax, ay := sx[e], sy[e]
		bx, by := sx[(e+1)%3], sy[(e+1)%3]

		// Pixel centers must straddle the edge line.
		oP := (bx-ax)*(py-ay) - (by-ay)*(px-ax)
		oQ := (bx-ax)*(qy-ay) - (by-ay)*(qx-ax)
		if (oP > 0) == (oQ > 0) {
			continue
		}
		// And the crossing must fall within the edge segment.
		eA := (qx-px)*(ay-py) - (qy-py)*(ax-px)
		eB := (qx-px)*(by-py) - (qy-py)*(bx-px)
		if (eA > 0) == (eB > 0) {
			continue
		}

		s := oP / (oP - oQ)
		if s <= 0 || s >= 1 || s == 0.5 {
			continue
		}
		return AARecord{
			PixP: pixP,
			PixQ: pixQ,
			Tri:  t - 1,
			VA:   va,
			VB:   vb,
			S:    float32(s),
		}, true
	}
	return AARecord{}, false
}

// applyPair detects and applies at most one blend for the pair; the
// covered pixel's triangle is tried first from P, then from Q.
func (k *AA) applyPair(pixP, pixQ int32, px, py, qx, qy float64, records *[]AARecord) {
	idP := int32(k.Rast[int(pixP)*4+3])
	idQ := int32(k.Rast[int(pixQ)*4+3])
	if idP == idQ {
		return
	}

	var rec AARecord
	found := false
	if idP != 0 {
		rec, found = k.pairEval(idP, idQ, pixP, pixQ, px, py, qx, qy)
	}
	if !found && idQ != 0 {
		rec, found = k.pairEval(idQ, idP, pixP, pixQ, px, py, qx, qy)
	}
	if !found {
		return
	}

	s := float64(rec.S)
	alpha := s - 0.5
	adj, src := int(rec.PixQ), int(rec.PixP)
	if alpha < 0 {
		alpha = -alpha
		adj, src = src, adj
	}
	nc := k.Channels
	srcBase := src * nc
	adjBase := adj * nc
	for c := 0; c < nc; c++ {
		d := float64(k.Color[srcBase+c]) - float64(k.Color[adjBase+c])
		k.Out[adjBase+c] += float32(alpha * d)
	}
	*records = append(*records, rec)
}

// Run executes detection and blending on the pool. Records end up in
// row-pass then column-pass order regardless of scheduling, so the
// backward pass sees a stable list.
func (k *AA) Run(pool *dispatch.Pool) {
	copy(k.Out, k.Color)

	w, h := k.Width, k.Height

	// Horizontal pairs: rows are independent.
	var hparts partials[[]AARecord]
	pool.For(h, 1, func(rowStart, rowEnd int) {
		var local []AARecord
		for iy := rowStart; iy < rowEnd; iy++ {
			for ix := 0; ix < w-1; ix++ {
				pixP := int32(iy*w + ix)
				k.applyPair(pixP, pixP+1, float64(ix), float64(iy), float64(ix+1), float64(iy), &local)
			}
		}
		if len(local) > 0 {
			hparts.add(rowStart, local)
		}
	})
	hparts.fold(func(recs []AARecord) {
		k.Records = append(k.Records, recs...)
	})

	// Vertical pairs: columns are independent.
	var vparts partials[[]AARecord]
	pool.For(w, 1, func(colStart, colEnd int) {
		var local []AARecord
		for ix := colStart; ix < colEnd; ix++ {
			for iy := 0; iy < h-1; iy++ {
				pixP := int32(iy*w + ix)
				k.applyPair(pixP, pixP+int32(w), float64(ix), float64(iy), float64(ix), float64(iy+1), &local)
			}
		}
		if len(local) > 0 {
			vparts.add(colStart, local)
		}
	})
	vparts.fold(func(recs []AARecord) {
		k.Records = append(k.Records, recs...)
	})
}
