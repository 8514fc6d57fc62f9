package mesh

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"
)

// DefaultCandidates is the number of nearest vertices whose incident faces
// are searched for the closest surface point.
const DefaultCandidates = 8

// vertex is a mesh vertex stored in the kd-tree together with its index.
type vertex struct {
	mgl64.Vec3
	index int
}

// Compare implements the kdtree.Comparable interface
func (p vertex) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(vertex)
	return p.Vec3[d] - q.Vec3[d]
}

// Dims returns the number of dimensions for the KD-tree
func (p vertex) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two vertices
func (p vertex) Distance(c kdtree.Comparable) float64 {
	q := c.(vertex)
	d := p.Vec3.Sub(q.Vec3)
	return d.Dot(d)
}

// vertices is a collection of vertex that satisfies kdtree.Interface
type vertices []vertex

func (p vertices) Index(i int) kdtree.Comparable         { return p[i] }
func (p vertices) Len() int                              { return len(p) }
func (p vertices) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p vertices) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(vertexPlane{vertices: p, Dim: d}, kdtree.MedianOfRandoms(vertexPlane{vertices: p, Dim: d}, 100))
}

// vertexPlane implements sort.Interface and kdtree.SortSlicer for vertices
type vertexPlane struct {
	vertices
	kdtree.Dim
}

func (p vertexPlane) Less(i, j int) bool {
	return p.vertices[i].Vec3[p.Dim] < p.vertices[j].Vec3[p.Dim]
}

func (p vertexPlane) Slice(start, end int) kdtree.SortSlicer {
	return vertexPlane{vertices: p.vertices[start:end], Dim: p.Dim}
}

func (p vertexPlane) Swap(i, j int) {
	p.vertices[i], p.vertices[j] = p.vertices[j], p.vertices[i]
}

// Locator answers nearest-vertex and closest-surface-point queries against a
// mesh. It snapshots the vertex positions at construction; rebuild it after
// the mesh moves.
type Locator struct {
	mesh       *Mesh
	tree       *kdtree.Tree
	incident   [][]int
	candidates int
}

// NewLocator builds a kd-tree over the mesh vertices and the vertex to face
// adjacency used by ClosestPoint.
func NewLocator(m *Mesh) *Locator {
	pts := make(vertices, len(m.Vertices))
	for i, v := range m.Vertices {
		pts[i] = vertex{Vec3: v, index: i}
	}
	incident := make([][]int, len(m.Vertices))
	for fi, f := range m.Faces {
		for _, v := range f {
			incident[v] = append(incident[v], fi)
		}
	}
	return &Locator{
		mesh:       m,
		tree:       kdtree.New(pts, false),
		incident:   incident,
		candidates: DefaultCandidates,
	}
}

// SetCandidates changes how many nearest vertices seed the face search.
func (l *Locator) SetCandidates(k int) {
	if k > 0 {
		l.candidates = k
	}
}

// Mesh returns the mesh the locator was built on.
func (l *Locator) Mesh() *Mesh { return l.mesh }

// NearestVertex returns the index of the vertex closest to p and its
// distance.
func (l *Locator) NearestVertex(p mgl64.Vec3) (int, float64) {
	c, d2 := l.tree.Nearest(vertex{Vec3: p})
	if c == nil {
		return -1, math.Inf(1)
	}
	return c.(vertex).index, math.Sqrt(d2)
}

// ClosestPoint returns the closest point on the surface to p, the face it
// lies on and its unsigned distance. The search covers the faces incident
// to the nearest vertices of p.
func (l *Locator) ClosestPoint(p mgl64.Vec3) (mgl64.Vec3, int, float64) {
	q, fi, _, d := l.closest(p)
	return q, fi, d
}

func (l *Locator) closest(p mgl64.Vec3) (mgl64.Vec3, int, corners, float64) {
	keep := kdtree.NewNKeeper(l.candidates)
	l.tree.NearestSet(keep, vertex{Vec3: p})

	best, bestFace, bestCorners, bestDist := mgl64.Vec3{}, -1, corners(0), math.Inf(1)
	seen := make(map[int]struct{})
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		vi := cd.Comparable.(vertex).index
		for _, fi := range l.incident[vi] {
			if _, ok := seen[fi]; ok {
				continue
			}
			seen[fi] = struct{}{}
			f := l.mesh.Faces[fi]
			q, on := closestOnTriangle(p, l.mesh.Vertices[f[0]], l.mesh.Vertices[f[1]], l.mesh.Vertices[f[2]])
			if d := q.Sub(p).Len(); d < bestDist {
				best, bestFace, bestCorners, bestDist = q, fi, on, d
			}
		}
		if len(l.incident[vi]) == 0 && bestFace < 0 {
			// isolated vertex
			if d := math.Sqrt(cd.Dist); d < bestDist {
				best, bestDist = cd.Comparable.(vertex).Vec3, d
			}
		}
	}
	return best, bestFace, bestCorners, bestDist
}

// SignedDistance returns the distance from p to the surface, positive when p
// lies outside the bone. Inside a face the face normal decides; on an edge
// or a vertex the angle-weighted pseudo-normal of the faces sharing it does.
func (l *Locator) SignedDistance(p mgl64.Vec3) float64 {
	q, fi, on, d := l.closest(p)
	if fi < 0 {
		return d
	}
	if p.Sub(q).Dot(l.pseudoNormal(fi, on)) < 0 {
		return -d
	}
	return d
}

// pseudoNormal returns the normal of the feature of face fi the corners
// span: the face itself, one of its edges or one of its vertices.
func (l *Locator) pseudoNormal(fi int, on corners) mgl64.Vec3 {
	f := l.mesh.Faces[fi]
	switch on.count() {
	case 1:
		v := f[on.first()]
		var n mgl64.Vec3
		for _, fj := range l.incident[v] {
			n = n.Add(l.mesh.FaceNormal(fj).Mul(l.cornerAngle(fj, v)))
		}
		return n
	case 2:
		u, v := f[on.first()], f[on.last()]
		var n mgl64.Vec3
		for _, fj := range l.incident[u] {
			g := l.mesh.Faces[fj]
			if g[0] == v || g[1] == v || g[2] == v {
				n = n.Add(l.mesh.FaceNormal(fj))
			}
		}
		return n
	}
	return l.mesh.FaceNormal(fi)
}

// cornerAngle returns the interior angle of face fi at vertex v, in radians.
func (l *Locator) cornerAngle(fi, v int) float64 {
	f := l.mesh.Faces[fi]
	var a, b mgl64.Vec3
	for i, w := range f {
		if w == v {
			o := l.mesh.Vertices[v]
			a = l.mesh.Vertices[f[(i+1)%3]].Sub(o)
			b = l.mesh.Vertices[f[(i+2)%3]].Sub(o)
			break
		}
	}
	la, lb := a.Len(), b.Len()
	if la < 1e-12 || lb < 1e-12 {
		return 0
	}
	return math.Acos(math.Max(-1, math.Min(1, a.Dot(b)/(la*lb))))
}

// MeanDistance returns the mean unsigned distance from the points to the
// surface.
func (l *Locator) MeanDistance(pts []mgl64.Vec3) float64 {
	if len(pts) == 0 {
		return 0
	}
	ds := make([]float64, len(pts))
	for i, p := range pts {
		_, _, ds[i] = l.ClosestPoint(p)
	}
	return stat.Mean(ds, nil)
}

// corners is a bit set over the corners a, b and c of a triangle; the
// closest point of a triangle lies on the feature its corners span.
type corners uint8

const (
	cornerA corners = 1 << iota
	cornerB
	cornerC
	interior = cornerA | cornerB | cornerC
)

func (c corners) count() int {
	n := 0
	for i := 0; i < 3; i++ {
		if c&(1<<i) != 0 {
			n++
		}
	}
	return n
}

func (c corners) first() int {
	for i := 0; i < 3; i++ {
		if c&(1<<i) != 0 {
			return i
		}
	}
	return -1
}

func (c corners) last() int {
	for i := 2; i >= 0; i-- {
		if c&(1<<i) != 0 {
			return i
		}
	}
	return -1
}

// closestOnTriangle returns the point of triangle abc closest to p and the
// corners of the feature it lies on.
func closestOnTriangle(p, a, b, c mgl64.Vec3) (mgl64.Vec3, corners) {
	ab, ac, ap := b.Sub(a), c.Sub(a), p.Sub(a)
	d1, d2 := ab.Dot(ap), ac.Dot(ap)
	if d1 <= 0 && d2 <= 0 {
		return a, cornerA
	}
	bp := p.Sub(b)
	d3, d4 := ab.Dot(bp), ac.Dot(bp)
	if d3 >= 0 && d4 <= d3 {
		return b, cornerB
	}
	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		return a.Add(ab.Mul(d1 / (d1 - d3))), cornerA | cornerB
	}
	cp := p.Sub(c)
	d5, d6 := ab.Dot(cp), ac.Dot(cp)
	if d6 >= 0 && d5 <= d6 {
		return c, cornerC
	}
	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		return a.Add(ac.Mul(d2 / (d2 - d6))), cornerA | cornerC
	}
	va := d3*d6 - d5*d4
	if va <= 0 && d4-d3 >= 0 && d5-d6 >= 0 {
		return b.Add(c.Sub(b).Mul((d4 - d3) / ((d4 - d3) + (d5 - d6)))), cornerB | cornerC
	}
	denom := 1 / (va + vb + vc)
	v, w := vb*denom, vc*denom
	return a.Add(ab.Mul(v)).Add(ac.Mul(w)), interior
}
