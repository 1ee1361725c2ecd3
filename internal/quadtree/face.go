package quadtree

import (
	"github.com/go-gl/mathgl/mgl64"
)

// Face is one of the six cube directions the sphere is built from.
type Face uint8

const (
	FaceXp Face = iota
	FaceXn
	FaceYp
	FaceYn
	FaceZp
	FaceZn

	FaceCount = 6
)

var faceNames = [FaceCount]string{"X+", "X-", "Y+", "Y-", "Z+", "Z-"}

func (f Face) String() string {
	if int(f) < FaceCount {
		return faceNames[f]
	}
	return "?"
}

// Dir is a face-local axis direction. North is +v, East is +u.
type Dir uint8

const (
	North Dir = iota
	East
	South
	West

	DirCount = 4
)

var dirNames = [DirCount]string{"north", "east", "south", "west"}

func (d Dir) String() string {
	if int(d) < DirCount {
		return dirNames[d]
	}
	return "?"
}

// Opposite returns the direction pointing the other way on the same face.
func (d Dir) Opposite() Dir {
	return (d + 2) % DirCount
}

// faceBasis holds the outward normal and the two tangent axes of a face.
// u x v == normal for every face, so counter-clockwise winding in (u, v)
// faces outward.
type faceBasis struct {
	normal mgl64.Vec3
	u      mgl64.Vec3
	v      mgl64.Vec3
}

var faceBases = [FaceCount]faceBasis{
	FaceXp: {normal: mgl64.Vec3{1, 0, 0}, u: mgl64.Vec3{0, 0, -1}, v: mgl64.Vec3{0, 1, 0}},
	FaceXn: {normal: mgl64.Vec3{-1, 0, 0}, u: mgl64.Vec3{0, 0, 1}, v: mgl64.Vec3{0, 1, 0}},
	FaceYp: {normal: mgl64.Vec3{0, 1, 0}, u: mgl64.Vec3{1, 0, 0}, v: mgl64.Vec3{0, 0, -1}},
	FaceYn: {normal: mgl64.Vec3{0, -1, 0}, u: mgl64.Vec3{1, 0, 0}, v: mgl64.Vec3{0, 0, 1}},
	FaceZp: {normal: mgl64.Vec3{0, 0, 1}, u: mgl64.Vec3{1, 0, 0}, v: mgl64.Vec3{0, 1, 0}},
	FaceZn: {normal: mgl64.Vec3{0, 0, -1}, u: mgl64.Vec3{-1, 0, 0}, v: mgl64.Vec3{0, 1, 0}},
}

// faceAdjacency is the fixed cube wiring: the root face reached by leaving
// a face through each of its edges. Adjacent faces meet at different local
// axes depending on the pair.
var faceAdjacency = [FaceCount][DirCount]Face{
	FaceXp: {North: FaceYp, East: FaceZn, South: FaceYn, West: FaceZp},
	FaceXn: {North: FaceYp, East: FaceZp, South: FaceYn, West: FaceZn},
	FaceYp: {North: FaceZn, East: FaceXp, South: FaceZp, West: FaceXn},
	FaceYn: {North: FaceZp, East: FaceXp, South: FaceZn, West: FaceXn},
	FaceZp: {North: FaceYp, East: FaceXp, South: FaceYn, West: FaceXn},
	FaceZn: {North: FaceYp, East: FaceXn, South: FaceYn, West: FaceXp},
}

// Adjacent returns the face across the given edge of f.
func Adjacent(f Face, d Dir) Face {
	return faceAdjacency[f][d]
}

// Normal returns the outward normal of the face.
func (f Face) Normal() mgl64.Vec3 { return faceBases[f].normal }

// Axes returns the face's tangent axes (u, v).
func (f Face) Axes() (mgl64.Vec3, mgl64.Vec3) {
	b := faceBases[f]
	return b.u, b.v
}

// ToCube maps face-local coordinates in [-1, 1]^2 onto the cube surface.
func (f Face) ToCube(uv mgl64.Vec2) mgl64.Vec3 {
	b := faceBases[f]
	return b.normal.Add(b.u.Mul(uv.X())).Add(b.v.Mul(uv.Y()))
}

// ToSphere maps face-local coordinates onto the unit sphere.
func (f Face) ToSphere(uv mgl64.Vec2) mgl64.Vec3 {
	return f.ToCube(uv).Normalize()
}
