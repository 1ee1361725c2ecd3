package render

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// OrbitCamera circles a target point. Positions are kept in float64 and
// rendering is done relative to the eye, so the view matrix only carries
// the orientation.
type OrbitCamera struct {
	Target   mgl64.Vec3
	Distance float64
	Yaw      float64
	Pitch    float64

	AspectRatio float32
	FOV         float32
	NearPlane   float32
	FarPlane    float32

	MinDistance float64
}

func NewOrbitCamera(target mgl64.Vec3, distance float64, width, height int) *OrbitCamera {
	return &OrbitCamera{
		Target:      target,
		Distance:    distance,
		AspectRatio: float32(width) / float32(height),
		FOV:         60.0,
		NearPlane:   0.05,
		FarPlane:    float32(distance * 10),
		MinDistance: 0.01,
	}
}

// Orbit rotates around the target; pitch stays short of the poles.
func (c *OrbitCamera) Orbit(dYaw, dPitch float64) {
	c.Yaw = math.Mod(c.Yaw+dYaw, 2*math.Pi)
	c.Pitch = mgl64.Clamp(c.Pitch+dPitch, -math.Pi/2+0.01, math.Pi/2-0.01)
}

// Zoom scales the distance to the target by factor.
func (c *OrbitCamera) Zoom(factor float64) {
	c.Distance = max(c.Distance*factor, c.MinDistance)
}

// Position returns the eye in world space.
func (c *OrbitCamera) Position() mgl64.Vec3 {
	cp := math.Cos(c.Pitch)
	dir := mgl64.Vec3{cp * math.Cos(c.Yaw), math.Sin(c.Pitch), cp * math.Sin(c.Yaw)}
	return c.Target.Add(dir.Mul(c.Distance))
}

// View looks from the origin toward the target, for eye-relative drawing.
func (c *OrbitCamera) View() mgl32.Mat4 {
	fwd := c.Target.Sub(c.Position())
	return mgl32.LookAtV(mgl32.Vec3{}, vec32(fwd), mgl32.Vec3{0, 1, 0})
}

func (c *OrbitCamera) Projection() mgl32.Mat4 {
	near := c.NearPlane
	// Pull the near plane in as the camera approaches the surface.
	if d := float32(c.Distance) * 0.01; d < near {
		near = max(d, 1e-4)
	}
	return mgl32.Perspective(mgl32.DegToRad(c.FOV), c.AspectRatio, near, c.FarPlane)
}

func vec32(v mgl64.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
}
