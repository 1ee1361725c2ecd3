// Package render uploads realized patches to OpenGL and draws them.
package render

import (
	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"quadsphere/internal/modifier"
	"quadsphere/internal/profiling"
	"quadsphere/internal/sphere"
)

// floatsPerVertex is position, normal and uv.
const floatsPerVertex = 3 + 3 + 2

type gpuPatch struct {
	vao, vbo, ebo uint32
	count         int32
	indexType     uint32
	origin        mgl64.Vec3
	active        bool
}

// Consumer implements sphere.Consumer on the GL thread. Every method must be
// called with the GL context current.
type Consumer struct {
	logger  *zap.SugaredLogger
	shader  *Shader
	patches map[*sphere.Patch]*gpuPatch

	transform sphere.Transform
	Wireframe bool
	Color     mgl32.Vec3
	LightDir  mgl32.Vec3
}

// NewConsumer compiles the patch shader.
func NewConsumer(logger *zap.SugaredLogger) (*Consumer, error) {
	shader, err := NewShader(patchVertSrc, patchFragSrc)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		logger:    logger.Named("render"),
		shader:    shader,
		patches:   make(map[*sphere.Patch]*gpuPatch),
		transform: sphere.Transform{Rotation: mgl64.QuatIdent(), Radius: 1},
		Color:     mgl32.Vec3{0.45, 0.6, 0.35},
		LightDir:  mgl32.Vec3{1, 1, 0.5},
	}, nil
}

// SetTransform places subsequent draws; it should follow the sphere's.
func (c *Consumer) SetTransform(t sphere.Transform) { c.transform = t }

func (c *Consumer) Publish(p *sphere.Patch) {
	if p.Mesh == nil {
		return
	}
	defer profiling.Track("render.upload")()
	g := upload(p.Mesh)
	g.active = p.Active
	c.patches[p] = g
	c.logger.Debugw("patch uploaded", "node", p.Node.String(), "indices", g.count, "active", p.Active)
}

func (c *Consumer) SetActive(p *sphere.Patch, active bool) {
	if g, ok := c.patches[p]; ok {
		g.active = active
	}
}

func (c *Consumer) Destroy(p *sphere.Patch) {
	g, ok := c.patches[p]
	if !ok {
		return
	}
	gl.DeleteVertexArrays(1, &g.vao)
	gl.DeleteBuffers(1, &g.vbo)
	gl.DeleteBuffers(1, &g.ebo)
	delete(c.patches, p)
}

// Count returns the number of uploaded patches and how many are drawn.
func (c *Consumer) Count() (uploaded, active int) {
	for _, g := range c.patches {
		if g.active {
			active++
		}
	}
	return len(c.patches), active
}

// Interleave packs a mesh as position, normal, uv per vertex.
func Interleave(m *modifier.Mesh) []float32 {
	out := make([]float32, 0, len(m.Vertices)*floatsPerVertex)
	for i, v := range m.Vertices {
		n := m.Normals[i]
		uv := m.UVs[i]
		out = append(out, v[0], v[1], v[2], n[0], n[1], n[2], uv[0], uv[1])
	}
	return out
}

func upload(m *modifier.Mesh) *gpuPatch {
	g := &gpuPatch{origin: m.Origin, count: int32(m.IndexCount())}
	vertices := Interleave(m)

	gl.GenVertexArrays(1, &g.vao)
	gl.BindVertexArray(g.vao)

	gl.GenBuffers(1, &g.vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, g.vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(vertices)*4, gl.Ptr(vertices), gl.STATIC_DRAW)

	gl.GenBuffers(1, &g.ebo)
	gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, g.ebo)
	if m.Indices16 != nil {
		g.indexType = gl.UNSIGNED_SHORT
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(m.Indices16)*2, gl.Ptr(m.Indices16), gl.STATIC_DRAW)
	} else {
		g.indexType = gl.UNSIGNED_INT
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(m.Indices32)*4, gl.Ptr(m.Indices32), gl.STATIC_DRAW)
	}

	stride := int32(floatsPerVertex * 4)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointerWithOffset(0, 3, gl.FLOAT, false, stride, 0)
	gl.EnableVertexAttribArray(1)
	gl.VertexAttribPointerWithOffset(1, 3, gl.FLOAT, false, stride, 3*4)
	gl.EnableVertexAttribArray(2)
	gl.VertexAttribPointerWithOffset(2, 2, gl.FLOAT, false, stride, 6*4)

	gl.BindVertexArray(0)
	return g
}

// ModelMatrix places a patch relative to the eye: sphere position minus the
// eye, then the sphere rotation, then the patch origin. Computing this in
// float64 keeps large spheres free of jitter.
func ModelMatrix(t sphere.Transform, origin, eye mgl64.Vec3) mgl32.Mat4 {
	m := mgl64.Translate3D(t.Position.Sub(eye).Elem()).
		Mul4(t.Rotation.Mat4()).
		Mul4(mgl64.Translate3D(origin.Elem()))
	var out mgl32.Mat4
	for i := range m {
		out[i] = float32(m[i])
	}
	return out
}

// Draw renders every active patch.
func (c *Consumer) Draw(cam *OrbitCamera) {
	defer profiling.Track("render.draw")()

	eye := cam.Position()
	c.shader.Use()
	c.shader.SetMatrix4("view", cam.View())
	c.shader.SetMatrix4("proj", cam.Projection())
	c.shader.SetVector3("lightDir", c.LightDir)
	c.shader.SetVector3("color", c.Color)
	c.shader.SetBool("wireframe", c.Wireframe)
	if c.Wireframe {
		gl.PolygonMode(gl.FRONT_AND_BACK, gl.LINE)
	} else {
		gl.PolygonMode(gl.FRONT_AND_BACK, gl.FILL)
	}

	for _, g := range c.patches {
		if !g.active {
			continue
		}
		c.shader.SetMatrix4("model", ModelMatrix(c.transform, g.origin, eye))
		gl.BindVertexArray(g.vao)
		gl.DrawElementsWithOffset(gl.TRIANGLES, g.count, g.indexType, 0)
	}
	gl.BindVertexArray(0)
	gl.PolygonMode(gl.FRONT_AND_BACK, gl.FILL)
}

// Dispose releases every uploaded patch and the shader.
func (c *Consumer) Dispose() {
	for p := range c.patches {
		c.Destroy(p)
	}
	c.shader.Delete()
}
