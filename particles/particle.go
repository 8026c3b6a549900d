package particles

import (
	"math"
	"math/rand"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu"
)

// Particle is one element of the shared storage buffer. The layout matches
// the std430 struct the compute shader declares and is also the vertex
// layout the graphics pipeline reads.
type Particle struct {
	Position mgl32.Vec2
	Velocity mgl32.Vec2
	Color    mgl32.Vec4
}

const ParticleSize = 32

// Params is the compute shader's uniform block. DeltaTime is in milliseconds.
type Params struct {
	DeltaTime float32
	_         float32
	Bounds    mgl32.Vec2
}

const ParamsSize = 16

// Attributes describes Particle as vertex input: position at location 0
// and color at location 1.
func Attributes() []gpu.VertexAttribute {
	return []gpu.VertexAttribute{
		{Location: 0, Format: core1_0.FormatR32G32SignedFloat, Offset: 0},
		{Location: 1, Format: core1_0.FormatR32G32B32A32SignedFloat, Offset: 16},
	}
}

const initialSpeed = 0.00025

// Spawn scatters count particles over a disc in the middle of clip space,
// each moving outward. aspect is width over height, so the disc stays round.
func Spawn(count int, rng *rand.Rand, aspect float32) []Particle {
	particles := make([]Particle, count)
	for i := range particles {
		r := 0.25 * math.Sqrt(rng.Float64())
		theta := rng.Float64() * 2 * math.Pi
		x := float32(r*math.Cos(theta)) / aspect
		y := float32(r * math.Sin(theta))

		particles[i] = Particle{
			Position: mgl32.Vec2{x, y},
			Velocity: outward(x, y, rng),
			Color:    mgl32.Vec4{rng.Float32(), rng.Float32(), rng.Float32(), 1},
		}
	}
	return particles
}

// SeedFromVertices places count particles on the XY projection of a mesh,
// scaled to fit inside a disc of radius 0.5. Vertices are reused round-robin
// when count exceeds them.
func SeedFromVertices(vertices []mgl32.Vec3, count int, rng *rand.Rand) []Particle {
	if len(vertices) == 0 {
		return Spawn(count, rng, 1)
	}

	var extent float32
	for _, v := range vertices {
		if l := v.Vec2().Len(); l > extent {
			extent = l
		}
	}
	scale := float32(0.5)
	if extent > 0 {
		scale /= extent
	}

	particles := make([]Particle, count)
	for i := range particles {
		v := vertices[i%len(vertices)]
		x, y := v.X()*scale, v.Y()*scale
		particles[i] = Particle{
			Position: mgl32.Vec2{x, y},
			Velocity: outward(x, y, rng),
			Color:    mgl32.Vec4{0.5 + x, 0.5 + y, rng.Float32(), 1},
		}
	}
	return particles
}

func outward(x, y float32, rng *rand.Rand) mgl32.Vec2 {
	dir := mgl32.Vec2{x, y}
	if dir.Len() == 0 {
		theta := rng.Float64() * 2 * math.Pi
		dir = mgl32.Vec2{float32(math.Cos(theta)), float32(math.Sin(theta))}
	}
	return dir.Normalize().Mul(initialSpeed)
}
