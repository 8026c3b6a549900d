package assets

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/vulkan-engine/gpu/gputest"
	"github.com/vkngwrapper/vulkan-engine/memory"
	"github.com/vkngwrapper/vulkan-engine/resource"
)

const quad = `o quad
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
vt 0 0
vt 1 0
vt 1 1
vt 0 1
f 1/1 2/2 3/3 4/4
`

func newRegistry(t *testing.T) (*gputest.Device, *resource.Transfer, *Registry) {
	t.Helper()
	dev := gputest.Combined()
	transfer, err := resource.NewTransfer(memory.NewAllocator(dev, 0, nil), dev.Queue(0))
	require.NoError(t, err)
	return dev, transfer, NewRegistry(transfer, nil)
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestLoadMeshTriangulates(t *testing.T) {
	_, transfer, r := newRegistry(t)
	defer transfer.Destroy()
	defer r.Destroy()

	mesh, err := r.LoadMesh("quad", strings.NewReader(quad), nil)
	require.NoError(t, err)
	assert.Len(t, mesh.Vertices, 4)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, mesh.Indices)
	assert.Equal(t, mgl32.Vec3{1, 1, 0}, mesh.Vertices[2])
	assert.Equal(t, mgl32.Vec2{1, 0}, mesh.TexCoords[2])

	got, ok := r.Mesh("quad")
	require.True(t, ok)
	assert.Same(t, mesh, got)

	_, err = r.LoadMesh("quad", strings.NewReader(quad), nil)
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestLoadMeshFile(t *testing.T) {
	_, transfer, r := newRegistry(t)
	defer transfer.Destroy()
	defer r.Destroy()

	path := filepath.Join(t.TempDir(), "quad.obj")
	require.NoError(t, os.WriteFile(path, []byte(quad), 0o600))
	mesh, err := r.LoadMeshFile("quad", path)
	require.NoError(t, err)
	assert.Len(t, mesh.Indices, 6)

	_, err = r.LoadMeshFile("missing", filepath.Join(t.TempDir(), "missing.obj"))
	assert.Error(t, err)
}

func TestLoadMeshWithoutFaces(t *testing.T) {
	_, transfer, r := newRegistry(t)
	defer transfer.Destroy()

	_, err := r.LoadMesh("empty", strings.NewReader("v 0 0 0\n"), nil)
	assert.Error(t, err)
	_, ok := r.Mesh("empty")
	assert.False(t, ok)
}

func TestLoadTextureUploads(t *testing.T) {
	dev, transfer, r := newRegistry(t)

	texture, err := r.LoadTexture("checker", bytes.NewReader(encodePNG(t, 4, 2)))
	require.NoError(t, err)
	assert.Equal(t, 4, texture.Image.Width)
	assert.Equal(t, 2, texture.Image.Height)
	assert.Equal(t, TextureFormat, texture.Image.Format)
	assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, texture.Image.Layout)

	require.Len(t, dev.Submissions, 1)
	assert.Equal(t, 1, dev.Submissions[0].Count(gputest.OpCopyBufferToImage))
	assert.Equal(t, 1, dev.Live(gputest.KindImage))

	_, err = r.LoadTexture("broken", bytes.NewReader([]byte("not a png")))
	assert.Error(t, err)

	r.Destroy()
	transfer.Destroy()
	assert.Empty(t, dev.Leaks())
	assert.Empty(t, dev.Misuse)
}

func TestDefaultTextureIsSharedAndWhite(t *testing.T) {
	dev, transfer, r := newRegistry(t)

	first, err := r.DefaultTexture()
	require.NoError(t, err)
	second, err := r.DefaultTexture()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, first.Image.Width)
	assert.Len(t, dev.Submissions, 1)

	_, err = r.AddTexture("bad", 2, 2, make([]byte, 4))
	assert.Error(t, err)

	r.Destroy()
	transfer.Destroy()
	assert.Empty(t, dev.Leaks())
}

func TestAddTextureAllocationFailure(t *testing.T) {
	dev, transfer, r := newRegistry(t)
	defer transfer.Destroy()
	dev.FailAllocationAfter = 0

	_, err := r.AddTexture("white", 1, 1, []byte{1, 2, 3, 4})
	require.Error(t, err)
	_, ok := r.Texture("white")
	assert.False(t, ok)
	assert.Zero(t, dev.Live(gputest.KindImage))
}
