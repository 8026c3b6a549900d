// Package assets loads meshes and textures for a render session and owns
// the GPU resources made from them until the session ends.
package assets

import (
	"bytes"
	"image"
	"image/draw"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/logging"
	"github.com/vkngwrapper/vulkan-engine/resource"
)

// DefaultTextureName is the registry key of the 1x1 white texture.
const DefaultTextureName = "default"

// TextureFormat is the format every texture is uploaded in.
const TextureFormat = core1_0.FormatR8G8B8A8SRGB

var ErrDuplicate = errors.New("asset already loaded")

// Mesh is a triangulated mesh with one vertex per unique position index.
type Mesh struct {
	Name      string
	Vertices  []mgl32.Vec3
	TexCoords []mgl32.Vec2
	Indices   []uint32
}

type Texture struct {
	Name  string
	Image *resource.Image
}

// Registry owns every loaded asset. It is created by the renderer and
// destroyed with it; nothing in it is global.
type Registry struct {
	transfer *resource.Transfer
	logger   *slog.Logger

	meshes   map[string]*Mesh
	textures map[string]*Texture
	order    []*Texture
}

func NewRegistry(transfer *resource.Transfer, logger *slog.Logger) *Registry {
	return &Registry{
		transfer: transfer,
		logger:   logging.Or(logger),
		meshes:   map[string]*Mesh{},
		textures: map[string]*Texture{},
	}
}

func (r *Registry) Mesh(name string) (*Mesh, bool) {
	m, ok := r.meshes[name]
	return m, ok
}

func (r *Registry) Texture(name string) (*Texture, bool) {
	t, ok := r.textures[name]
	return t, ok
}

// LoadMeshFile decodes an OBJ file. A material library next to it with the
// same base name is read when present.
func (r *Registry) LoadMeshFile(name, path string) (*Mesh, error) {
	meshFile, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening mesh %s", path)
	}
	defer meshFile.Close()

	var matReader io.Reader = strings.NewReader("")
	matFile, err := os.Open(strings.TrimSuffix(path, ".obj") + ".mtl")
	if err == nil {
		defer matFile.Close()
		matReader = matFile
	}
	return r.LoadMesh(name, meshFile, matReader)
}

// LoadMesh decodes OBJ data and triangulates every face as a fan.
func (r *Registry) LoadMesh(name string, meshData, matData io.Reader) (*Mesh, error) {
	if _, ok := r.meshes[name]; ok {
		return nil, errors.Wrapf(ErrDuplicate, "mesh %q", name)
	}
	if matData == nil {
		matData = strings.NewReader("")
	}
	decoder, err := obj.DecodeReader(meshData, matData)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding mesh %q", name)
	}

	mesh := &Mesh{Name: name}
	unique := map[int]uint32{}
	addVertex := func(face obj.Face, i int) error {
		vert := face.Vertices[i]
		if vert < 0 || vert*3+2 >= len(decoder.Vertices) {
			return errors.Newf("mesh %q references missing vertex %d", name, vert)
		}
		index, ok := unique[vert]
		if !ok {
			index = uint32(len(mesh.Vertices))
			mesh.Vertices = append(mesh.Vertices, mgl32.Vec3{
				decoder.Vertices[vert*3],
				decoder.Vertices[vert*3+1],
				decoder.Vertices[vert*3+2],
			})

			var uv mgl32.Vec2
			if i < len(face.Uvs) {
				if u := face.Uvs[i]; u >= 0 && u*2+1 < len(decoder.Uvs) {
					uv = mgl32.Vec2{decoder.Uvs[u*2], 1.0 - decoder.Uvs[u*2+1]}
				}
			}
			mesh.TexCoords = append(mesh.TexCoords, uv)
			unique[vert] = index
		}
		mesh.Indices = append(mesh.Indices, index)
		return nil
	}

	for _, object := range decoder.Objects {
		for _, face := range object.Faces {
			for i := 2; i < len(face.Vertices); i++ {
				for _, corner := range [3]int{0, i - 1, i} {
					if err := addVertex(face, corner); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	if len(mesh.Vertices) == 0 {
		return nil, errors.Newf("mesh %q has no faces", name)
	}

	r.meshes[name] = mesh
	r.logger.Debug("loaded mesh",
		slog.String("Name", name),
		slog.Int("Vertices", len(mesh.Vertices)),
		slog.Int("Indices", len(mesh.Indices)))
	return mesh, nil
}

func (r *Registry) LoadTextureFile(name, path string) (*Texture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading texture %s", path)
	}
	return r.LoadTexture(name, bytes.NewReader(data))
}

// LoadTexture decodes a PNG and uploads it as a sampled device-local image.
func (r *Registry) LoadTexture(name string, data io.Reader) (*Texture, error) {
	decoded, err := png.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding texture %q", name)
	}
	bounds := decoded.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), decoded, bounds.Min, draw.Src)
	return r.AddTexture(name, rgba.Rect.Dx(), rgba.Rect.Dy(), rgba.Pix)
}

// AddTexture uploads width*height tightly packed RGBA texels.
func (r *Registry) AddTexture(name string, width, height int, texels []byte) (*Texture, error) {
	if _, ok := r.textures[name]; ok {
		return nil, errors.Wrapf(ErrDuplicate, "texture %q", name)
	}
	if width <= 0 || height <= 0 || len(texels) != width*height*4 {
		return nil, errors.Newf("texture %q: %d bytes for %dx%d texels", name, len(texels), width, height)
	}

	img, err := resource.NewImage(r.transfer.Allocator(), resource.ImageOptions{
		Width:      width,
		Height:     height,
		Format:     TextureFormat,
		Tiling:     core1_0.ImageTilingOptimal,
		Usage:      core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled,
		Properties: core1_0.MemoryPropertyDeviceLocal,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating texture %q", name)
	}
	if err := r.transfer.UploadImage(img, texels); err != nil {
		img.Destroy()
		return nil, errors.Wrapf(err, "uploading texture %q", name)
	}

	texture := &Texture{Name: name, Image: img}
	r.textures[name] = texture
	r.order = append(r.order, texture)
	r.logger.Debug("loaded texture",
		slog.String("Name", name),
		slog.Int("Width", width),
		slog.Int("Height", height))
	return texture, nil
}

// DefaultTexture returns the 1x1 white texture, uploading it on first use.
func (r *Registry) DefaultTexture() (*Texture, error) {
	if t, ok := r.textures[DefaultTextureName]; ok {
		return t, nil
	}
	return r.AddTexture(DefaultTextureName, 1, 1, []byte{0xff, 0xff, 0xff, 0xff})
}

// Destroy releases textures in reverse load order and forgets every asset.
func (r *Registry) Destroy() {
	if r == nil {
		return
	}
	for i := len(r.order) - 1; i >= 0; i-- {
		r.order[i].Image.Destroy()
	}
	r.order = nil
	r.textures = map[string]*Texture{}
	r.meshes = map[string]*Mesh{}
}
