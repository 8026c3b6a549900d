// Command 31_compute_shader simulates particles on the compute queue and
// draws them as points every frame. The SPIR-V it loads is built from
// shaders/ with glslc from the Vulkan SDK: run go generate first.
//
//go:generate glslc shaders/shader.vert -o shaders/vert.spv
//go:generate glslc shaders/shader.frag -o shaders/frag.spv
//go:generate glslc shaders/shader.comp -o shaders/comp.spv
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/config"
	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/gpu/vkng"
	"github.com/vkngwrapper/vulkan-engine/logging"
	"github.com/vkngwrapper/vulkan-engine/renderer"
)

type ComputeShaderApplication struct {
	cfg    config.Config
	logger *slog.Logger

	window   *sdl.Window
	loader   core.Loader
	renderer *renderer.Renderer
}

func (app *ComputeShaderApplication) Run() error {
	err := app.initWindow()
	if err != nil {
		return err
	}
	defer app.cleanup()

	err = app.initVulkan()
	if err != nil {
		return err
	}

	return app.mainLoop()
}

func (app *ComputeShaderApplication) initWindow() error {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return errors.Wrap(err, "initializing sdl")
	}

	window, err := sdl.CreateWindow(app.cfg.Window.Title, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(app.cfg.Window.Width), int32(app.cfg.Window.Height), sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return errors.Wrap(err, "creating window")
	}
	app.window = window

	app.loader, err = core.CreateLoaderFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return errors.Wrap(err, "creating vulkan loader")
	}

	return nil
}

func (app *ComputeShaderApplication) initVulkan() error {
	shaders, err := renderer.LoadShaders(app.cfg.Shaders)
	if err != nil {
		return err
	}

	device, surface, err := vkng.Open(vkng.Options{
		ApplicationName:        app.cfg.Window.Title,
		Loader:                 app.loader,
		InstanceExtensions:     app.window.VulkanGetInstanceExtensions(),
		Validation:             app.cfg.Device.Validation,
		PreferDedicatedCompute: app.cfg.Device.PreferDedicatedCompute,
		CreateSurface: func(instance core1_0.Instance) (khr_surface.Surface, error) {
			surface, _, err := vkng_sdl2.CreateExtensionFromInstance(instance).CreateSurface(instance, app.window)
			return surface, err
		},
		Logger: app.logger,
	})
	if err != nil {
		return err
	}

	app.renderer = renderer.New(app.cfg, app.logger)
	return app.renderer.Init(device, surface, app.drawableExtent(), shaders)
}

func (app *ComputeShaderApplication) drawableExtent() core1_0.Extent2D {
	w, h := app.window.VulkanGetDrawableSize()
	return core1_0.Extent2D{Width: int(w), Height: int(h)}
}

func (app *ComputeShaderApplication) mainLoop() error {
	rendering := true

appLoop:
	for true {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch e := event.(type) {
			case *sdl.QuitEvent:
				break appLoop
			case *sdl.WindowEvent:
				switch e.Event {
				case sdl.WINDOWEVENT_MINIMIZED:
					rendering = false
				case sdl.WINDOWEVENT_RESTORED:
					rendering = true
				case sdl.WINDOWEVENT_RESIZED:
					extent := app.drawableExtent()
					rendering = extent.Width > 0 && extent.Height > 0
					if err := app.renderer.Resize(extent); err != nil {
						return err
					}
				}
			}
		}
		if rendering {
			err := app.renderer.DrawFrame(app.drawableExtent())
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (app *ComputeShaderApplication) cleanup() {
	if app.renderer != nil {
		app.renderer.Shutdown()
	}

	if app.window != nil {
		app.window.Destroy()
	}
	sdl.Quit()
}

func main() {
	configPath := flag.String("config", "", "TOML file overriding the default settings")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
			os.Exit(2)
		}
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(2)
	}

	app := &ComputeShaderApplication{cfg: cfg, logger: logging.New(level, os.Stderr)}
	err = app.Run()
	if err != nil {
		app.logger.Error("renderer failed",
			slog.String("Class", gpu.Class(err)),
			slog.String("Error", fmt.Sprintf("%+v", err)))
		os.Exit(1)
	}
}
