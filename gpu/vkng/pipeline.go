package vkng

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/vulkan-engine/gpu"
)

type RenderPass struct{ pass core1_0.RenderPass }

func (p *RenderPass) Destroy() { p.pass.Destroy(nil) }

// CreateRenderPass creates a single subpass pass that clears one color
// attachment and leaves it ready for presentation.
func (d *Device) CreateRenderPass(colorFormat core1_0.Format) (gpu.RenderPass, error) {
	renderPass, res, err := d.device.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         colorFormat,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
			},
		},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				DstAccessMask: core1_0.AccessColorAttachmentWrite,
			},
		},
	})
	if err != nil {
		return nil, classify(res, err, "creating render pass")
	}
	return &RenderPass{pass: renderPass}, nil
}

type Framebuffer struct{ framebuffer core1_0.Framebuffer }

func (f *Framebuffer) Destroy() { f.framebuffer.Destroy(nil) }

func (d *Device) CreateFramebuffer(pass gpu.RenderPass, view gpu.ImageView, extent core1_0.Extent2D) (gpu.Framebuffer, error) {
	p, ok := pass.(*RenderPass)
	if !ok {
		return nil, errors.Newf("vkng: foreign render pass %T", pass)
	}
	v, ok := view.(*ImageView)
	if !ok {
		return nil, errors.Newf("vkng: foreign image view %T", view)
	}
	framebuffer, res, err := d.device.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass: p.pass,
		Layers:     1,
		Attachments: []core1_0.ImageView{
			v.view,
		},
		Width:  extent.Width,
		Height: extent.Height,
	})
	if err != nil {
		return nil, classify(res, err, "creating framebuffer")
	}
	return &Framebuffer{framebuffer: framebuffer}, nil
}

type PipelineLayout struct{ layout core1_0.PipelineLayout }

func (l *PipelineLayout) Destroy() { l.layout.Destroy(nil) }

func (d *Device) CreatePipelineLayout(layouts []gpu.DescriptorSetLayout) (gpu.PipelineLayout, error) {
	setLayouts, err := layoutsOf(layouts)
	if err != nil {
		return nil, err
	}
	layout, res, err := d.device.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: setLayouts,
	})
	if err != nil {
		return nil, classify(res, err, "creating pipeline layout")
	}
	return &PipelineLayout{layout: layout}, nil
}

type Pipeline struct{ pipeline core1_0.Pipeline }

func (p *Pipeline) Destroy() { p.pipeline.Destroy(nil) }

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] = 0
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}

	return byteCode
}

// shaderModule is destroyed by the caller once the pipeline using it exists.
func (d *Device) shaderModule(code []byte, stage string) (core1_0.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.Newf("%s shader is %d bytes, not a SPIR-V word stream", stage, len(code))
	}
	module, res, err := d.device.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: bytesToBytecode(code),
	})
	if err != nil {
		return nil, classify(res, err, "creating %s shader module", stage)
	}
	return module, nil
}

func pipelineLayoutOf(layout gpu.PipelineLayout) (core1_0.PipelineLayout, error) {
	l, ok := layout.(*PipelineLayout)
	if !ok {
		return nil, errors.Newf("vkng: foreign pipeline layout %T", layout)
	}
	return l.layout, nil
}

func specialization(workgroupSize int) map[uint32]any {
	if workgroupSize <= 0 {
		return nil
	}
	return map[uint32]any{gpu.WorkgroupSizeConstant: uint32(workgroupSize)}
}

func (d *Device) CreateComputePipeline(o gpu.ComputePipelineOptions) (gpu.Pipeline, error) {
	layout, err := pipelineLayoutOf(o.Layout)
	if err != nil {
		return nil, err
	}
	compShader, err := d.shaderModule(o.Code, "compute")
	if err != nil {
		return nil, err
	}
	defer compShader.Destroy(nil)

	entry := o.Entry
	if entry == "" {
		entry = "main"
	}
	pipelines, res, err := d.device.CreateComputePipelines(nil, nil, []core1_0.ComputePipelineCreateInfo{
		{
			Stage: core1_0.PipelineShaderStageCreateInfo{
				Stage:              core1_0.StageCompute,
				Module:             compShader,
				Name:               entry,
				SpecializationInfo: specialization(o.WorkgroupSize),
			},
			Layout:            layout,
			BasePipelineIndex: -1,
		},
	})
	if err != nil {
		return nil, classify(res, err, "creating compute pipeline")
	}
	return &Pipeline{pipeline: pipelines[0]}, nil
}

func (d *Device) CreateGraphicsPipeline(o gpu.GraphicsPipelineOptions) (gpu.Pipeline, error) {
	layout, err := pipelineLayoutOf(o.Layout)
	if err != nil {
		return nil, err
	}
	pass, ok := o.RenderPass.(*RenderPass)
	if !ok {
		return nil, errors.Newf("vkng: foreign render pass %T", o.RenderPass)
	}

	vertShader, err := d.shaderModule(o.VertexCode, "vertex")
	if err != nil {
		return nil, err
	}
	defer vertShader.Destroy(nil)

	fragShader, err := d.shaderModule(o.FragmentCode, "fragment")
	if err != nil {
		return nil, err
	}
	defer fragShader.Destroy(nil)

	var attributes []core1_0.VertexInputAttributeDescription
	for _, a := range o.Attributes {
		attributes = append(attributes, core1_0.VertexInputAttributeDescription{
			Binding:  0,
			Location: a.Location,
			Format:   a.Format,
			Offset:   a.Offset,
		})
	}
	vertexInput := &core1_0.PipelineVertexInputStateCreateInfo{
		VertexBindingDescriptions: []core1_0.VertexInputBindingDescription{
			{
				Binding:   0,
				Stride:    o.VertexStride,
				InputRate: core1_0.RateVertex,
			},
		},
		VertexAttributeDescriptions: attributes,
	}

	inputAssembly := &core1_0.PipelineInputAssemblyStateCreateInfo{
		Topology:               o.Topology,
		PrimitiveRestartEnable: false,
	}

	vertStage := core1_0.PipelineShaderStageCreateInfo{
		Stage:  core1_0.StageVertex,
		Module: vertShader,
		Name:   "main",
	}

	fragStage := core1_0.PipelineShaderStageCreateInfo{
		Stage:  core1_0.StageFragment,
		Module: fragShader,
		Name:   "main",
	}

	viewport := &core1_0.PipelineViewportStateCreateInfo{
		Viewports: []core1_0.Viewport{
			{
				X:        0,
				Y:        0,
				Width:    float32(o.Extent.Width),
				Height:   float32(o.Extent.Height),
				MinDepth: 0,
				MaxDepth: 1,
			},
		},
		Scissors: []core1_0.Rect2D{
			{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: o.Extent,
			},
		},
	}

	rasterization := &core1_0.PipelineRasterizationStateCreateInfo{
		DepthClampEnable:        false,
		RasterizerDiscardEnable: false,

		PolygonMode: core1_0.PolygonModeFill,
		CullMode:    core1_0.CullModeBack,
		FrontFace:   core1_0.FrontFaceCounterClockwise,

		DepthBiasEnable: false,

		LineWidth: 1.0,
	}

	multisample := &core1_0.PipelineMultisampleStateCreateInfo{
		SampleShadingEnable:  false,
		RasterizationSamples: core1_0.Samples1,
		MinSampleShading:     1.0,
	}

	blend := core1_0.PipelineColorBlendAttachmentState{
		BlendEnabled:   false,
		ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
	}
	if o.AlphaBlend {
		blend.BlendEnabled = true
		blend.SrcColorBlendFactor = core1_0.BlendFactorSrcAlpha
		blend.DstColorBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
		blend.ColorBlendOp = core1_0.BlendOpAdd
		blend.SrcAlphaBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
		blend.DstAlphaBlendFactor = core1_0.BlendFactorZero
		blend.AlphaBlendOp = core1_0.BlendOpAdd
	}

	colorBlend := &core1_0.PipelineColorBlendStateCreateInfo{
		LogicOpEnabled: false,
		LogicOp:        core1_0.LogicOpCopy,

		BlendConstants: [4]float32{0, 0, 0, 0},
		Attachments:    []core1_0.PipelineColorBlendAttachmentState{blend},
	}

	pipelines, res, err := d.device.CreateGraphicsPipelines(nil, nil, []core1_0.GraphicsPipelineCreateInfo{
		{
			Stages: []core1_0.PipelineShaderStageCreateInfo{
				vertStage,
				fragStage,
			},
			VertexInputState:   vertexInput,
			InputAssemblyState: inputAssembly,
			ViewportState:      viewport,
			RasterizationState: rasterization,
			MultisampleState:   multisample,
			ColorBlendState:    colorBlend,
			Layout:             layout,
			RenderPass:         pass.pass,
			Subpass:            0,
			BasePipelineIndex:  -1,
		},
	})
	if err != nil {
		return nil, classify(res, err, "creating graphics pipeline")
	}
	return &Pipeline{pipeline: pipelines[0]}, nil
}
