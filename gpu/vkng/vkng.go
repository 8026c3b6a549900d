// Package vkng implements the gpu interfaces on top of vkngwrapper.
//
// Open walks the usual bring-up: instance with the window system's
// extensions (plus portability enumeration and the validation layer when
// asked for), debug messenger, window surface, physical device selection
// and a logical device with one queue per distinct graphics, compute and
// present family.
package vkng

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/ext_debug_utils"
	"github.com/vkngwrapper/extensions/khr_portability_subset"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/logging"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

// The extensions module predates VK_KHR_portability_enumeration.
const portabilityEnumeration = "VK_KHR_portability_enumeration"

const instanceCreateEnumeratePortability core1_0.InstanceCreateFlags = 0x00000001

var deviceExtensions = []string{khr_swapchain.ExtensionName}

// SurfaceFactory creates the window surface once the instance exists.
type SurfaceFactory func(instance core1_0.Instance) (khr_surface.Surface, error)

type Options struct {
	ApplicationName string
	Loader          core.Loader
	// InstanceExtensions are the extensions the window system needs.
	InstanceExtensions     []string
	Validation             bool
	PreferDedicatedCompute bool
	CreateSurface          SurfaceFactory
	Logger                 *slog.Logger
}

// Device is a vkngwrapper logical device. It also owns the instance, the
// debug messenger and the surface it was opened against, and destroys them
// with itself.
type Device struct {
	logger *slog.Logger

	instance  core1_0.Instance
	messenger ext_debug_utils.Messenger
	surface   khr_surface.Surface

	physical   core1_0.PhysicalDevice
	device     core1_0.Device
	swapchains khr_swapchain.Extension

	limits      gpu.Limits
	memoryTypes []core1_0.MemoryType
	families    gpu.QueueFamilyIndices
	queues      map[int]*Queue
}

var _ gpu.Device = (*Device)(nil)

// Open brings a device up against the surface built by o.CreateSurface. On
// error everything created so far is destroyed again.
func Open(o Options) (*Device, *Surface, error) {
	if o.Loader == nil || o.CreateSurface == nil {
		return nil, nil, errors.New("vkng: a loader and a surface factory are required")
	}
	d := &Device{logger: logging.Or(o.Logger), queues: map[int]*Queue{}}

	err := d.createInstance(o)
	if err == nil && o.Validation {
		err = d.setupDebugMessenger()
	}
	if err == nil {
		d.surface, err = o.CreateSurface(d.instance)
		if err != nil {
			err = errors.Wrap(err, "creating window surface")
		}
	}
	if err == nil {
		err = d.pickPhysicalDevice(o.PreferDedicatedCompute)
	}
	if err == nil {
		err = d.createLogicalDevice()
	}
	if err != nil {
		d.Destroy()
		return nil, nil, err
	}

	return d, &Surface{dev: d}, nil
}

func (d *Device) createInstance(o Options) error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    o.ApplicationName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "vulkan-engine",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	extensions, _, err := o.Loader.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "listing instance extensions")
	}
	for _, ext := range o.InstanceExtensions {
		if _, ok := extensions[ext]; !ok {
			return gpu.CapabilityErrorf("instance extension %s is not available", ext)
		}
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext)
	}

	if _, ok := extensions[portabilityEnumeration]; ok {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, portabilityEnumeration)
		instanceOptions.Flags |= instanceCreateEnumeratePortability
	}

	if o.Validation {
		layers, _, err := o.Loader.AvailableLayers()
		if err != nil {
			return errors.Wrap(err, "listing instance layers")
		}
		if _, ok := layers[validationLayer]; !ok {
			return gpu.CapabilityErrorf("layer %s not available, install the LunarG Vulkan SDK", validationLayer)
		}
		if _, ok := extensions[ext_debug_utils.ExtensionName]; !ok {
			return gpu.CapabilityErrorf("instance extension %s is not available", ext_debug_utils.ExtensionName)
		}
		instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, validationLayer)
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext_debug_utils.ExtensionName)
		// Covers messages emitted while the instance itself is created.
		instanceOptions.Next = d.debugMessengerOptions()
	}

	var res common.VkResult
	d.instance, res, err = o.Loader.CreateInstance(nil, instanceOptions)
	if err != nil {
		return classify(res, err, "creating instance")
	}
	return nil
}

func (d *Device) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    d.logDebug,
	}
}

func (d *Device) setupDebugMessenger() error {
	var err error
	debugLoader := ext_debug_utils.CreateExtensionFromInstance(d.instance)
	d.messenger, _, err = debugLoader.CreateDebugUtilsMessenger(d.instance, nil, d.debugMessengerOptions())
	if err != nil {
		return errors.Wrap(err, "creating debug messenger")
	}
	return nil
}

func (d *Device) logDebug(msgType ext_debug_utils.MessageTypes, severity ext_debug_utils.MessageSeverities, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	level := slog.LevelWarn
	if severity&ext_debug_utils.SeverityError != 0 {
		level = slog.LevelError
	}
	d.logger.Log(context.Background(), level, data.Message,
		slog.String("Type", msgType.String()),
		slog.String("Severity", severity.String()))
	return false
}

// queueFamilies reports what device selection needs about each family of pd.
func (d *Device) queueFamilies(pd core1_0.PhysicalDevice) ([]gpu.QueueFamily, error) {
	var families []gpu.QueueFamily
	for i, props := range pd.QueueFamilyProperties() {
		supported, _, err := d.surface.PhysicalDeviceSurfaceSupport(pd, i)
		if err != nil {
			return nil, errors.Wrapf(err, "querying present support of family %d", i)
		}
		families = append(families, gpu.QueueFamily{Flags: props.QueueFlags, PresentSupport: supported})
	}
	return families, nil
}

// suitable reports why pd cannot be used, or nil.
func (d *Device) suitable(pd core1_0.PhysicalDevice, preferDedicatedCompute bool) (gpu.QueueFamilyIndices, error) {
	families, err := d.queueFamilies(pd)
	if err != nil {
		return gpu.QueueFamilyIndices{}, err
	}
	indices, err := gpu.SelectQueueFamilies(families, preferDedicatedCompute)
	if err != nil {
		return indices, err
	}

	extensions, _, err := pd.EnumerateDeviceExtensionProperties()
	if err != nil {
		return indices, errors.Wrap(err, "listing device extensions")
	}
	for _, ext := range deviceExtensions {
		if _, ok := extensions[ext]; !ok {
			return indices, gpu.CapabilityErrorf("device extension %s is not available", ext)
		}
	}

	if !pd.Features().SamplerAnisotropy {
		return indices, gpu.CapabilityErrorf("sampler anisotropy is not supported")
	}

	support, err := querySupport(d.surface, pd)
	if err != nil {
		return indices, err
	}
	if len(support.Formats) == 0 || len(support.PresentModes) == 0 {
		return indices, gpu.CapabilityErrorf("surface has no formats or present modes")
	}
	return indices, nil
}

func (d *Device) pickPhysicalDevice(preferDedicatedCompute bool) error {
	physicalDevices, _, err := d.instance.EnumeratePhysicalDevices()
	if err != nil {
		return errors.Wrap(err, "enumerating physical devices")
	}

	var reasons []error
	for _, pd := range physicalDevices {
		indices, err := d.suitable(pd, preferDedicatedCompute)
		if err != nil {
			reasons = append(reasons, err)
			continue
		}
		d.physical = pd
		d.families = indices
		break
	}
	if d.physical == nil {
		err := gpu.CapabilityErrorf("no suitable GPU among %d devices", len(physicalDevices))
		for _, reason := range reasons {
			err = errors.WithSecondaryError(err, reason)
		}
		return err
	}

	properties, err := d.physical.Properties()
	if err != nil {
		return errors.Wrap(err, "reading device properties")
	}
	d.limits = gpu.Limits{
		MinUniformBufferOffsetAlignment: properties.Limits.MinUniformBufferOffsetAlignment,
		MaxSamplerAnisotropy:            properties.Limits.MaxSamplerAnisotropy,
		MaxComputeWorkgroupSize:         workgroupLimit(properties.Limits),
	}
	d.memoryTypes = d.physical.MemoryProperties().MemoryTypes

	d.logger.Info("selected physical device",
		slog.String("Name", properties.DriverName),
		slog.Int("GraphicsFamily", d.families.Graphics),
		slog.Int("ComputeFamily", d.families.Compute),
		slog.Int("PresentFamily", d.families.Present),
		slog.Int("MaxComputeWorkgroupSize", d.limits.MaxComputeWorkgroupSize))
	return nil
}

func workgroupLimit(limits *core1_0.PhysicalDeviceLimits) int {
	if limits.MaxComputeWorkGroupSize[0] < limits.MaxComputeWorkGroupInvocations {
		return limits.MaxComputeWorkGroupSize[0]
	}
	return limits.MaxComputeWorkGroupInvocations
}

func (d *Device) createLogicalDevice() error {
	var queueFamilyOptions []core1_0.DeviceQueueCreateInfo
	queuePriority := float32(1.0)
	for _, family := range d.families.Unique() {
		queueFamilyOptions = append(queueFamilyOptions, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: family,
			QueuePriorities:  []float32{queuePriority},
		})
	}

	var extensionNames []string
	extensionNames = append(extensionNames, deviceExtensions...)

	// Required on portability implementations such as MoltenVK.
	extensions, _, err := d.physical.EnumerateDeviceExtensionProperties()
	if err != nil {
		return errors.Wrap(err, "listing device extensions")
	}
	if _, ok := extensions[khr_portability_subset.ExtensionName]; ok {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	var res common.VkResult
	d.device, res, err = d.physical.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos: queueFamilyOptions,
		EnabledFeatures: &core1_0.PhysicalDeviceFeatures{
			SamplerAnisotropy: true,
		},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return classify(res, err, "creating logical device")
	}

	for _, family := range d.families.Unique() {
		d.queues[family] = &Queue{dev: d, family: family, queue: d.device.GetQueue(family, 0)}
	}
	d.swapchains = khr_swapchain.CreateExtensionFromDevice(d.device)
	return nil
}

func (d *Device) Limits() gpu.Limits                   { return d.limits }
func (d *Device) MemoryTypes() []core1_0.MemoryType    { return d.memoryTypes }
func (d *Device) QueueFamilies() gpu.QueueFamilyIndices { return d.families }

// Queue returns the first queue of family, or nil if no queue was created
// for it.
func (d *Device) Queue(family int) gpu.Queue {
	q, ok := d.queues[family]
	if !ok {
		return nil
	}
	return q
}

func (d *Device) WaitIdle() error {
	if d.device == nil {
		return nil
	}
	_, err := d.device.WaitIdle()
	if err != nil {
		return gpu.SynchronizationError(err, "waiting for device idle")
	}
	return nil
}

// Destroy releases the device, the debug messenger, the surface and the
// instance. Everything created from the device must be gone already.
func (d *Device) Destroy() {
	if d.device != nil {
		d.device.Destroy(nil)
		d.device = nil
	}
	if d.messenger != nil {
		d.messenger.Destroy(nil)
		d.messenger = nil
	}
	if d.surface != nil {
		d.surface.Destroy(nil)
		d.surface = nil
	}
	if d.instance != nil {
		d.instance.Destroy(nil)
		d.instance = nil
	}
}

// classify marks err with the gpu error class its result code belongs to.
func classify(res common.VkResult, err error, format string, args ...interface{}) error {
	switch res {
	case core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorOutOfDeviceMemory,
		core1_0.VKErrorFragmentedPool, core1_0.VKErrorTooManyObjects:
		return gpu.AllocationError(err, format, args...)
	case core1_0.VKErrorDeviceLost:
		return gpu.SynchronizationError(err, format, args...)
	case core1_0.VKErrorInitializationFailed, core1_0.VKErrorLayerNotPresent, core1_0.VKErrorExtensionNotPresent,
		core1_0.VKErrorFeatureNotPresent, core1_0.VKErrorIncompatibleDriver, core1_0.VKErrorFormatNotSupported:
		return errors.Mark(errors.Wrapf(err, format, args...), gpu.ErrCapability)
	}
	return errors.Wrapf(err, format, args...)
}
