package vkng

import (
	"bytes"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/ext_debug_utils"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/vulkan-engine/gpu"
	"github.com/vkngwrapper/vulkan-engine/logging"
)

func TestBytesToBytecode(t *testing.T) {
	code := bytesToBytecode([]byte{0x03, 0x02, 0x23, 0x07, 0x00, 0x00, 0x01, 0x00})
	assert.Equal(t, []uint32{0x07230203, 0x00010000}, code)
}

func TestTimeoutOf(t *testing.T) {
	assert.Equal(t, common.NoTimeout, timeoutOf(gpu.NoTimeout))
	assert.Equal(t, 250*time.Millisecond, timeoutOf(250*time.Millisecond))
}

func TestSharing(t *testing.T) {
	mode, families := sharing([]int{0})
	assert.Equal(t, core1_0.SharingModeExclusive, mode)
	assert.Nil(t, families)

	mode, families = sharing([]int{0, 2})
	assert.Equal(t, core1_0.SharingModeConcurrent, mode)
	assert.Equal(t, []int{0, 2}, families)
}

func TestClassify(t *testing.T) {
	cause := errors.New("driver said no")
	assert.True(t, errors.Is(classify(core1_0.VKErrorOutOfDeviceMemory, cause, "allocating"), gpu.ErrAllocation))
	assert.True(t, errors.Is(classify(core1_0.VKErrorDeviceLost, cause, "submitting"), gpu.ErrSynchronization))
	assert.True(t, errors.Is(classify(core1_0.VKErrorFeatureNotPresent, cause, "creating device"), gpu.ErrCapability))

	err := classify(core1_0.VKErrorMemoryMapFailed, cause, "creating %s", "buffer")
	assert.Empty(t, gpu.Class(err))
	assert.Contains(t, err.Error(), "creating buffer")
}

func TestOpenRequiresLoaderAndSurface(t *testing.T) {
	_, _, err := Open(Options{})
	assert.Error(t, err)
}

func TestLogDebug(t *testing.T) {
	var buf bytes.Buffer
	d := &Device{logger: logging.New(slog.LevelDebug, &buf)}

	assert.False(t, d.logDebug(ext_debug_utils.TypeValidation, ext_debug_utils.SeverityError,
		&ext_debug_utils.DebugUtilsMessengerCallbackData{Message: "missing barrier"}))
	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, `msg="missing barrier"`)
	assert.Contains(t, out, "Type=Validation")
	assert.Contains(t, out, "Severity=Error")

	buf.Reset()
	d.logDebug(ext_debug_utils.TypePerformance, ext_debug_utils.SeverityWarning,
		&ext_debug_utils.DebugUtilsMessengerCallbackData{Message: "slow"})
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestWorkgroupLimit(t *testing.T) {
	assert.Equal(t, 256, workgroupLimit(&core1_0.PhysicalDeviceLimits{
		MaxComputeWorkGroupSize:        [3]int{1024, 1024, 64},
		MaxComputeWorkGroupInvocations: 256,
	}))
	assert.Equal(t, 128, workgroupLimit(&core1_0.PhysicalDeviceLimits{
		MaxComputeWorkGroupSize:        [3]int{128, 128, 64},
		MaxComputeWorkGroupInvocations: 1024,
	}))
}

func TestSpecialization(t *testing.T) {
	assert.Nil(t, specialization(0))
	assert.Equal(t, map[uint32]any{gpu.WorkgroupSizeConstant: uint32(512)}, specialization(512))
}
