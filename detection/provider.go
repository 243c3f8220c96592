package detection

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

// Global debug function for detection package
var debugMsgFunc func(string, string, ...string)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string, ...string)) {
	debugMsgFunc = fn
}

// debugMsg is a wrapper that handles nil checks
func debugMsg(component, message string, runID ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, runID...)
	}
}

// ProviderInfo contains information about the inference provider
type ProviderInfo struct {
	Type         string        // "GPU" or "CPU"
	Backend      string        // "OpenCV CUDA", "OpenCV CPU"
	Device       string        // Device identifier
	EstimatedFPS int           // Estimated inference FPS
	InitTime     time.Duration // Time taken to load and warm up
}

// ModelFiles names the network to load
type ModelFiles struct {
	Path    string
	Config  string
	ImgSize int
	// Backend forces "cpu" or "cuda"; empty auto-detects
	Backend string
}

// ProviderManager is the detector handed to the tracking loop. Construction
// is cheap; Warmup loads the network, picks GPU when it actually works and
// falls back to CPU otherwise.
type ProviderManager struct {
	files           ModelFiles
	currentProvider *YOLOProvider
	providerInfo    ProviderInfo
	gpuCheck        func() bool
}

// NewProviderManager records the model to load without touching it
func NewProviderManager(files ModelFiles) *ProviderManager {
	return &ProviderManager{files: files, gpuCheck: hasGPUCapability}
}

// Warmup loads the network and runs a test inference. Must be called
// before Detect.
func (pm *ProviderManager) Warmup() error {
	debugMsg("PROVIDER", "Selecting inference provider...")
	startTime := time.Now()

	want := Backend(strings.ToLower(pm.files.Backend))
	if want == "" || want == BackendCUDA {
		if want == BackendCUDA || pm.gpuCheck() {
			gpu, err := NewYOLOProvider(pm.files.Path, pm.files.Config, pm.files.ImgSize, BackendCUDA)
			if err == nil {
				if testProvider(gpu, pm.files.ImgSize) {
					pm.use(gpu, startTime)
					return nil
				}
				debugMsg("PROVIDER", "GPU test inference failed, falling back to CPU")
				gpu.Close()
			} else {
				debugMsg("PROVIDER", fmt.Sprintf("GPU initialization failed: %v, falling back to CPU", err))
			}
		} else {
			debugMsg("PROVIDER", "No GPU capability detected")
		}
	}

	cpu, err := NewYOLOProvider(pm.files.Path, pm.files.Config, pm.files.ImgSize, BackendCPU)
	if err != nil {
		return fmt.Errorf("load detector: %w", err)
	}
	if !testProvider(cpu, pm.files.ImgSize) {
		cpu.Close()
		return fmt.Errorf("CPU test inference failed for %s", pm.files.Path)
	}
	pm.use(cpu, startTime)
	return nil
}

func (pm *ProviderManager) use(p *YOLOProvider, startTime time.Time) {
	pm.currentProvider = p
	pm.providerInfo = p.GetProviderInfo()
	pm.providerInfo.InitTime = time.Since(startTime)
	debugMsg("PROVIDER", fmt.Sprintf("%s provider ready (%s, %v)",
		pm.providerInfo.Type, pm.providerInfo.Backend, pm.providerInfo.InitTime.Round(time.Millisecond)))
}

// Detect delegates to the selected provider
func (pm *ProviderManager) Detect(frame gocv.Mat, confidence float64) ([]Detection, error) {
	if pm.currentProvider == nil {
		return nil, fmt.Errorf("detector not warmed up")
	}
	return pm.currentProvider.Detect(frame, confidence)
}

// GetProviderInfo returns information about the current provider
func (pm *ProviderManager) GetProviderInfo() ProviderInfo {
	return pm.providerInfo
}

// Close closes the current provider
func (pm *ProviderManager) Close() error {
	if pm.currentProvider != nil {
		err := pm.currentProvider.Close()
		pm.currentProvider = nil
		return err
	}
	return nil
}

// hasGPUCapability checks if GPU inference is possible
func hasGPUCapability() bool {
	if !hasNVIDIAGPU() {
		debugMsg("GPU_DETECT", "No NVIDIA GPU detected")
		return false
	}
	if !hasNVIDIADriver() {
		debugMsg("GPU_DETECT", "NVIDIA GPU found but drivers not loaded")
		return false
	}
	debugMsg("GPU_DETECT", "NVIDIA GPU and driver present, will test CUDA during warmup")
	return true
}

// hasNVIDIAGPU checks if NVIDIA GPU is present
func hasNVIDIAGPU() bool {
	output, err := exec.Command("lspci").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(output)), "nvidia")
}

// hasNVIDIADriver checks if NVIDIA drivers are loaded
func hasNVIDIADriver() bool {
	if err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Run(); err != nil {
		return false
	}
	matches, _ := filepath.Glob("/dev/nvidia*")
	return len(matches) > 0
}

// testProvider performs a quick test inference to verify the provider works
func testProvider(provider *YOLOProvider, size int) bool {
	if size <= 0 {
		size = 640
	}
	testFrame := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC3)
	defer testFrame.Close()

	_, err := provider.Detect(testFrame, 0.5)
	return err == nil
}
