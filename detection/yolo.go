package detection

import (
	"fmt"
	"image"
	"sort"
	"sync"

	"gocv.io/x/gocv"
)

const (
	personClassID = 0
	nmsThreshold  = 0.45
)

// Backend selects where the network runs
type Backend string

const (
	BackendCPU  Backend = "cpu"
	BackendCUDA Backend = "cuda"
)

// YOLOProvider runs a YOLO network through the OpenCV DNN module and keeps
// only the person class.
type YOLOProvider struct {
	net     gocv.Net
	backend Backend
	imgSize int
	mu      sync.Mutex
}

// NewYOLOProvider loads the network. configPath may be empty for ONNX models.
func NewYOLOProvider(modelPath, configPath string, imgSize int, backend Backend) (*YOLOProvider, error) {
	if imgSize <= 0 {
		imgSize = 640
	}
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO network from %s", modelPath)
	}

	switch backend {
	case BackendCUDA:
		if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
			net.Close()
			return nil, fmt.Errorf("set CUDA backend: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
			net.Close()
			return nil, fmt.Errorf("set CUDA target: %w", err)
		}
	default:
		backend = BackendCPU
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	return &YOLOProvider{net: net, backend: backend, imgSize: imgSize}, nil
}

// Detect runs one forward pass and returns person boxes in frame pixels
func (yp *YOLOProvider) Detect(frame gocv.Mat, confidence float64) ([]Detection, error) {
	if frame.Empty() {
		return nil, nil
	}

	yp.mu.Lock()
	defer yp.mu.Unlock()

	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(yp.imgSize, yp.imgSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	yp.net.SetInput(blob, "")
	output := yp.net.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read network output: %w", err)
	}

	candidates := decodeOutput(data, output.Size(), confidence,
		float64(frame.Cols()), float64(frame.Rows()), float64(yp.imgSize))
	return suppress(candidates, nmsThreshold), nil
}

func (yp *YOLOProvider) Close() error {
	yp.mu.Lock()
	defer yp.mu.Unlock()
	return yp.net.Close()
}

func (yp *YOLOProvider) GetProviderInfo() ProviderInfo {
	if yp.backend == BackendCUDA {
		return ProviderInfo{Type: "GPU", Backend: "OpenCV CUDA", Device: "NVIDIA GPU", EstimatedFPS: 120}
	}
	return ProviderInfo{Type: "CPU", Backend: "OpenCV CPU", Device: "CPU", EstimatedFPS: 15}
}

// decodeOutput understands the tensor layouts OpenCV returns for YOLO:
//
//	[1, 4+classes, N]           anchor-free heads, pixel coordinates, no objectness
//	[N, 5+classes] / [1, N, 5+classes]  anchor heads with objectness; darknet
//	                            2D output is normalized, ONNX 3D is in pixels
//
// Boxes are scaled from network input size back to frame pixels.
func decodeOutput(data []float32, dims []int, confidence, frameW, frameH, inputSize float64) []Detection {
	var out []Detection

	switch {
	case len(dims) == 3 && dims[1] < dims[2]:
		attrs, n := dims[1], dims[2]
		if attrs <= 4+personClassID || len(data) < attrs*n {
			return nil
		}
		at := func(a, i int) float64 { return float64(data[a*n+i]) }
		for i := 0; i < n; i++ {
			if !isBestClass(func(c int) float64 { return at(4+c, i) }, attrs-4, personClassID) {
				continue
			}
			score := at(4+personClassID, i)
			if score < confidence {
				continue
			}
			out = append(out, Detection{
				Box:        centerBox(at(0, i), at(1, i), at(2, i), at(3, i), frameW/inputSize, frameH/inputSize),
				Confidence: score,
			})
		}

	case len(dims) == 2 || len(dims) == 3:
		n, attrs := dims[0], dims[1]
		if len(dims) == 3 {
			n, attrs = dims[1], dims[2]
		}
		if attrs <= 5+personClassID || len(data) < attrs*n {
			return nil
		}
		// darknet rows are normalized and already conditioned on objectness
		darknet := len(dims) == 2
		sx, sy := frameW/inputSize, frameH/inputSize
		if darknet {
			sx, sy = frameW, frameH
		}
		for i := 0; i < n; i++ {
			row := data[i*attrs : (i+1)*attrs]
			if !isBestClass(func(c int) float64 { return float64(row[5+c]) }, attrs-5, personClassID) {
				continue
			}
			score := float64(row[5+personClassID])
			if !darknet {
				score *= float64(row[4])
			}
			if score < confidence {
				continue
			}
			out = append(out, Detection{
				Box:        centerBox(float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3]), sx, sy),
				Confidence: score,
			})
		}
	}
	return out
}

// isBestClass reports whether class want has the highest score
func isBestClass(score func(int) float64, classes, want int) bool {
	if want >= classes {
		return false
	}
	best := score(want)
	for c := 0; c < classes; c++ {
		if c != want && score(c) > best {
			return false
		}
	}
	return true
}

func centerBox(cx, cy, w, h, scaleX, scaleY float64) BBox {
	return BBox{
		X1: (cx - w/2) * scaleX,
		Y1: (cy - h/2) * scaleY,
		X2: (cx + w/2) * scaleX,
		Y2: (cy + h/2) * scaleY,
	}
}

// suppress is greedy non-maximum suppression. Survivors keep descending
// confidence order.
func suppress(dets []Detection, iouThreshold float64) []Detection {
	if len(dets) < 2 {
		return dets
	}
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	kept := make([]Detection, 0, len(sorted))
	for _, d := range sorted {
		overlap := false
		for _, k := range kept {
			if d.Box.IoU(k.Box) > iouThreshold {
				overlap = true
				break
			}
		}
		if !overlap {
			kept = append(kept, d)
		}
	}
	return kept
}
