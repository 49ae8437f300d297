package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/xxxsen/common/logutil"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/xxxsen/rvcd/internal/audio"
	"github.com/xxxsen/rvcd/internal/device"
	"github.com/xxxsen/rvcd/internal/params"
)

const paramVectorLen = 6

type onnxConfig struct {
	SharedLibraryPath string `json:"shared_library_path"`
	NativeSampleRate  int    `json:"native_sample_rate"`
	InputName         string `json:"input_name"`
	ParamsName        string `json:"params_name"`
	OutputName        string `json:"output_name"`
	IntraOpThreads    int    `json:"intra_op_threads"`
}

type onnxLoader struct {
	cfg onnxConfig
}

var ortInit struct {
	once sync.Once
	err  error
}

func init() {
	Register("onnx", createONNXLoader)
}

func createONNXLoader(args interface{}) (Loader, error) {
	cfg := onnxConfig{}
	if err := decodeConfig(args, &cfg); err != nil {
		return nil, err
	}
	if cfg.NativeSampleRate == 0 {
		cfg.NativeSampleRate = 40000
	}
	if cfg.InputName == "" {
		cfg.InputName = "audio"
	}
	if cfg.ParamsName == "" {
		cfg.ParamsName = "params"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "audio_out"
	}
	ortInit.once.Do(func() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		ortInit.err = ort.InitializeEnvironment()
	})
	if ortInit.err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", ortInit.err)
	}
	return &onnxLoader{cfg: cfg}, nil
}

func (l *onnxLoader) Name() string {
	return "onnx"
}

func (l *onnxLoader) Load(ctx context.Context, path string, dev device.Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat model: %w", err)
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()
	if l.cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(l.cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra op threads: %w", err)
		}
	}
	if err := bindProvider(options, dev); err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSession(
		path,
		[]string{l.cfg.InputName, l.cfg.ParamsName},
		[]string{l.cfg.OutputName},
		options,
	)
	if err != nil {
		if IsOutOfMemory(err) {
			return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	logutil.GetLogger(ctx).Debug("onnx session created",
		zap.String("path", path),
		zap.String("device", dev.String()),
	)
	return &onnxHandle{
		session:    session,
		nativeRate: l.cfg.NativeSampleRate,
		size:       info.Size(),
	}, nil
}

func bindProvider(options *ort.SessionOptions, dev device.Spec) error {
	switch dev.Kind {
	case device.KindCUDA:
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("create cuda options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(dev.Index)}); err != nil {
			return fmt.Errorf("update cuda options: %w", err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return fmt.Errorf("append cuda provider: %w", err)
		}
	case device.KindMPS:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fmt.Errorf("append coreml provider: %w", err)
		}
	}
	return nil
}

type onnxHandle struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	nativeRate int
	size       int64
}

func (h *onnxHandle) Bytes() int64 {
	return h.size
}

func (h *onnxHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	err := h.session.Destroy()
	h.session = nil
	return err
}

func (h *onnxHandle) Infer(ctx context.Context, req Request) error {
	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	clip, err := audio.Decode(data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	feed := audio.Resample(audio.Mono(clip), clip.SampleRate, h.nativeRate)
	out, err := h.run(feed, req.Params)
	if err != nil {
		return err
	}
	rate := h.nativeRate
	if req.Params.ResampleSR != 0 && req.Params.ResampleSR != rate {
		out = audio.Resample(out, rate, req.Params.ResampleSR)
		rate = req.Params.ResampleSR
	}
	encoded, err := audio.Encode(&audio.Clip{
		SampleRate: rate,
		Channels:   clip.Channels,
		Samples:    audio.Spread(out, clip.Channels),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(req.OutputPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func (h *onnxHandle) run(feed []float32, p params.ParameterSet) ([]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil, fmt.Errorf("onnx session already released")
	}
	n := int64(len(feed))
	input, err := ort.NewTensor(ort.NewShape(1, n), feed)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	paramTensor, err := ort.NewTensor(ort.NewShape(1, paramVectorLen), paramVector(p))
	if err != nil {
		return nil, fmt.Errorf("create params tensor: %w", err)
	}
	defer paramTensor.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, n))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := h.session.Run(
		[]ort.ArbitraryTensor{input, paramTensor},
		[]ort.ArbitraryTensor{output},
	); err != nil {
		return nil, fmt.Errorf("onnx inference failed: %w", err)
	}
	result := make([]float32, n)
	copy(result, output.GetData())
	return result, nil
}

// paramVector lays the conversion parameters out the way exported voice
// graphs expect them. Pitch shift is fixed at zero.
func paramVector(p params.ParameterSet) []float32 {
	return []float32{
		float32(p.F0Method.Index()),
		float32(p.Protect),
		float32(p.IndexRate),
		float32(p.FilterRadius),
		float32(p.RMSMixRate),
		0,
	}
}
