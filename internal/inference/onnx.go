package inference

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/radiology-api/internal/config"
	"github.com/example/radiology-api/internal/preprocess"
)

// Device is the execution provider sessions are bound to.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// InitRuntime loads the ONNX Runtime shared library and initializes the
// process-wide environment. libPath may be empty to use the library default.
func InitRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// DestroyRuntime tears down the ONNX Runtime environment. It is a no-op when
// the runtime was never initialized.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("failed to destroy ONNX environment: %w", err)
	}
	return nil
}

// ProbeCUDA reports whether the loaded runtime can bind the CUDA provider.
func ProbeCUDA() error {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("cuda provider unavailable: %w", err)
	}
	defer cudaOptions.Destroy()

	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		return fmt.Errorf("cuda provider rejected: %w", err)
	}
	return nil
}

// SelectDevice resolves the configured device once at startup. "auto" picks
// CUDA when the probe succeeds and CPU otherwise.
func SelectDevice(requested Device, probe func() error, logger *zap.Logger) (Device, error) {
	switch requested {
	case DeviceCPU:
		return DeviceCPU, nil
	case DeviceCUDA:
		if err := probe(); err != nil {
			return "", err
		}
		return DeviceCUDA, nil
	case DeviceAuto, "":
		if err := probe(); err != nil {
			logger.Info("accelerator not available, using cpu", zap.Error(err))
			return DeviceCPU, nil
		}
		return DeviceCUDA, nil
	default:
		return "", fmt.Errorf("unknown inference device %q", requested)
	}
}

type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *onnxSession) Run(input []float32) ([]float32, error) {
	dst := s.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, err
	}

	out := s.output.GetData()
	logits := make([]float32, len(out))
	copy(logits, out)
	return logits, nil
}

func (s *onnxSession) Destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// ONNXSessionFactory returns a factory that loads the model at cfg.Path onto
// device with fixed [1,3,224,224] input and [1,ClassCount] output tensors.
func ONNXSessionFactory(cfg config.ModelConfig, device Device) SessionFactory {
	return func() (Session, error) {
		options, err := ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating session options: %w", err)
		}
		defer options.Destroy()

		if cfg.IntraOpThreads > 0 {
			if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
				return nil, fmt.Errorf("error setting intra-op threads: %w", err)
			}
		}

		if device == DeviceCUDA {
			cudaOptions, err := ort.NewCUDAProviderOptions()
			if err != nil {
				return nil, fmt.Errorf("error creating cuda options: %w", err)
			}
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				return nil, fmt.Errorf("error enabling cuda: %w", err)
			}
		}

		inputShape := ort.NewShape(1, preprocess.Channels, preprocess.InputHeight, preprocess.InputWidth)
		outputShape := ort.NewShape(1, int64(cfg.ClassCount))

		inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
		if err != nil {
			return nil, fmt.Errorf("error creating input tensor: %w", err)
		}

		outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
		if err != nil {
			inputTensor.Destroy()
			return nil, fmt.Errorf("error creating output tensor: %w", err)
		}

		session, err := ort.NewAdvancedSession(
			cfg.Path,
			[]string{cfg.InputName},
			[]string{cfg.OutputName},
			[]ort.Value{inputTensor},
			[]ort.Value{outputTensor},
			options,
		)
		if err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("error creating session: %w", err)
		}

		return &onnxSession{session: session, input: inputTensor, output: outputTensor}, nil
	}
}

// LoadClassifier initializes the runtime, selects a device and fills a
// session pool with copies of the model. Any error here means the process
// must not serve traffic.
func LoadClassifier(cfg config.ModelConfig, logger *zap.Logger) (*PooledClassifier, Device, error) {
	if err := InitRuntime(cfg.SharedLibraryPath); err != nil {
		return nil, "", err
	}

	requested := Device(cfg.Device)
	device, err := SelectDevice(requested, ProbeCUDA, logger)
	if err != nil {
		return nil, "", err
	}

	pool, err := NewSessionPool(ONNXSessionFactory(cfg, device), cfg.Sessions, cfg.AcquireTimeout, logger)
	if err != nil && device == DeviceCUDA && requested != DeviceCUDA {
		logger.Warn("cuda session creation failed, falling back to cpu", zap.Error(err))
		device = DeviceCPU
		pool, err = NewSessionPool(ONNXSessionFactory(cfg, device), cfg.Sessions, cfg.AcquireTimeout, logger)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load model %s: %w", cfg.Path, err)
	}

	logger.Info("classifier loaded",
		zap.String("model", cfg.Path),
		zap.String("device", string(device)),
		zap.Int("classes", cfg.ClassCount),
		zap.Int("sessions", cfg.Sessions),
	)
	return NewPooledClassifier(pool, cfg.ClassCount, logger), device, nil
}
