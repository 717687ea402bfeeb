// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build onnx

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// onnxLibraryName is the platform-specific shared library filename looked up
// under ONNXRUNTIME_LIB_PATH.
var onnxLibraryName = func() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}()

// onnxInit guards the one-time ONNX Runtime environment initialization.
var (
	onnxInitOnce sync.Once
	onnxInitErr  error
)

func initONNX() error {
	onnxInitOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB_PATH"); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, onnxLibraryName))
		}
		onnxInitErr = ort.InitializeEnvironment()
	})
	return onnxInitErr
}

// ONNXSessionFactory creates sessions backed by ONNX Runtime.
type ONNXSessionFactory struct{}

// NewONNXSessionFactory returns the ONNX Runtime session factory.
func NewONNXSessionFactory() *ONNXSessionFactory {
	return &ONNXSessionFactory{}
}

// Backend returns the backend type of this factory.
func (f *ONNXSessionFactory) Backend() BackendType { return BackendONNX }

// CreateSession creates an ONNX Runtime session for the given model file.
func (f *ONNXSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}

	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("getting model info: %w", err)
	}

	inputNames := make([]string, len(inputs))
	inputInfo := make([]TensorInfo, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
		inputInfo[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}

	outputNames := make([]string, len(outputs))
	outputInfo := make([]TensorInfo, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
		outputInfo[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	if cfg.UseCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				cudaOpts.Destroy()
			} else {
				defer cudaOpts.Destroy()
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

// onnxDataType converts an ONNX element type to a DataType.
func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return DataTypeFloat32
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// onnxSession implements Session over an ONNX Runtime dynamic session.
type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) InputInfo() []TensorInfo  { return s.inputInfo }
func (s *onnxSession) OutputInfo() []TensorInfo { return s.outputInfo }

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	ortInputs := make([]ort.Value, len(s.inputInfo))
	destroyAll := func(values []ort.Value) {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}
	for i, info := range s.inputInfo {
		input, ok := inputMap[info.Name]
		if !ok {
			destroyAll(ortInputs)
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		tensor, err := createOrtTensor(input)
		if err != nil {
			destroyAll(ortInputs)
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs[i] = tensor
	}
	defer destroyAll(ortInputs)

	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer destroyAll(ortOutputs)

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, ortOutput := range ortOutputs {
		if ortOutput == nil {
			continue
		}
		output, err := extractOrtTensor(ortOutput, s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = output
	}
	return outputs, nil
}

func (s *onnxSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

// createOrtTensor converts a NamedTensor into an ONNX Runtime tensor.
func createOrtTensor(t NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch data := t.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		return ort.NewTensor(shape, data)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", t.Data)
	}
}

// extractOrtTensor copies an ONNX Runtime value into a NamedTensor.
func extractOrtTensor(value ort.Value, name string) (NamedTensor, error) {
	switch tensor := value.(type) {
	case *ort.Tensor[float32]:
		data := make([]float32, len(tensor.GetData()))
		copy(data, tensor.GetData())
		return NamedTensor{Name: name, Shape: tensor.GetShape(), Data: data}, nil
	case *ort.Tensor[int64]:
		data := make([]int64, len(tensor.GetData()))
		copy(data, tensor.GetData())
		return NamedTensor{Name: name, Shape: tensor.GetShape(), Data: data}, nil
	case *ort.Tensor[int32]:
		data := make([]int32, len(tensor.GetData()))
		copy(data, tensor.GetData())
		return NamedTensor{Name: name, Shape: tensor.GetShape(), Data: data}, nil
	default:
		return NamedTensor{}, fmt.Errorf("unsupported output tensor type %T", value)
	}
}
