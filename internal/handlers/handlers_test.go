package handlers

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/radiology-api/internal/diagnosis"
	"github.com/example/radiology-api/internal/imagefile"
	"github.com/example/radiology-api/internal/inference"
	"github.com/example/radiology-api/internal/logging"
	"github.com/example/radiology-api/internal/preprocess"
	"github.com/example/radiology-api/internal/usecase"
)

const testClassCount = 5

type stubClassifier struct {
	mu     sync.Mutex
	logits []float32
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, input *preprocess.Tensor) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	// Derive logits from the input so identical images give identical output.
	out := make([]float32, len(s.logits))
	for i, v := range s.logits {
		out[i] = v + input.Data[i]*0.01
	}
	return out, nil
}

type apiResponse struct {
	Filename  string            `json:"filename"`
	StoredAs  string            `json:"stored_as"`
	Message   string            `json:"message"`
	Error     string            `json:"error"`
	Diagnosis *diagnosis.Result `json:"diagnosis"`
}

type testServer struct {
	router     *gin.Engine
	classifier *stubClassifier
	uploadDir  string
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	classifier := &stubClassifier{logits: []float32{0.3, 2.2, -0.7, 1.1, 0.0}}
	uploadDir := filepath.Join(t.TempDir(), "uploaded_images")
	uc := usecase.NewAnalysisUseCase(
		imagefile.NewStore(uploadDir),
		preprocess.New(),
		classifier,
		diagnosis.NewFormatter(diagnosis.DefaultPneumoniaIndex),
		zap.NewNop(),
	)

	router := gin.New()
	router.MaxMultipartMemory = maxUpload
	router.Use(logging.RequestLogger(zap.NewNop()))
	RegisterRoutes(router, uc, zap.NewNop(), maxUpload)

	return &testServer{router: router, classifier: classifier, uploadDir: uploadDir}
}

func (s *testServer) post(t *testing.T, path, filename string, payload []byte) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()

	body, contentType := buildMultipartBody(t, filename, payload)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)

	var decoded apiResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &decoded)
	return resp, decoded
}

func (s *testServer) storedFiles(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(s.uploadDir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestLiveness(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)

	resp := httptest.NewRecorder()
	srv.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"message":"Radiology AI Server is Running!"}`, resp.Body.String())
}

func TestInvalidExtensionRejectedWithoutSideEffects(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)

	for _, path := range []string{"/upload/", "/analyze/"} {
		for _, name := range []string{"test.txt", "scan.gif", "scan.jpg.exe", "noext", "scan.bmp", ".png"} {
			resp, body := srv.post(t, path, name, []byte("arbitrary bytes"))
			assert.Equal(t, http.StatusBadRequest, resp.Code, "%s %s", path, name)
			assert.Contains(t, body.Error, "Invalid file type")
		}
	}

	assert.Empty(t, srv.storedFiles(t))
	assert.Equal(t, 0, srv.classifier.calls)
}

func TestUploadStoresGrayscale(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)

	for _, tc := range []struct {
		name    string
		payload []byte
	}{
		{"xray.jpg", encodeImage(t, "jpg", color.RGBA{R: 200, G: 40, B: 90, A: 255})},
		{"xray.PNG", encodeImage(t, "png", color.RGBA{R: 10, G: 240, B: 90, A: 255})},
	} {
		resp, body := srv.post(t, "/upload/", tc.name, tc.payload)
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		assert.Equal(t, tc.name, body.Filename)
		assert.Equal(t, "X-ray uploaded successfully", body.Message)

		f, err := os.Open(filepath.Join(srv.uploadDir, body.StoredAs))
		require.NoError(t, err)
		img, _, err := image.Decode(f)
		f.Close()
		require.NoError(t, err)
		_, isGray := img.(*image.Gray)
		assert.True(t, isGray, "stored %s as %T", body.StoredAs, img)
	}

	assert.Equal(t, 0, srv.classifier.calls)
}

func TestAnalyzeReturnsDiagnosis(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)

	resp, body := srv.post(t, "/analyze/", "test.jpg", encodeImage(t, "jpg", color.Gray{Y: 128}))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	require.NotNil(t, body.Diagnosis)
	probs := body.Diagnosis.ClassProbabilities
	require.Len(t, probs, testClassCount)

	var sum float64
	best := 0
	for i, p := range probs {
		sum += p
		if p > probs[best] {
			best = i
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
	assert.Equal(t, best, body.Diagnosis.PredictedClassIndex)
	assert.GreaterOrEqual(t, body.Diagnosis.PredictedClassIndex, 0)
	assert.Less(t, body.Diagnosis.PredictedClassIndex, testClassCount)
	assert.Contains(t, body.Diagnosis.DiagnosisText, "Probability of Pneumonia")

	assert.Contains(t, resp.Body.String(), `"predicted_class_index":`)
	assert.Contains(t, resp.Body.String(), `"class_probabilities":[`)
	assert.Len(t, srv.storedFiles(t), 1)
}

func TestCorruptImageReturns500(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)

	for _, path := range []string{"/upload/", "/analyze/"} {
		resp, body := srv.post(t, path, "broken.jpg", []byte("\xff\xd8 not really a jpeg"))
		assert.Equal(t, http.StatusInternalServerError, resp.Code, path)
		assert.Equal(t, "Error processing image", body.Error)
		assert.NotContains(t, resp.Body.String(), "decode")
	}

	assert.Empty(t, srv.storedFiles(t))
	assert.Equal(t, 0, srv.classifier.calls)

	resp := httptest.NewRecorder()
	srv.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.Code, "server keeps serving after failures")
}

func TestOversizedDimensionsReturn500(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)
	payload := hugePNGHeader(t)
	require.Less(t, len(payload), 100)

	for _, path := range []string{"/upload/", "/analyze/"} {
		resp, body := srv.post(t, path, "huge.png", payload)
		assert.Equal(t, http.StatusInternalServerError, resp.Code, path)
		assert.Equal(t, "Error processing image", body.Error)
	}

	assert.Empty(t, srv.storedFiles(t))
	assert.Equal(t, 0, srv.classifier.calls)
}

func TestRepeatedSubmissionsAreIndependent(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)
	payload := encodeImage(t, "png", color.Gray{Y: 90})

	resp1, first := srv.post(t, "/analyze/", "same.png", payload)
	resp2, second := srv.post(t, "/analyze/", "same.png", payload)
	require.Equal(t, http.StatusOK, resp1.Code)
	require.Equal(t, http.StatusOK, resp2.Code)

	assert.NotEqual(t, first.StoredAs, second.StoredAs)
	assert.Len(t, srv.storedFiles(t), 2)

	assert.Equal(t, first.Diagnosis.PredictedClassIndex, second.Diagnosis.PredictedClassIndex)
	require.Len(t, second.Diagnosis.ClassProbabilities, len(first.Diagnosis.ClassProbabilities))
	for i := range first.Diagnosis.ClassProbabilities {
		assert.InDelta(t, first.Diagnosis.ClassProbabilities[i], second.Diagnosis.ClassProbabilities[i], 1e-9)
	}
}

func TestInferenceFailureHidesInternalText(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)
	srv.classifier.err = inference.ErrInference

	resp, body := srv.post(t, "/analyze/", "scan.jpg", encodeImage(t, "jpg", color.Gray{Y: 10}))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, "Model inference failed", body.Error)
	assert.NotContains(t, resp.Body.String(), "usecase.classify")
}

func TestBusyClassifierReturns503(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)
	srv.classifier.err = inference.ErrBusy

	resp, _ := srv.post(t, "/analyze/", "scan.jpg", encodeImage(t, "jpg", color.Gray{Y: 10}))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestMissingFileField(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("other", "value"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := httptest.NewRecorder()
	srv.router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUploadRejectsLargeBody(t *testing.T) {
	srv := newTestServer(t, 1024)

	resp, _ := srv.post(t, "/upload/", "big.png", bytes.Repeat([]byte("a"), 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Empty(t, srv.storedFiles(t))
}

func TestMetricsCountsRequests(t *testing.T) {
	srv := newTestServer(t, DefaultMaxUploadSize)
	srv.post(t, "/upload/", "a.jpg", encodeImage(t, "jpg", color.Gray{Y: 1}))
	srv.post(t, "/upload/", "a.txt", []byte("x"))

	resp := httptest.NewRecorder()
	srv.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var summary usecase.MetricsSummary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &summary))
	assert.Equal(t, int64(1), summary.Uploads)
	assert.Equal(t, int64(1), summary.Failures)
}

func TestClassifyMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{logging.NewOperationError(usecase.OpValidate, "r", imagefile.ErrInvalidFileType), http.StatusBadRequest},
		{logging.NewOperationError(usecase.OpStore, "r", imagefile.ErrStorage), http.StatusInternalServerError},
		{logging.NewOperationError(usecase.OpPreprocess, "r", preprocess.ErrImageNotFound), http.StatusInternalServerError},
		{logging.NewOperationError(usecase.OpClassify, "r", inference.ErrBusy), http.StatusServiceUnavailable},
		{logging.NewOperationError(usecase.OpClassify, "r", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{logging.NewOperationError(usecase.OpFormat, "r", diagnosis.ErrClassIndexOutOfRange), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		status, message := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.NotContains(t, message, "usecase.")
	}
}

func buildMultipartBody(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", "application/octet-stream")

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func encodeImage(t *testing.T, format string, c color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	var err error
	if format == "png" {
		err = png.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, nil)
	}
	if err != nil {
		t.Fatalf("failed to encode %s: %v", format, err)
	}
	return buf.Bytes()
}

// hugePNGHeader is a PNG signature plus an IHDR declaring a 40000x40000 RGBA
// canvas, with no pixel data.
func hugePNGHeader(t *testing.T) []byte {
	t.Helper()

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], 40000)
	binary.BigEndian.PutUint32(ihdr[4:8], 40000)
	ihdr[8] = 8
	ihdr[9] = 6

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(ihdr))))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk)))
	return buf.Bytes()
}
