// Package facedetect talks to the face embedding server that finds faces in an
// image and returns one embedding per face.
package facedetect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/imaging"
)

const (
	defaultURL     = "http://localhost:8000"
	defaultTimeout = 60 * time.Second
	jpegQuality    = 90
)

// Detection is one face found in the submitted image. BBox is [x1, y1, x2, y2]
// in pixels of the image that was sent.
type Detection struct {
	BBox      imaging.Box
	Embedding []float32
	Score     float64
}

// Detector finds faces and computes their embeddings.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// faceDetection is the wire format of a single detected face.
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"`
	DetScore  float64   `json:"det_score"`
}

// faceResponse is the response of the face embedding endpoint.
type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Client calls the embedding server's /embed/face endpoint.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a detection client. An empty URL uses the local default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Detect encodes img as JPEG and returns the faces the server found.
// Faces with a malformed box or no embedding are dropped.
func (c *Client) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	data, err := imaging.EncodeJPEG(img, jpegQuality)
	if err != nil {
		return nil, err
	}

	body, err := c.postImage(ctx, "/embed/face", data)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	detections := make([]Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		box, ok := imaging.BoxFromSlice(f.BBox)
		if !ok || len(f.Embedding) == 0 {
			continue
		}
		detections = append(detections, Detection{BBox: box, Embedding: f.Embedding, Score: f.DetScore})
	}
	return detections, nil
}

// postImage posts JPEG data as a multipart form and returns the response body.
func (c *Client) postImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}
