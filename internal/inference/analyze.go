package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyImage is returned for an empty image.
var ErrEmptyImage = errors.New("empty image")

type analyzeRequest struct {
	Image string `json:"image"`
}

// Result is the collaborator's analysis of one frame.
type Result struct {
	FaceCount  int      `json:"faceCount"`
	Objects    []string `json:"objects"`
	Confidence float64  `json:"confidence"`

	// Neutral is set on substituted results; the collaborator never sets it.
	Neutral bool `json:"-"`
}

// NeutralResult is substituted when the collaborator fails: one face,
// nothing detected, zero confidence.
func NeutralResult() Result {
	return Result{FaceCount: 1, Objects: []string{}, Confidence: 0, Neutral: true}
}

// Anomalous reports whether the frame shows no face, several faces or a
// foreign object.
func (r Result) Anomalous() bool {
	return r.FaceCount != 1 || len(r.Objects) > 0
}

// Score maps the result onto the faceDetection category in [0,1]: the
// confidence of an anomalous frame, 0 otherwise.
func (r Result) Score() float64 {
	if !r.Anomalous() {
		return 0
	}
	switch {
	case r.Confidence < 0:
		return 0
	case r.Confidence > 1:
		return 1
	default:
		return r.Confidence
	}
}

// Tags describes the anomalies found.
func (r Result) Tags() []string {
	var tags []string
	switch {
	case r.FaceCount == 0:
		tags = append(tags, "no_face")
	case r.FaceCount > 1:
		tags = append(tags, "multiple_faces")
	}
	for _, obj := range r.Objects {
		if obj = strings.TrimSpace(obj); obj != "" {
			tags = append(tags, "object:"+obj)
		}
	}
	return tags
}

// Analyze submits an image for analysis.
func (c *Client) Analyze(ctx context.Context, image []byte) (Result, error) {
	if len(image) == 0 {
		return Result{}, ErrEmptyImage
	}

	payload, err := json.Marshal(analyzeRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	body, err := c.doWithRetry(ctx, "/analyze", payload)
	if err != nil {
		return Result{}, err
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return result, nil
}
