// Package tasks defines the payloads carried by queue jobs.
package tasks

import (
	"encoding/json"
	"errors"
	"time"
)

// FileReadyJobName is the job name used when an uploaded PDF is ready for ingestion.
const FileReadyJobName = "file-ready"

// FileReadyPayload represents an uploaded file waiting to be ingested.
type FileReadyPayload struct {
	Filename    string    `json:"filename"`
	Destination string    `json:"destination"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	UploadTime  time.Time `json:"uploadTime"`
}

// DecodeFileReady parses the JSON job data. Job data may also be a JSON string
// that itself contains the payload object.
func DecodeFileReady(data []byte) (FileReadyPayload, error) {
	var p FileReadyPayload
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		data = []byte(s)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	if p.Path == "" {
		return p, errors.New("payload has no path")
	}
	return p, nil
}
