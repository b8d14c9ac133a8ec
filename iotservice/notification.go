// Package iotservice holds the service side pieces the device sdk
// relies on, currently file upload notifications.
package iotservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedNotification is returned for notifications that cannot be decoded.
var ErrMalformedNotification = errors.New("malformed file upload notification")

// FileUploadNotification is sent by the hub once a device
// reports a finished blob upload.
type FileUploadNotification struct {
	DeviceID        string    `json:"deviceId"`
	BlobURI         string    `json:"blobUri"`
	BlobName        string    `json:"blobName"`
	LastUpdatedTime time.Time `json:"lastUpdatedTime"`
	BlobSizeInBytes int64     `json:"blobSizeInBytes"`
	EnqueuedTimeUTC time.Time `json:"enqueuedTimeUtc"`
}

// ParseFileUploadNotification decodes a notification message body.
func ParseFileUploadNotification(b []byte) (*FileUploadNotification, error) {
	var n FileUploadNotification
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedNotification, err)
	}
	if n.DeviceID == "" || n.BlobName == "" {
		return nil, fmt.Errorf("%w: device id and blob name are required", ErrMalformedNotification)
	}
	return &n, nil
}
