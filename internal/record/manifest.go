package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// CipherAESGCM is the only cipher the manifest schema currently names.
// The field is serialized even while encryption is inactive to keep
// the at-rest schema forward-compatible.
const CipherAESGCM = "AES-GCM"

// Manifest is the small, device-shared descriptor of sync state stored
// on blob-oriented backends. One manifest exists per account; every
// device that opted into multi-device sync reads and writes it under
// an optimistic concurrency token so concurrent devices cannot
// silently clobber each other's update.
type Manifest struct {
	Version         int    `json:"version"`
	LastSeq         int    `json:"lastSeq"`
	SnapshotETag    string `json:"snapshotETag,omitempty"`
	CreatedAt       string `json:"createdAt"` // RFC 3339
	UpdatedAt       string `json:"updatedAt"` // RFC 3339
	DeviceIDPrimary string `json:"deviceIdPrimary"`

	// Crypto parameters. Always present on the wire, active or not.
	Cipher     string `json:"cipher"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
}

// NewManifest creates a fresh manifest owned by the given device.
func NewManifest(deviceID string) *Manifest {
	now := time.Now().UTC().Format(time.RFC3339)
	return &Manifest{
		Version:         1,
		LastSeq:         0,
		CreatedAt:       now,
		UpdatedAt:       now,
		DeviceIDPrimary: deviceID,
		Cipher:          CipherAESGCM,
		Salt:            "",
		Iterations:      0,
	}
}

// Touch stamps UpdatedAt with the current time.
func (m *Manifest) Touch() {
	m.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// Validate checks if the Manifest has valid field values.
func (m *Manifest) Validate() error {
	if m.Version < 1 {
		return fmt.Errorf("version must be at least 1 (got %d)", m.Version)
	}
	if m.DeviceIDPrimary == "" {
		return fmt.Errorf("deviceIdPrimary is required")
	}
	if m.Cipher == "" {
		return fmt.Errorf("cipher is required")
	}
	return nil
}

// Marshal serializes the manifest to its wire form.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// UnmarshalManifest parses a manifest from its wire form.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
