// Package hashdata holds the per-container CDN metadata record and its wire
// codecs: the canonical JSON form stored in the hash-shard objects, and the
// packed Content-Type form carried by listing children.
package hashdata

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swiftorigin/sos/pkg/helper"
)

// ErrInvalidJSON is returned by Parse when the envelope is not parsable, a
// field is missing, or a field has the wrong scalar type.
var ErrInvalidJSON = errors.New("invalid hash data json")

// HashData is the per-container CDN metadata record.
type HashData struct {
	Account     string `json:"account"`
	Container   string `json:"container"`
	TTL         int64  `json:"ttl"`
	CDNEnabled  bool   `json:"cdn_enabled"`
	LogsEnabled bool   `json:"logs_enabled"`
}

// New returns a HashData for the given account and container. It fails with
// helper.ErrInvalidUTF8 when either name is not valid UTF-8.
func New(account, container string, ttl int64, cdnEnabled, logsEnabled bool) (HashData, error) {
	if !helper.CheckUTF8(account) || !helper.CheckUTF8(container) {
		return HashData{}, helper.ErrInvalidUTF8
	}

	return HashData{
		Account:     account,
		Container:   container,
		TTL:         ttl,
		CDNEnabled:  cdnEnabled,
		LogsEnabled: logsEnabled,
	}, nil
}

// JSON returns the canonical serialized form. Parse(h.JSON()) == h.
func (h HashData) JSON() []byte {
	// all fields are marshalable, this cannot fail
	bs, _ := json.Marshal(h)

	return bs
}

func (h HashData) String() string { return string(h.JSON()) }

// Parse decodes a serialized record. Every field must be present and carry
// the right scalar type.
func Parse(bs []byte) (HashData, error) {
	var envelope struct {
		Account     *string `json:"account"`
		Container   *string `json:"container"`
		TTL         *int64  `json:"ttl"`
		CDNEnabled  *bool   `json:"cdn_enabled"`
		LogsEnabled *bool   `json:"logs_enabled"`
	}

	if err := json.Unmarshal(bs, &envelope); err != nil {
		return HashData{}, fmt.Errorf("%w: %s: %q", ErrInvalidJSON, err, bs)
	}

	if envelope.Account == nil || envelope.Container == nil || envelope.TTL == nil ||
		envelope.CDNEnabled == nil || envelope.LogsEnabled == nil {
		return HashData{}, fmt.Errorf("%w: missing field: %q", ErrInvalidJSON, bs)
	}

	return New(*envelope.Account, *envelope.Container, *envelope.TTL,
		*envelope.CDNEnabled, *envelope.LogsEnabled)
}
