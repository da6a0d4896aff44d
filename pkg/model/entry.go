package model

import (
	"time"

	"github.com/cascached/cascached/pkg/digest"

	yaml "gopkg.in/yaml.v2"
)

// Entry is the durable index record for one stored blob.
//
// An Entry exists in the index iff the backing blob exists in the blob
// area. Pin counts are deliberately absent: pins belong to live
// sessions and never survive a restart.
type Entry struct {
	Digest       digest.Digest `json:"digest" yaml:"digest"`
	LogicalSize  int64         `json:"logicalSize" yaml:"logicalSize"`
	PhysicalSize int64         `json:"physicalSize" yaml:"physicalSize"`
	CreatedAt    time.Time     `json:"createdAt" yaml:"createdAt"`
	LastAccess   time.Time     `json:"lastAccess" yaml:"lastAccess"`
	_            struct{}
}

// MarshalEntry serializes an index entry
func MarshalEntry(e Entry) ([]byte, error) {
	return yaml.Marshal(e)
}

// UnmarshalEntry deserializes an index entry
func UnmarshalEntry(b []byte) (Entry, error) {
	var e Entry
	err := yaml.Unmarshal(b, &e)
	return e, err
}
