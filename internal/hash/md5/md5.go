// Package md5 provides the MD5 hashing used by Nginx to name cache files.
package md5

import (
	"crypto/md5" //nolint:gosec // nginx names cache files by md5 of the key
	"encoding/hex"
)

// Hasher implements cachekey.Hasher using MD5.
type Hasher struct{}

// New returns an MD5 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a lowercase hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}
