// Package fileapi defines the wire types of the origin file API: the
// content-hash manifest and the asset listing consumed by the cache.
package fileapi

import "strings"

// HashesResponse is the body of GET /api/hashes.
type HashesResponse struct {
	Success bool     `json:"success"`
	Data    HashData `json:"data"`
}

// HashData is the manifest payload inside a HashesResponse.
type HashData struct {
	Version string            `json:"version"` // origin build tag
	Assets  map[string]string `json:"assets"`  // logical path -> content digest
}

// ListResponse is the body of GET /api/list.
type ListResponse struct {
	Success bool     `json:"success"`
	Files   []string `json:"files"`
}

// NormalizePath strips the single leading slash the origin accepts but the
// manifest omits. Manifest keys and cache keys both use the normalized form.
func NormalizePath(p string) string {
	return strings.TrimPrefix(p, "/")
}
