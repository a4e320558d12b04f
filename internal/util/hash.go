package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashContent returns the SHA-256 hex digest of a file's text. The digest is
// what the store compares to decide whether a file needs re-indexing.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ChunkID derives a stable chunk identifier from the file path and the
// chunk's line range. Re-indexing the same logical chunk produces the same
// id, which gives the store its upsert semantics.
func ChunkID(filePath string, startLine, endLine int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d-%d", filePath, startLine, endLine)))
	return hex.EncodeToString(sum[:])[:16]
}
