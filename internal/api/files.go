// files.go handles direct serving of snapshot artifacts from the local
// storage backend when ServeDirectly is enabled. Remote backends hand out
// signed URLs instead and never route file bytes through the API.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/veritrail/veritrail/internal/storage"
)

// ServeFileHandler handles direct file serving for local storage.
// Implements: GET /v1/files/*filepath
func ServeFileHandler(storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		filePath := strings.TrimPrefix(c.Param("filepath"), "/")
		if filePath == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "File path is required",
			})
			return
		}

		exists, err := storageBackend.Exists(c.Request.Context(), filePath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to check file existence",
			})
			return
		}
		if !exists {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "File not found",
			})
			return
		}

		metadata, err := storageBackend.GetMetadata(c.Request.Context(), filePath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to get file metadata",
			})
			return
		}

		reader, err := storageBackend.Download(c.Request.Context(), filePath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to read file",
			})
			return
		}
		defer reader.Close()

		c.Header("X-Checksum-SHA256", metadata.Checksum)
		c.DataFromReader(http.StatusOK, metadata.Size, "application/json", reader, nil)
	}
}
