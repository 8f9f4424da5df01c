package main

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/utils"
)

const maxLoanTapeSizeBytes int64 = 25 * 1024 * 1024

var loanTapeMimeTypes = map[string]bool{
	"text/csv":         true,
	"application/json": true,
	"application/pdf":  true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
}

// uploadLoanTapeHandler stores a loan tape document in GCS and returns the
// object name plus the SHA-256 digest. The digest is what callers pass as
// loan_tape_hash when creating the package, binding the stored document to
// the on-ledger record.
func uploadLoanTapeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if fileHeader.Size > maxLoanTapeSizeBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("file exceeds %d bytes", maxLoanTapeSizeBytes),
			})
			return
		}
		mimeType := fileHeader.Header.Get("Content-Type")
		if !loanTapeMimeTypes[mimeType] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported file type"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			config.LogError(logger, "uploads.go", "uploadLoanTapeHandler", "Open", fileHeader.Filename, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read file"})
			return
		}
		defer file.Close()

		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		objectName := fmt.Sprintf("loan-tapes/%s/%s%s",
			time.Now().UTC().Format("2006/01"), uuid.NewString(), ext)

		digest, err := utils.UploadLoanTapeToGCS(c.Request.Context(), objectName, file)
		if err != nil {
			config.LogError(logger, "uploads.go", "uploadLoanTapeHandler", "UploadLoanTapeToGCS", objectName, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "upload failed"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"object_key":     objectName,
			"loan_tape_hash": digest,
			"size":           fileHeader.Size,
		})
	}
}
