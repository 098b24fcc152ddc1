package engine

import (
	"path/filepath"
	"strings"
)

// composeSavePath appends the job id and model name to savePath unless the
// path already contains them. An empty savePath stays empty.
func composeSavePath(savePath, id string, saveWithID bool, modelName string) string {
	if savePath == "" {
		return ""
	}
	parts := []string{savePath}
	if saveWithID && !strings.Contains(savePath, id) {
		parts = append(parts, id)
	}
	if modelName != "" && !strings.Contains(savePath, modelName) {
		parts = append(parts, modelName)
	}
	return filepath.Join(parts...)
}
