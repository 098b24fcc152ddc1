package module

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TrainAndSave trains a module of kind from args and, when savePath is not
// empty, persists it there. It is the body every worker runs, in-process or
// in a child.
func TrainAndSave(ctx context.Context, logger *slog.Logger, kind Kind, args Arguments, savePath string) (Module, error) {
	start := time.Now()
	m, err := kind.Train(ctx, args)
	if err != nil {
		return nil, err
	}
	logger.Info("training finished",
		"kind", kind.Name(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if savePath == "" {
		return m, nil
	}

	start = time.Now()
	if err := Save(m, savePath); err != nil {
		return nil, fmt.Errorf("save model to %s: %w", savePath, err)
	}
	logger.Info("model saved",
		"kind", kind.Name(),
		"save_path", savePath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return m, nil
}
