package report

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/eargollo/attic/internal/scan"
)

// Render writes every artifact for a finished scan into dir: the JSON
// result document, the CSV exports and the HTML dashboard.
func Render(dir string, res *scan.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	ins := BuildInsights(res, InsightOptions{})

	jsonPath := filepath.Join(dir, fmt.Sprintf("scan_%s.json", res.State.ScanID))
	if err := WriteJSON(jsonPath, res, ins); err != nil {
		return err
	}
	if _, err := WriteCSV(dir, res); err != nil {
		return err
	}
	htmlPath := filepath.Join(dir, fmt.Sprintf("scan_%s.html", res.State.ScanID))
	if err := WriteHTML(htmlPath, res, ins); err != nil {
		return err
	}

	slog.Info("reports written", "dir", dir, "json", jsonPath, "html", htmlPath)
	return nil
}
