package report

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/eargollo/attic/internal/scan"
)

// document is the full result file: the scan result plus derived insights.
type document struct {
	*scan.Result
	Insights *Insights `json:"insights,omitempty"`
}

// WriteJSON writes the complete result document to path.
func WriteJSON(path string, res *scan.Result, ins *Insights) error {
	b, err := json.MarshalIndent(document{Result: res, Insights: ins}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	b = append(b, '\n')
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
