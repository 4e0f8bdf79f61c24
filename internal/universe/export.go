package universe

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/spreadscan/spreadscan/internal/artifacts"
)

// Export writes universe.json and universe_rejects.csv.
func Export(universePath, rejectsPath string, result *Result) error {
	if err := artifacts.WriteJSONAtomic(universePath, result); err != nil {
		return fmt.Errorf("write universe.json: %w", err)
	}

	file, err := os.Create(rejectsPath)
	if err != nil {
		return fmt.Errorf("create universe_rejects.csv: %w", err)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"symbol", "reason"}); err != nil {
		file.Close()
		return err
	}
	for _, reject := range result.Rejects {
		if err := writer.Write([]string{reject.Symbol, reject.Reason}); err != nil {
			file.Close()
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("flush universe_rejects.csv: %w", err)
	}
	return file.Close()
}

// LoadSymbols reads the kept symbol list back from universe.json.
func LoadSymbols(universePath string) ([]string, error) {
	var payload struct {
		Symbols []string `json:"symbols"`
	}
	if err := artifacts.ReadJSON(universePath, &payload); err != nil {
		return nil, err
	}
	return payload.Symbols, nil
}
