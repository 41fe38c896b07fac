package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"vizmon/internal/models"
)

// BudgetFile is the on-disk budget document:
//
//	budgets:
//	  Satellites:
//	    max_items: 25000
//	    max_heap_bytes: 67108864
type BudgetFile struct {
	Budgets map[string]models.Budget `yaml:"budgets"`
}

func LoadBudgets(path string) (map[models.Mode]models.Budget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read budgets: %w", err)
	}
	return ParseBudgets(data)
}

func ParseBudgets(data []byte) (map[models.Mode]models.Budget, error) {
	var f BudgetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse budgets: %w", err)
	}
	out := make(map[models.Mode]models.Budget, len(f.Budgets))
	for name, b := range f.Budgets {
		mode, err := models.ParseMode(name)
		if err != nil {
			return nil, fmt.Errorf("budgets: %w", err)
		}
		if b.MaxHeapBytes < 0 || b.MaxItems < 0 || b.MaxGPUBytes < 0 {
			return nil, fmt.Errorf("budgets: %s: limits must not be negative", mode)
		}
		out[mode] = b
	}
	return out, nil
}
