package equipment

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxImportItems caps a single catalog import
const maxImportItems = 1000

type catalogFile struct {
	Equipment []Input `yaml:"equipment"`
}

// ParseCatalog reads a YAML catalog. Both a top-level list and a document
// with an equipment key are accepted. Every entry is normalized and
// validated; problems are reported together.
func ParseCatalog(data []byte) ([]Input, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &InvalidError{Problems: []string{"catalog is empty"}}
	}

	var items []Input
	if data[0] == '-' {
		if err := yaml.Unmarshal(data, &items); err != nil {
			return nil, &InvalidError{Problems: []string{"could not parse catalog: " + err.Error()}}
		}
	} else {
		var doc catalogFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &InvalidError{Problems: []string{"could not parse catalog: " + err.Error()}}
		}
		items = doc.Equipment
	}
	if len(items) == 0 {
		return nil, &InvalidError{Problems: []string{"catalog has no equipment entries"}}
	}
	if len(items) > maxImportItems {
		return nil, &InvalidError{Problems: []string{fmt.Sprintf("catalog has %d entries, the limit is %d", len(items), maxImportItems)}}
	}

	var problems []string
	seen := make(map[string]int, len(items))
	for i := range items {
		items[i].Normalize()
		if err := items[i].Validate(); err != nil {
			for _, p := range err.(*InvalidError).Problems {
				problems = append(problems, fmt.Sprintf("equipment[%d]: %s", i, p))
			}
			continue
		}
		key := strings.ToLower(items[i].Vendor + "\x00" + items[i].Model)
		if first, dup := seen[key]; dup {
			problems = append(problems, fmt.Sprintf("equipment[%d]: duplicates equipment[%d] (%s %s)", i, first, items[i].Vendor, items[i].Model))
			continue
		}
		seen[key] = i
	}
	if len(problems) > 0 {
		return nil, &InvalidError{Problems: problems}
	}
	return items, nil
}
