package archive

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/n0needt0/go-goodies/log"
)

// SharedSchema accumulates the field set observed across archived event
// rows. Fields are only ever added, so older parquet files stay readable
// with the latest schema.
type SharedSchema struct {
	sync.Mutex
	Current map[string]string
}

func NewSharedSchema() *SharedSchema {
	return &SharedSchema{Current: make(map[string]string)}
}

// Observe merges the fields of a flattened event row into the schema.
func (s *SharedSchema) Observe(row map[string]interface{}) {
	s.Lock()
	defer s.Unlock()
	for k, v := range row {
		newType := inferType(v)
		if existing, ok := s.Current[k]; ok && existing != newType {
			s.Current[k] = "string"
			continue
		}
		s.Current[k] = newType
	}
}

// ParquetSchema renders the accumulated fields as a parquet-go JSON
// schema definition.
func (s *SharedSchema) ParquetSchema() string {
	s.Lock()
	defer s.Unlock()

	type fieldDef struct {
		Name string
		Type string
	}

	var fields []fieldDef
	for k, v := range s.Current {
		if k == "" || v == "" {
			log.Warnf("Skipping invalid schema field: key='%s', type='%s'", k, v)
			continue
		}
		fields = append(fields, fieldDef{Name: k, Type: v})
	}
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Name < fields[j].Name
	})

	var buf bytes.Buffer
	buf.WriteString(`{"Tag":"name=parquet-go-root","Fields":[`)
	for i, f := range fields {
		var tag string
		switch f.Type {
		case "string":
			tag = fmt.Sprintf(`{"Tag":"name=%s, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN, repetitiontype=OPTIONAL"}`, f.Name)
		case "int", "int32", "int64":
			tag = fmt.Sprintf(`{"Tag":"name=%s, type=INT64, repetitiontype=OPTIONAL"}`, f.Name)
		case "float32", "float64":
			tag = fmt.Sprintf(`{"Tag":"name=%s, type=DOUBLE, repetitiontype=OPTIONAL"}`, f.Name)
		case "bool", "boolean":
			tag = fmt.Sprintf(`{"Tag":"name=%s, type=BOOLEAN, repetitiontype=OPTIONAL"}`, f.Name)
		default:
			log.Warnf("Unknown schema type: %s for key %s. Defaulting to string", f.Type, f.Name)
			tag = fmt.Sprintf(`{"Tag":"name=%s, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN, repetitiontype=OPTIONAL"}`, f.Name)
		}
		buf.WriteString(tag)
		if i < len(fields)-1 {
			buf.WriteString(",")
		}
	}
	buf.WriteString(`]}`)

	return buf.String()
}

func inferType(value interface{}) string {
	switch v := value.(type) {
	case bool:
		return "boolean"
	case int64:
		return "int64"
	case float64:
		if float64(int64(v)) == v {
			return "int64"
		}
		return "float64"
	case string:
		return "string"
	default:
		return "string"
	}
}
