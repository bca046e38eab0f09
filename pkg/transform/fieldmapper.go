package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// FieldMapping defines how to map a single field
type FieldMapping struct {
	Source      string `json:"source"`      // Source field name
	Destination string `json:"destination"` // Destination field name
	Format      string `json:"format"`      // Format type: "string", "int", "float", "date", "uppercase", "lowercase", "trim", "titlecase"
	Default     string `json:"default"`     // Default value if source is missing or null
	Required    bool   `json:"required"`    // If true, error if field is missing
	Extract     string `json:"extract"`     // Regex pattern to extract from source value
}

// FieldMapperConfig contains field mapping configuration
type FieldMapperConfig struct {
	Mappings      []FieldMapping `json:"mappings"`
	IncludeAll    bool           `json:"include_all"`    // Include all unmapped fields
	ExcludeFields []string       `json:"exclude_fields"` // Fields to exclude (if include_all is true)
	StrictMode    bool           `json:"strict_mode"`    // Fail on any mapping error
}

// FieldMapper is a mapper that renames and formats document fields.
// The _id field is always carried over so the destination can target the document.
type FieldMapper struct {
	config     FieldMapperConfig
	extractors map[string]*regexp.Regexp
	excluded   map[string]bool
	mapped     map[string]bool
	logger     *zap.Logger
}

// NewFieldMapper creates a new field mapper
func NewFieldMapper(config FieldMapperConfig) (*FieldMapper, error) {
	return NewFieldMapperWithLogger(config, nil)
}

// NewFieldMapperWithLogger creates a new field mapper that logs non-fatal mapping problems
func NewFieldMapperWithLogger(config FieldMapperConfig, logger *zap.Logger) (*FieldMapper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fm := &FieldMapper{
		config:     config,
		extractors: make(map[string]*regexp.Regexp),
		excluded:   make(map[string]bool),
		mapped:     make(map[string]bool),
		logger:     logger,
	}

	for _, mapping := range config.Mappings {
		if mapping.Source == "" {
			return nil, errors.New("field mapping is missing a source field")
		}
		fm.mapped[mapping.Source] = true

		// Compile regex patterns for extraction
		if mapping.Extract != "" {
			re, err := regexp.Compile(mapping.Extract)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid extract pattern for field %s", mapping.Source)
			}
			fm.extractors[mapping.Source] = re
		}
	}
	for _, field := range config.ExcludeFields {
		fm.excluded[field] = true
	}

	return fm, nil
}

// Map builds a new document from the configured mappings, in mapping order
func (f *FieldMapper) Map(doc bson.D) (bson.D, error) {
	out := make(bson.D, 0, len(f.config.Mappings)+1)
	var problems []string

	if id, ok := get(doc, "_id"); ok && !f.mapped["_id"] {
		out = append(out, bson.E{Key: "_id", Value: id})
	}

	for _, mapping := range f.config.Mappings {
		value, exists := get(doc, mapping.Source)

		// Handle missing required fields
		if !exists || value == nil {
			if mapping.Required {
				if f.config.StrictMode {
					return nil, errors.Errorf("required field '%s' is missing", mapping.Source)
				}
				problems = append(problems, fmt.Sprintf("required field '%s' is missing", mapping.Source))
			}
			if mapping.Default == "" {
				continue
			}
			value = mapping.Default
		}

		if extractor, ok := f.extractors[mapping.Source]; ok {
			matches := extractor.FindStringSubmatch(fmt.Sprintf("%v", value))
			switch {
			case len(matches) > 1:
				value = matches[1] // first capture group
			case len(matches) > 0:
				value = matches[0]
			default:
				if mapping.Required && f.config.StrictMode {
					return nil, errors.Errorf("extraction pattern failed for field '%s'", mapping.Source)
				}
				problems = append(problems, fmt.Sprintf("extraction pattern failed for field '%s'", mapping.Source))
				continue
			}
		}

		formatted, err := formatValue(value, mapping.Format)
		if err != nil {
			if f.config.StrictMode {
				return nil, errors.Wrapf(err, "formatting error for field '%s'", mapping.Source)
			}
			problems = append(problems, fmt.Sprintf("formatting error for field '%s': %v", mapping.Source, err))
			continue
		}

		dest := mapping.Destination
		if dest == "" {
			dest = mapping.Source
		}
		out = set(out, dest, formatted)
	}

	if f.config.IncludeAll {
		for _, e := range doc {
			if e.Key == "_id" || f.mapped[e.Key] || f.excluded[e.Key] {
				continue
			}
			if _, taken := get(out, e.Key); taken {
				continue
			}
			out = append(out, e)
		}
	}

	if len(problems) > 0 {
		id, _ := get(doc, "_id")
		f.logger.Debug("field mapping problems",
			zap.Any("_id", id),
			zap.Strings("problems", problems))
	}

	return out, nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// formatter converts a mapped value. text is the value rendered with %v.
type formatter func(value interface{}, text string) (interface{}, error)

var formatters = map[string]formatter{
	"string": func(_ interface{}, text string) (interface{}, error) {
		return text, nil
	},
	"int": func(_ interface{}, text string) (interface{}, error) {
		n, err := cast.ToInt64E(strings.TrimSpace(text))
		return n, errors.Wrap(err, "cannot convert to int")
	},
	"float": func(_ interface{}, text string) (interface{}, error) {
		n, err := cast.ToFloat64E(strings.TrimSpace(text))
		return n, errors.Wrap(err, "cannot convert to float")
	},
	"date":      toTime,
	"datetime":  toTime,
	"uppercase": func(_ interface{}, text string) (interface{}, error) { return strings.ToUpper(text), nil },
	"lowercase": func(_ interface{}, text string) (interface{}, error) { return strings.ToLower(text), nil },
	"trim":      func(_ interface{}, text string) (interface{}, error) { return strings.TrimSpace(text), nil },
	"titlecase": func(_ interface{}, text string) (interface{}, error) {
		words := strings.Fields(strings.ToLower(text))
		for i, word := range words {
			first, size := utf8.DecodeRuneInString(word)
			words[i] = string(unicode.ToUpper(first)) + word[size:]
		}
		return strings.Join(words, " "), nil
	},
}

// formatValue applies the named format. Unknown formats leave the value unchanged.
func formatValue(value interface{}, format string) (interface{}, error) {
	fn, ok := formatters[format]
	if !ok {
		return value, nil
	}
	out, err := fn(value, fmt.Sprintf("%v", value))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toTime(value interface{}, text string) (interface{}, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case primitive.DateTime:
		return v.Time(), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}
	return nil, errors.Errorf("cannot parse date: %s", text)
}

func get(doc bson.D, key string) (interface{}, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// set replaces the value of key or appends it
func set(doc bson.D, key string, value interface{}) bson.D {
	for i := range doc {
		if doc[i].Key == key {
			doc[i].Value = value
			return doc
		}
	}
	return append(doc, bson.E{Key: key, Value: value})
}
