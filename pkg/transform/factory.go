package transform

import (
	"github.com/IEatCodeDaily/mongo-sync/pkg/pipeline"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	TypePassThrough = "passthrough"
	TypeFieldMapper = "fieldmapper"
)

// New builds the mapper named by typ from its settings. An empty type
// selects the pass-through mapper.
func New(typ string, settings map[string]interface{}, logger *zap.Logger) (pipeline.Mapper, error) {
	switch typ {
	case "", TypePassThrough:
		return NewPassThrough(), nil
	case TypeFieldMapper:
		if _, ok := settings["mappings"]; !ok {
			return nil, errors.New("fieldmapper transformer requires 'mappings' configuration")
		}
		var cfg FieldMapperConfig
		if err := decodeSettings(settings, &cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse fieldmapper configuration")
		}
		mapper, err := NewFieldMapperWithLogger(cfg, logger)
		if err != nil {
			return nil, err
		}
		return mapper, nil
	default:
		return nil, errors.Errorf("unsupported transformer type: %s", typ)
	}
}

// decodeSettings decodes free-form settings into output based on json tags
func decodeSettings(input map[string]interface{}, output interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           output,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
