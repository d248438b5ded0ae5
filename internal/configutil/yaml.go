// Package configutil adapts the teacher's pkg/util/yaml.go round-trip
// helper, used by pkg/phlare/runtime_config.go to detect whether a loaded
// config differs from its defaults before logging it. Capture and Sampler
// reuse the same trick to log a diagnostic whenever either is constructed
// with a non-default Config.
package configutil

import "gopkg.in/yaml.v3"

// YAMLMarshalUnmarshal marshals in to YAML and back into a plain map, so
// two config values can be compared independent of their concrete struct
// type (only yaml-tagged fields survive the round trip).
func YAMLMarshalUnmarshal(in interface{}) (map[string]interface{}, error) {
	yamlBytes, err := yaml.Marshal(in)
	if err != nil {
		return nil, err
	}
	object := make(map[string]interface{})
	if err := yaml.Unmarshal(yamlBytes, object); err != nil {
		return nil, err
	}
	return object, nil
}

// DiffersFromDefault reports whether cfg's YAML representation differs from
// def's, field by field shallowly (a changed nested struct's whole key
// differs, which is enough to decide whether it's worth logging).
func DiffersFromDefault(cfg, def interface{}) (bool, error) {
	cfgMap, err := YAMLMarshalUnmarshal(cfg)
	if err != nil {
		return false, err
	}
	defMap, err := YAMLMarshalUnmarshal(def)
	if err != nil {
		return false, err
	}
	if len(cfgMap) != len(defMap) {
		return true, nil
	}
	for k, v := range cfgMap {
		dv, ok := defMap[k]
		if !ok {
			return true, nil
		}
		if !equalYAML(v, dv) {
			return true, nil
		}
	}
	return false, nil
}

func equalYAML(a, b interface{}) bool {
	am, aerr := yaml.Marshal(a)
	bm, berr := yaml.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(am) == string(bm)
}
