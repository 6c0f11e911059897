package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/composer/pkg/api"
)

// LoadPipelines reads pipeline definitions from a YAML file. The file holds
// one pipeline per document; field names follow the JSON API.
func LoadPipelines(path string) ([]*api.Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pipelines, err := DecodePipelines(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pipelines, nil
}

// DecodePipelines decodes a multi-document YAML stream of pipelines.
func DecodePipelines(r io.Reader) ([]*api.Pipeline, error) {
	dec := yaml.NewDecoder(r)
	var out []*api.Pipeline
	for i := 0; ; i++ {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if doc == nil {
			continue
		}

		// Round-trip through JSON so the api types keep a single set of
		// field tags.
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		jd := json.NewDecoder(bytes.NewReader(raw))
		jd.DisallowUnknownFields()
		var p api.Pipeline
		if err := jd.Decode(&p); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if p.ID == 0 {
			return nil, fmt.Errorf("document %d: pipeline id is required", i)
		}
		for j := range p.Instances {
			p.Instances[j].PipelineID = p.ID
		}
		out = append(out, &p)
	}
	return out, nil
}
