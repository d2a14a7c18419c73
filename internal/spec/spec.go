// Package spec reads and writes session specs: YAML documents describing
// the task, aliases, features, regions and options of a session.
package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"region-similarity/internal/common"
	"region-similarity/internal/utils/naming"
)

const (
	TaskSearch  = "search"
	TaskCluster = "cluster"

	// DefaultClusters applies when a cluster spec omits number_of_clusters.
	DefaultClusters = 5
)

var (
	ErrNoAliases     = errors.New("no aliases found: please add at least one alias")
	ErrNoQueryRegion = errors.New("no query region found: please set the query region")
	ErrMissingTask   = errors.New("spec must define a task (search or cluster)")
)

// Spec is the document layout.
type Spec struct {
	Task      string   `yaml:"task"`
	Aliases   []string `yaml:"aliases"`
	Features  []string `yaml:"features,omitempty"`
	Regions   Regions  `yaml:"regions"`
	Distance  string   `yaml:"distance,omitempty"`
	LandCover string   `yaml:"land_cover,omitempty"`
}

type Regions struct {
	Query            *Region `yaml:"query_region,omitempty"`
	Reference        *Region `yaml:"reference_region,omitempty"`
	NumberOfClusters int     `yaml:"number_of_clusters,omitempty"`
}

// Clusters returns number_of_clusters or its default.
func (s *Spec) Clusters() int {
	if s.Regions.NumberOfClusters <= 0 {
		return DefaultClusters
	}
	return s.Regions.NumberOfClusters
}

// Validate checks what import needs: a known task and at least one
// well-formed alias.
func (s *Spec) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Task)) {
	case TaskSearch, TaskCluster:
	case "":
		return ErrMissingTask
	default:
		return fmt.Errorf("unknown task %q (expected search or cluster)", s.Task)
	}
	if len(s.Aliases) == 0 {
		return ErrNoAliases
	}
	for _, a := range s.Aliases {
		if _, err := ParseAlias(a); err != nil {
			return err
		}
	}
	if n := s.Regions.NumberOfClusters; n < 0 {
		return fmt.Errorf("number_of_clusters must be positive, got %d", n)
	}
	return nil
}

// Parse decodes a YAML document.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("spec file is empty")
		}
		return nil, fmt.Errorf("failed to parse spec: %w", err)
	}
	s.Task = strings.ToLower(strings.TrimSpace(s.Task))
	return &s, nil
}

// Marshal encodes the spec as YAML.
func (s *Spec) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode spec: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode spec: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadFile loads a spec from disk.
func ReadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	return Parse(data)
}

// WriteFile stores the spec in dir under a fresh random name.
func WriteFile(dir string, s *Spec) (string, error) {
	data, err := s.Marshal()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spec directory: %w", err)
	}
	path := filepath.Join(dir, naming.GenerateSpecFilename(uuid.NewString()))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write spec file: %w", err)
	}
	return path, nil
}

// Alias is the parsed form of name:catalog_id:band:start:end:aggregation.
// Empty dates mean "use the session period".
type Alias struct {
	Name        string
	Dataset     string
	Band        string
	Start       time.Time
	End         time.Time
	Aggregation string
}

// ParseAlias splits an alias string. It needs exactly six fields and a
// non-empty dataset, band and aggregation.
func ParseAlias(s string) (Alias, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 {
		return Alias{}, fmt.Errorf("invalid alias %q: expected name:catalog_id:band:DD/MM/YYYY:DD/MM/YYYY:aggregation", s)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	a := Alias{
		Name:        parts[0],
		Dataset:     parts[1],
		Band:        parts[2],
		Aggregation: strings.ToUpper(parts[5]),
	}
	if a.Dataset == "" || a.Band == "" || a.Aggregation == "" {
		return Alias{}, fmt.Errorf("invalid alias %q: catalog id, band and aggregation are required", s)
	}

	var err error
	if parts[3] != "" {
		if a.Start, err = common.ParseSpecDate(parts[3]); err != nil {
			return Alias{}, fmt.Errorf("invalid alias %q: %w", s, err)
		}
	}
	if parts[4] != "" {
		if a.End, err = common.ParseSpecDate(parts[4]); err != nil {
			return Alias{}, fmt.Errorf("invalid alias %q: %w", s, err)
		}
	}
	return a, nil
}

func (a Alias) String() string {
	return strings.Join([]string{
		a.Name,
		a.Dataset,
		a.Band,
		common.FormatSpecDate(a.Start),
		common.FormatSpecDate(a.End),
		a.Aggregation,
	}, ":")
}
