package config

import (
	"encoding/json"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/converters"
)

// Profile selects the depth and chunk size defaults.
type Profile string

const (
	ProfileFull    Profile = "full"
	ProfileShallow Profile = "shallow"
)

const (
	DefaultThreads     = 8
	InferenceExtension = ".entwine-inference"
)

type Subset struct {
	ID uint64 `json:"id" mapstructure:"id"`
	Of uint64 `json:"of" mapstructure:"of"`
}

type Dimension struct {
	Name string `json:"name" mapstructure:"name"`
	Type string `json:"type" mapstructure:"type"`
}

// Config is the build configuration document.
type Config struct {
	Input                []string                 `json:"input" mapstructure:"input"`
	Output               string                   `json:"output" mapstructure:"output"`
	Tmp                  string                   `json:"tmp" mapstructure:"tmp"`
	Threads              []int                    `json:"threads" mapstructure:"threads"`
	TrustHeaders         bool                     `json:"trustHeaders" mapstructure:"trustHeaders"`
	PointsPerChunk       uint64                   `json:"pointsPerChunk" mapstructure:"pointsPerChunk"`
	NullDepth            uint32                   `json:"nullDepth" mapstructure:"nullDepth"`
	BaseDepth            uint32                   `json:"baseDepth" mapstructure:"baseDepth"`
	MaxDepth             uint32                   `json:"maxDepth,omitempty" mapstructure:"maxDepth"`
	Bounds               []float64                `json:"bounds,omitempty" mapstructure:"bounds"`
	Schema               []Dimension              `json:"schema,omitempty" mapstructure:"schema"`
	Subset               *Subset                  `json:"subset,omitempty" mapstructure:"subset"`
	Density              float64                  `json:"density,omitempty" mapstructure:"density"`
	Scale                []float64                `json:"scale,omitempty" mapstructure:"scale"`
	Offset               []float64                `json:"offset,omitempty" mapstructure:"offset"`
	Reprojection         *converters.Reprojection `json:"reprojection,omitempty" mapstructure:"reprojection"`
	Storage              string                   `json:"storage" mapstructure:"storage"`
	HierarchyCompression string                   `json:"hierarchyCompression" mapstructure:"hierarchyCompression"`
	NumPointsHint        uint64                   `json:"numPointsHint,omitempty" mapstructure:"numPointsHint"`
	Force                bool                     `json:"force" mapstructure:"force"`
	ClipBudget           int                      `json:"clipBudget,omitempty" mapstructure:"clipBudget"`
	Verbose              bool                     `json:"verbose" mapstructure:"verbose"`

	// keys named by the decoded documents
	set map[string]bool
}

// Defaults returns the configuration used for every key the document does
// not set.
func Defaults(profile Profile) Config {
	c := Config{
		Tmp:                  os.TempDir(),
		Threads:              []int{DefaultThreads},
		TrustHeaders:         true,
		Storage:              "zstd",
		HierarchyCompression: "zstd",
	}
	switch profile {
	case ProfileShallow:
		c.PointsPerChunk = 1 << 10
		c.NullDepth = 4
		c.BaseDepth = 6
	default:
		c.PointsPerChunk = 1 << 18
		c.NullDepth = 7
		c.BaseDepth = 10
	}
	return c
}

// Parse decodes a configuration document over the defaults of profile.
// Single values are accepted wherever a list is expected.
func Parse(doc map[string]interface{}, profile Profile) (*Config, error) {
	c := Defaults(profile)
	if err := c.Apply(doc); err != nil {
		return nil, err
	}
	return &c, c.Validate()
}

// ParseJSON is Parse for a JSON document.
func ParseJSON(raw []byte, profile Profile) (*Config, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "invalid configuration document")
	}
	return Parse(doc, profile)
}

// Apply decodes doc over c, leaving unset keys untouched.
func (c *Config) Apply(doc map[string]interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		ZeroFields:       true,
		Result:           c,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if err := decoder.Decode(doc); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if c.set == nil {
		c.set = make(map[string]bool, len(doc))
	}
	for key := range doc {
		c.set[key] = true
	}
	return nil
}

// IsSet reports whether a document decoded by Apply named key. Keys holding
// their profile default are not set.
func (c *Config) IsSet(key string) bool {
	return c.set[key]
}

func (c *Config) Validate() error {
	if c.Output == "" {
		return errors.New("output is required")
	}
	if c.PointsPerChunk == 0 {
		return errors.New("pointsPerChunk must be positive")
	}
	if c.NullDepth > c.BaseDepth {
		return errors.Errorf("nullDepth %d exceeds baseDepth %d", c.NullDepth, c.BaseDepth)
	}
	if len(c.Threads) > 2 {
		return errors.Errorf("threads takes a count or a [work, clip] pair, got %v", c.Threads)
	}
	for _, t := range c.Threads {
		if t < 1 {
			return errors.Errorf("thread counts must be positive, got %v", c.Threads)
		}
	}
	if len(c.Bounds) != 0 && len(c.Bounds) != 6 {
		return errors.Errorf("bounds must have 6 values, got %d", len(c.Bounds))
	}
	if n := len(c.Scale); n != 0 && n != 1 && n != 3 {
		return errors.Errorf("scale takes 1 or 3 values, got %d", n)
	}
	if n := len(c.Offset); n != 0 && n != 3 {
		return errors.Errorf("offset takes 3 values, got %d", n)
	}
	return nil
}

// WorkThreads and ClipThreads split a total thread count evenly between
// the work and clip pools unless an explicit pair was given.
func (c *Config) WorkThreads() int {
	switch len(c.Threads) {
	case 0:
		return DefaultThreads / 2
	case 1:
		return max(1, c.Threads[0]/2)
	}
	return c.Threads[0]
}

func (c *Config) ClipThreads() int {
	switch len(c.Threads) {
	case 0:
		return DefaultThreads / 2
	case 1:
		return max(1, c.Threads[0]-c.WorkThreads())
	}
	return c.Threads[1]
}

// ScaleVector expands a single scale to all three axes.
func (c *Config) ScaleVector() []float64 {
	if len(c.Scale) == 1 {
		return []float64{c.Scale[0], c.Scale[0], c.Scale[0]}
	}
	return c.Scale
}
