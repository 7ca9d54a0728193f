package probe

import (
	"fmt"
	"os"
	"strings"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"gopkg.in/yaml.v3"
)

// Guess is a best-effort vendor/model hint derived from a response payload.
type Guess struct {
	Brand          string
	Model          string
	Classification device.Classification
}

// Classifier turns a raw protocol payload into a Guess.
type Classifier interface {
	Classify(payload string) Guess
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(payload string) Guess

// Classify calls f.
func (f ClassifierFunc) Classify(payload string) Guess { return f(payload) }

// BrandRule maps payload tokens to a vendor.
type BrandRule struct {
	Name           string                `yaml:"name"`
	Tokens         []string              `yaml:"tokens"`
	Classification device.Classification `yaml:"classification,omitempty"`
}

// ModelRule maps payload tokens to a model family.
type ModelRule struct {
	Model          string                `yaml:"model"`
	Tokens         []string              `yaml:"tokens"`
	Classification device.Classification `yaml:"classification,omitempty"`
}

// RuleClassifier matches case-insensitive substrings. The first matching
// brand and model rule win.
type RuleClassifier struct {
	Brands []BrandRule `yaml:"brands"`
	Models []ModelRule `yaml:"models"`
}

// Classify implements Classifier.
func (r *RuleClassifier) Classify(payload string) Guess {
	g := Guess{Brand: device.UnknownBrand, Classification: device.ClassUnknown}
	if payload == "" {
		return g
	}
	lower := strings.ToLower(payload)

	for _, rule := range r.Brands {
		if containsAny(lower, rule.Tokens) {
			g.Brand = rule.Name
			if rule.Classification != "" {
				g.Classification = rule.Classification
			}
			break
		}
	}
	for _, rule := range r.Models {
		if containsAny(lower, rule.Tokens) {
			g.Model = rule.Model
			if rule.Classification != "" {
				g.Classification = rule.Classification
			}
			break
		}
	}
	return g
}

func containsAny(haystack string, tokens []string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(haystack, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// DefaultClassifier returns the built-in access-control and camera vendor
// rules.
func DefaultClassifier() *RuleClassifier {
	return &RuleClassifier{
		Brands: []BrandRule{
			{Name: "Hikvision", Tokens: []string{"hikvision"}},
			{Name: "Dahua", Tokens: []string{"dahua"}},
			{Name: "Uniview", Tokens: []string{"uniview"}},
			{Name: "ZKTeco", Tokens: []string{"zkteco", "zksoftware"}, Classification: device.ClassAccessController},
			{Name: "Axis", Tokens: []string{"axis"}, Classification: device.ClassVideo},
			{Name: "Sony", Tokens: []string{"sony"}, Classification: device.ClassVideo},
			{Name: "Bosch", Tokens: []string{"bosch"}, Classification: device.ClassVideo},
			{Name: "Panasonic", Tokens: []string{"panasonic"}, Classification: device.ClassVideo},
			{Name: "Pelco", Tokens: []string{"pelco"}, Classification: device.ClassVideo},
			{Name: "Vivotek", Tokens: []string{"vivotek"}, Classification: device.ClassVideo},
			{Name: "Grandstream", Tokens: []string{"grandstream"}},
			{Name: "Ubiquiti", Tokens: []string{"ubiquiti", "ubnt"}},
			{Name: "Honeywell", Tokens: []string{"honeywell"}},
			{Name: "Avigilon", Tokens: []string{"avigilon"}, Classification: device.ClassVideo},
			{Name: "Flir", Tokens: []string{"flir"}, Classification: device.ClassVideo},
			{Name: "GeoVision", Tokens: []string{"geovision"}},
			{Name: "HID", Tokens: []string{"hid global", "vertx", "edge evo"}, Classification: device.ClassAccessController},
		},
		Models: []ModelRule{
			{Model: "DS-2CD series", Tokens: []string{"DS-2CD"}, Classification: device.ClassVideo},
			{Model: "DS-K1T series", Tokens: []string{"DS-K1T"}, Classification: device.ClassBiometric},
			{Model: "DS-K2 series", Tokens: []string{"DS-K26", "DS-K27", "DS-K28"}, Classification: device.ClassAccessController},
			{Model: "DS-K1 reader", Tokens: []string{"DS-K1101", "DS-K1102", "DS-K1107"}, Classification: device.ClassCardReader},
			{Model: "IPC-HFW series", Tokens: []string{"IPC-HFW"}, Classification: device.ClassVideo},
			{Model: "ASI series", Tokens: []string{"ASI7", "ASI6", "ASI1"}, Classification: device.ClassBiometric},
			{Model: "ASC series", Tokens: []string{"ASC1", "ASC2"}, Classification: device.ClassAccessController},
			{Model: "InBio series", Tokens: []string{"inbio"}, Classification: device.ClassAccessController},
			{Model: "SpeedFace series", Tokens: []string{"speedface", "proface"}, Classification: device.ClassBiometric},
		},
	}
}

// LoadClassifier reads rules from a YAML file. An empty path returns the
// built-in rules.
func LoadClassifier(path string) (*RuleClassifier, error) {
	if path == "" {
		return DefaultClassifier(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier rules: %w", err)
	}
	var rc RuleClassifier
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("failed to parse classifier rules %s: %w", path, err)
	}
	if len(rc.Brands) == 0 && len(rc.Models) == 0 {
		return nil, fmt.Errorf("classifier rules %s define no brands or models", path)
	}
	return &rc, nil
}

// classify runs c and fills the fallback classification when nothing matched.
func classify(c Classifier, payload string, fallback device.Classification) Guess {
	if c == nil {
		c = DefaultClassifier()
	}
	g := c.Classify(payload)
	if g.Brand == "" {
		g.Brand = device.UnknownBrand
	}
	if g.Classification == "" || g.Classification == device.ClassUnknown {
		g.Classification = fallback
	}
	return g
}
