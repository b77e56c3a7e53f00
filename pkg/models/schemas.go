package models

import "fmt"

// Problem is the structured output of the problem-extraction stage.
type Problem struct {
	Discard      bool     `json:"discard"`
	Summary      string   `json:"summary"`
	Audience     string   `json:"audience"`
	WhyMatters   string   `json:"why_matters"`
	BadSolutions []string `json:"bad_solutions"`
	Urgency      int      `json:"urgency"`
	Quotes       []string `json:"quotes"`
}

// Validate checks schema-level constraints on a decoded problem.
func (p *Problem) Validate() error {
	if p.Urgency < 0 || p.Urgency > 100 {
		return fmt.Errorf("urgency %d out of range [0,100]", p.Urgency)
	}
	return nil
}

// Product types the spec stage may propose.
const (
	ProductTypeGuide      = "guide"
	ProductTypeTemplate   = "template"
	ProductTypePromptPack = "prompt_pack"
)

// ProductSpec is the structured output of the spec stage.
type ProductSpec struct {
	Build         bool     `json:"build"`
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Buyer         string   `json:"buyer"`
	JobToBeDone   string   `json:"job_to_be_done"`
	Deliverables  []string `json:"deliverables"`
	FailureReason string   `json:"failure_reason"`
	Price         float64  `json:"price"`
	Confidence    int      `json:"confidence"`
}

// Validate checks schema-level constraints on a decoded spec.
func (s *ProductSpec) Validate() error {
	switch s.Type {
	case ProductTypeGuide, ProductTypeTemplate, ProductTypePromptPack:
	case "":
		if s.Build {
			return fmt.Errorf("buildable spec missing product type")
		}
	default:
		return fmt.Errorf("unknown product type %q", s.Type)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range [0,100]", s.Confidence)
	}
	if s.Price < 0 {
		return fmt.Errorf("negative price %v", s.Price)
	}
	return nil
}

// Accepted reports whether the spec passes the stage's terminal gates.
func (s *ProductSpec) Accepted() bool {
	return s.Build && s.Confidence >= 70 && len(s.Deliverables) >= 3
}

// Verdict is the structured output of the verify stage.
type Verdict struct {
	Pass              bool     `json:"pass"`
	Reasons           []string `json:"reasons"`
	Missing           []string `json:"missing"`
	Generic           bool     `json:"generic"`
	ExampleScore      int      `json:"example_score"`
	NeedsRegeneration bool     `json:"needs_regeneration"`
}

// Validate checks schema-level constraints on a decoded verdict.
func (v *Verdict) Validate() error {
	if v.ExampleScore < 0 || v.ExampleScore > 10 {
		return fmt.Errorf("example_score %d out of range [0,10]", v.ExampleScore)
	}
	return nil
}

// Harden downgrades a nominal pass when quality signals contradict it: weak
// examples, generic language, or missing elements force a fail.
func (v *Verdict) Harden() {
	if v.ExampleScore < 7 || v.Generic || len(v.Missing) > 0 {
		v.Pass = false
	}
}

// UploadResult records the storefront outcome for an uploaded product.
type UploadResult struct {
	ProductID string `json:"product_id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	PriceCent int    `json:"price_cents"`
}
