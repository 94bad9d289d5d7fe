package ocr

import (
	"regexp"

	"neobell/edge/internal/errors"
)

// Carrier label formats accepted before a code is sent for validation.
var carrierPatterns = []string{
	`^[A-Z]{2}\d{9}[A-Z]{2}$`, // UPU S10 international mail
	`^SFX\d{14}BR$`,
	`^BR\d{12}[A-Z]$`,
	`^BR\d{13}$`,
	`^AM\d{9}SQ$`,
	`^AM\d{10}SE$`,
	`^TBR\d{9}$`,
	`^LP\d{14}$`, // AliExpress
}

// Filter is the carrier pattern pre-filter.
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter compiles the built-in patterns plus extra.
func NewFilter(extra []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range append(append([]string(nil), carrierPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "compile pattern %q", p), errors.ErrConfig)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Match reports whether code looks like a known carrier label.
func (f *Filter) Match(code string) bool {
	for _, re := range f.patterns {
		if re.MatchString(code) {
			return true
		}
	}
	return false
}
