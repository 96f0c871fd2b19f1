package pricing

import (
	"fmt"
	"strings"
)

// StaticRates converts with a fixed table of rates, expressed as units of
// each currency per one unit of the base currency.
type StaticRates struct {
	base  string
	rates map[string]float64
}

// NewStaticRates builds a converter. The base currency is implicitly 1.
func NewStaticRates(base string, rates map[string]float64) *StaticRates {
	base = strings.ToUpper(base)
	m := make(map[string]float64, len(rates)+1)
	for k, v := range rates {
		m[strings.ToUpper(k)] = v
	}
	m[base] = 1
	return &StaticRates{base: base, rates: m}
}

func (s *StaticRates) Convert(amount float64, from, to string) (float64, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	rf, ok := s.rates[from]
	if !ok || rf <= 0 {
		return 0, fmt.Errorf("no rate for %s", from)
	}
	rt, ok := s.rates[to]
	if !ok || rt <= 0 {
		return 0, fmt.Errorf("no rate for %s", to)
	}
	return amount / rf * rt, nil
}
