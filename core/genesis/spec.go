package genesis

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"buyinescrow/crypto"
)

// Spec is the YAML document describing the ledger's initial mints and
// balances.
type Spec struct {
	Network     string           `yaml:"network"`
	Mints       []MintSpec       `yaml:"mints"`
	Allocations []AllocationSpec `yaml:"allocations"`
}

type MintSpec struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	Issuer   string `yaml:"issuer"`

	issuer [20]byte
}

type AllocationSpec struct {
	Owner  string `yaml:"owner"`
	Mint   string `yaml:"mint"`
	Amount uint64 `yaml:"amount"`

	owner [20]byte
}

// Load reads and validates a genesis file. Unknown keys are rejected.
func Load(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis %q: %w", path, err)
	}
	spec, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis %q: %w", path, err)
	}
	return spec, nil
}

// Parse decodes and validates a genesis document.
func Parse(raw []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *Spec) validate() error {
	symbols := make(map[string]struct{}, len(s.Mints))
	for i := range s.Mints {
		m := &s.Mints[i]
		m.Symbol = strings.ToUpper(strings.TrimSpace(m.Symbol))
		if m.Symbol == "" {
			return fmt.Errorf("mints[%d]: symbol required", i)
		}
		if _, dup := symbols[m.Symbol]; dup {
			return fmt.Errorf("mints[%d]: duplicate symbol %q", i, m.Symbol)
		}
		symbols[m.Symbol] = struct{}{}
		issuer, err := crypto.ParseAddress(m.Issuer)
		if err != nil {
			return fmt.Errorf("mints[%d]: issuer: %w", i, err)
		}
		m.issuer = issuer
	}
	for i := range s.Allocations {
		a := &s.Allocations[i]
		a.Mint = strings.ToUpper(strings.TrimSpace(a.Mint))
		if _, ok := symbols[a.Mint]; !ok {
			return fmt.Errorf("allocations[%d]: unknown mint %q", i, a.Mint)
		}
		owner, err := crypto.ParseAddress(a.Owner)
		if err != nil {
			return fmt.Errorf("allocations[%d]: owner: %w", i, err)
		}
		a.owner = owner
	}
	return nil
}
