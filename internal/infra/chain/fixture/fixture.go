// Package fixture serves scripted chains from YAML files.
//
// A fixture lists blocks in delivery order. Delivering a block at a height that
// was already delivered models a reorg: the chain's head becomes the newly
// delivered block and its lineage becomes canonical.
//
//	name: typename
//	stop_block: {number: 3, hash: "0x03"}
//	blocks:
//	  - {number: 0, hash: "0x0a", final: true}
//	  - {number: 1, hash: "0x01", parent: "0x0a"}
//	  - {number: 1, hash: "0x0b", parent: "0x0a"}
//	  - number: 2
//	    hash: "0x02"
//	    parent: "0x0b"
//	    triggers:
//	      - {kind: log, address: "0x00000000000000000000000000000000000000aa"}
//
// A block without a triggers list carries one every-block trigger; set
// empty: true for a block with none.
package fixture

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// File is the YAML shape of a fixture.
type File struct {
	Name      string      `yaml:"name"`
	StopBlock *PtrSpec    `yaml:"stop_block"`
	Blocks    []BlockSpec `yaml:"blocks"`
}

// PtrSpec is a block pointer in YAML.
type PtrSpec struct {
	Number uint64 `yaml:"number"`
	Hash   string `yaml:"hash"`
}

// BlockSpec is one delivered block.
type BlockSpec struct {
	Number    uint64        `yaml:"number"`
	Hash      string        `yaml:"hash"`
	Parent    string        `yaml:"parent"`
	Timestamp uint64        `yaml:"timestamp"`
	Final     bool          `yaml:"final"`
	Empty     bool          `yaml:"empty"`
	Triggers  []TriggerSpec `yaml:"triggers"`
}

// TriggerSpec is one trigger of a block.
type TriggerSpec struct {
	Kind    string `yaml:"kind"`    // block, call or log
	Type    string `yaml:"type"`    // every or with_call_to, block triggers only
	Address string `yaml:"address"` // call, log and with_call_to triggers
	Index   uint   `yaml:"index"`
}

// Fixture is a parsed, validated fixture.
type Fixture struct {
	Name      string
	StopBlock *domain.BlockPtr
	Blocks    []*domain.BlockWithTriggers // delivery order
}

// Load reads and parses a fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes fixture YAML.
func Parse(data []byte) (*Fixture, error) {
	var file File
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return file.Build()
}

// Build validates the file and converts it to domain blocks.
func (f *File) Build() (*Fixture, error) {
	if len(f.Blocks) == 0 {
		return nil, fmt.Errorf("fixture has no blocks")
	}

	out := &Fixture{Name: f.Name, Blocks: make([]*domain.BlockWithTriggers, 0, len(f.Blocks))}
	for i, spec := range f.Blocks {
		b, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		out.Blocks = append(out.Blocks, b)
	}

	if f.StopBlock != nil {
		stop := domain.BlockPtr{Number: f.StopBlock.Number, Hash: common.HexToHash(f.StopBlock.Hash)}
		out.StopBlock = &stop
	} else {
		last := out.Blocks[len(out.Blocks)-1].Ptr()
		out.StopBlock = &last
	}
	return out, nil
}

func (s BlockSpec) build() (*domain.BlockWithTriggers, error) {
	if s.Hash == "" {
		return nil, fmt.Errorf("missing hash")
	}
	if s.Number > 0 && s.Parent == "" {
		return nil, fmt.Errorf("block #%d has no parent", s.Number)
	}

	block := domain.Block{
		Number:    s.Number,
		Hash:      common.HexToHash(s.Hash),
		Timestamp: s.Timestamp,
		Finality:  domain.FinalityNonFinal,
	}
	if s.Number > 0 {
		block.ParentHash = common.HexToHash(s.Parent)
	}
	if s.Final {
		block.Finality = domain.FinalityFinal
	}

	ptr := block.Ptr()
	var triggers []domain.Trigger
	switch {
	case s.Empty:
	case len(s.Triggers) == 0:
		triggers = []domain.Trigger{domain.NewBlockTrigger(ptr, domain.BlockTriggerEvery)}
	default:
		for i, ts := range s.Triggers {
			t, err := ts.build(ptr)
			if err != nil {
				return nil, fmt.Errorf("trigger %d: %w", i, err)
			}
			triggers = append(triggers, t)
		}
	}
	return domain.NewBlockWithTriggers(block, triggers)
}

func (s TriggerSpec) build(ptr domain.BlockPtr) (domain.Trigger, error) {
	kind, err := domain.ParseTriggerKind(s.Kind)
	if err != nil {
		return domain.Trigger{}, err
	}
	if s.Address != "" && !common.IsHexAddress(s.Address) {
		return domain.Trigger{}, fmt.Errorf("invalid address %q", s.Address)
	}
	addr := common.HexToAddress(s.Address)

	switch kind {
	case domain.TriggerKindCall:
		return domain.NewCallTrigger(ptr, addr, s.Index), nil
	case domain.TriggerKindLog:
		return domain.NewLogTrigger(ptr, addr, s.Index), nil
	}

	switch typ := domain.BlockTriggerType(s.Type); typ {
	case "", domain.BlockTriggerEvery:
		return domain.NewBlockTrigger(ptr, domain.BlockTriggerEvery), nil
	case domain.BlockTriggerWithCallTo:
		t := domain.NewBlockTrigger(ptr, typ)
		t.Address = addr
		t.Index = s.Index
		return t, nil
	default:
		return domain.Trigger{}, fmt.Errorf("unknown block trigger type %q", s.Type)
	}
}
