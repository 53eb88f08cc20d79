// Package workflow loads the job template submitted to the execution engine
// and writes request parameters into its addressable slots.
//
// A template is a mapping of node id to node, where each node carries an
// "inputs" mapping. A slot is addressed as "<node>.<input>". Everything that is
// not a slot is passed through untouched, including number formatting.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/book-expert/comfy-tts-service/internal/config"
	"github.com/book-expert/comfy-tts-service/internal/core"
)

const (
	inputsKey    = "inputs"
	classTypeKey = "class_type"
	modelKey     = "model"
)

// Document is a decoded job template.
type Document map[string]any

// Slot addresses one input of one node.
type Slot struct {
	Node  string
	Input string
}

func (s Slot) String() string {
	return s.Node + "." + s.Input
}

// ParseSlot parses a "<node>.<input>" address.
func ParseSlot(addr string) (Slot, error) {
	node, input, found := strings.Cut(addr, ".")
	if !found || node == "" || input == "" {
		return Slot{}, fmt.Errorf("%w: malformed slot address '%s'", core.ErrTemplate, addr)
	}

	return Slot{Node: node, Input: input}, nil
}

// Slots lists the template leaves written for every job.
type Slots struct {
	Text           Slot
	ReferenceAudio Slot
	Temperature    Slot
	Speed          Slot
	Seed           Slot
	OutputPrefix   Slot
}

func (s Slots) all() []Slot {
	return []Slot{s.Text, s.ReferenceAudio, s.Temperature, s.Speed, s.Seed, s.OutputPrefix}
}

// Builder instantiates the job template for a validated request.
type Builder struct {
	path         string
	outputPrefix string
	links        []Link
	slots        Slots
}

// NewBuilder creates a Builder from the template configuration.
func NewBuilder(cfg config.TemplateConfig) (*Builder, error) {
	addrs := []string{
		cfg.Slots.Text, cfg.Slots.ReferenceAudio, cfg.Slots.Temperature,
		cfg.Slots.Speed, cfg.Slots.Seed, cfg.Slots.OutputPrefix,
	}
	parsed := make([]Slot, len(addrs))

	for i, addr := range addrs {
		slot, err := ParseSlot(addr)
		if err != nil {
			return nil, err
		}

		parsed[i] = slot
	}

	links := make([]Link, 0, len(cfg.Links))

	for _, addr := range cfg.Links {
		link, err := ParseLink(addr)
		if err != nil {
			return nil, err
		}

		links = append(links, link)
	}

	return &Builder{
		path:         cfg.Path,
		outputPrefix: cfg.OutputPrefix,
		links:        links,
		slots: Slots{
			Text:           parsed[0],
			ReferenceAudio: parsed[1],
			Temperature:    parsed[2],
			Speed:          parsed[3],
			Seed:           parsed[4],
			OutputPrefix:   parsed[5],
		},
	}, nil
}

// Load reads a fresh copy of the template from disk.
func (b *Builder) Load() (Document, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read template '%s': %w", core.ErrTemplate, b.path, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var doc Document

	err = decoder.Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse template '%s': %w", core.ErrTemplate, b.path, err)
	}

	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: template '%s' has no nodes", core.ErrTemplate, b.path)
	}

	return doc, nil
}

// Check loads the template and verifies every configured slot exists and every
// configured link points at the expected node output.
func (b *Builder) Check() (Document, error) {
	doc, err := b.Load()
	if err != nil {
		return nil, err
	}

	for _, slot := range b.slots.all() {
		_, err := doc.Get(slot)
		if err != nil {
			return nil, err
		}
	}

	for _, link := range b.links {
		err := doc.checkLink(link)
		if err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// Build returns the template with the request parameters and reference audio
// path written into their slots.
func (b *Builder) Build(req core.SynthesisRequest, audioPath string) (Document, error) {
	doc, err := b.Check()
	if err != nil {
		return nil, err
	}

	values := []struct {
		value any
		slot  Slot
	}{
		{slot: b.slots.Text, value: req.Text},
		{slot: b.slots.ReferenceAudio, value: audioPath},
		{slot: b.slots.Temperature, value: req.Temperature},
		{slot: b.slots.Speed, value: req.Speed},
		{slot: b.slots.Seed, value: req.Seed},
		{slot: b.slots.OutputPrefix, value: b.outputPrefix},
	}

	for _, entry := range values {
		err := doc.Set(entry.slot, entry.value)
		if err != nil {
			return nil, err
		}
	}

	return doc, nil
}

func (d Document) inputs(slot Slot) (map[string]any, error) {
	rawNode, ok := d[slot.Node]
	if !ok {
		return nil, fmt.Errorf("%w: node '%s' not found for slot %s", core.ErrTemplate, slot.Node, slot)
	}

	node, ok := rawNode.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: node '%s' is not a mapping", core.ErrTemplate, slot.Node)
	}

	inputs, ok := node[inputsKey].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: node '%s' has no inputs mapping", core.ErrTemplate, slot.Node)
	}

	return inputs, nil
}

// Get returns the current value of a slot.
func (d Document) Get(slot Slot) (any, error) {
	inputs, err := d.inputs(slot)
	if err != nil {
		return nil, err
	}

	value, ok := inputs[slot.Input]
	if !ok {
		return nil, fmt.Errorf("%w: slot %s not found", core.ErrTemplate, slot)
	}

	return value, nil
}

// Set overwrites an existing slot. Absent slots are an error, never created.
func (d Document) Set(slot Slot, value any) error {
	inputs, err := d.inputs(slot)
	if err != nil {
		return err
	}

	if _, ok := inputs[slot.Input]; !ok {
		return fmt.Errorf("%w: slot %s not found", core.ErrTemplate, slot)
	}

	inputs[slot.Input] = value

	return nil
}

// Nodes returns "id:class_type" for every node, sorted by id.
func (d Document) Nodes() []string {
	nodes := make([]string, 0, len(d))

	for id, rawNode := range d {
		classType := "?"
		if node, ok := rawNode.(map[string]any); ok {
			if name, ok := node[classTypeKey].(string); ok {
				classType = name
			}
		}

		nodes = append(nodes, id+":"+classType)
	}

	sort.Strings(nodes)

	return nodes
}
