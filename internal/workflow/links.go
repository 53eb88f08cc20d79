package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/book-expert/comfy-tts-service/internal/core"
)

// builtinNodes are node classes shipped with the engine itself.
var builtinNodes = map[string]bool{
	"LoadAudio": true,
	"SaveAudio": true,
}

// Link is a slot wired to an output of another node. In the template it is
// the two element array [source, output].
type Link struct {
	Source string
	Slot   Slot
	Output int64
}

func (l Link) String() string {
	return fmt.Sprintf("%s=%s:%d", l.Slot, l.Source, l.Output)
}

// ParseLink parses a "<node>.<input>=<source>:<output>" address.
func ParseLink(addr string) (Link, error) {
	target, source, found := strings.Cut(addr, "=")
	if !found {
		return Link{}, fmt.Errorf("%w: malformed link '%s'", core.ErrTemplate, addr)
	}

	slot, err := ParseSlot(target)
	if err != nil {
		return Link{}, err
	}

	node, output, found := strings.Cut(source, ":")
	if !found || node == "" {
		return Link{}, fmt.Errorf("%w: malformed link source in '%s'", core.ErrTemplate, addr)
	}

	index, err := strconv.ParseInt(output, 10, 64)
	if err != nil || index < 0 {
		return Link{}, fmt.Errorf("%w: malformed link output in '%s'", core.ErrTemplate, addr)
	}

	return Link{Slot: slot, Source: node, Output: index}, nil
}

func (d Document) checkLink(link Link) error {
	if _, ok := d[link.Source]; !ok {
		return fmt.Errorf("%w: link %s references missing node '%s'", core.ErrTemplate, link, link.Source)
	}

	value, err := d.Get(link.Slot)
	if err != nil {
		return err
	}

	ref, ok := value.([]any)
	if !ok || len(ref) != 2 {
		return fmt.Errorf("%w: slot %s is not a node link (got %v)", core.ErrTemplate, link.Slot, value)
	}

	source, sourceOK := ref[0].(string)
	output, outputOK := linkOutput(ref[1])

	if !sourceOK || !outputOK || source != link.Source || output != link.Output {
		return fmt.Errorf("%w: slot %s links to %v, want [%q, %d]", core.ErrTemplate, link.Slot, value, link.Source, link.Output)
	}

	return nil
}

func linkOutput(value any) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()

		return n, err == nil
	case float64:
		return int64(v), v == float64(int64(v))
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

// Summary lists what a template needs from the engine installation.
type Summary struct {
	CustomNodes []string
	Models      []string
}

// Summary reports the non built-in node classes and the model names referenced
// by "model" inputs, each sorted and deduplicated.
func (d Document) Summary() Summary {
	custom := map[string]bool{}
	models := map[string]bool{}

	for _, rawNode := range d {
		node, ok := rawNode.(map[string]any)
		if !ok {
			continue
		}

		if classType, ok := node[classTypeKey].(string); ok && classType != "" && !builtinNodes[classType] {
			custom[classType] = true
		}

		if inputs, ok := node[inputsKey].(map[string]any); ok {
			if model, ok := inputs[modelKey].(string); ok && model != "" {
				models[model] = true
			}
		}
	}

	return Summary{CustomNodes: sortedKeys(custom), Models: sortedKeys(models)}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
