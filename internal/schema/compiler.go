package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/zeebo/xxh3"

	"github.com/graffiti-garden/graffiti-go"
)

// Compiled is a JSON-Schema turned into a predicate over objects plus
// the lastModified range its bounds imply for index scans.
type Compiled struct {
	schema      *jsonschema.Schema
	startSuffix string
	endSuffix   string
}

var compiled = cache.New(10*time.Minute, 15*time.Minute)

// Compile turns a schema document (a decoded JSON value; nil means the
// empty schema) into a Compiled predicate. Compilation failures surface
// as InvalidSchemaError; evaluation never fails. Results are memoized
// on the canonical JSON of the schema.
func Compile(doc any) (*Compiled, error) {
	if doc == nil {
		doc = map[string]any{}
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, graffiti.InvalidSchemaError{Reason: err.Error()}
	}

	key := fmt.Sprintf("%016x", xxh3.Hash(canonical))
	if cached, found := compiled.Get(key); found {
		return cached.(*Compiled), nil
	}

	// Round-trip through the validator's decoder so numbers carry the
	// representation it expects.
	normalized, err := jsonschema.UnmarshalJSON(bytes.NewReader(canonical))
	if err != nil {
		return nil, graffiti.InvalidSchemaError{Reason: err.Error()}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", normalized); err != nil {
		return nil, graffiti.InvalidSchemaError{Reason: err.Error()}
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, graffiti.InvalidSchemaError{Reason: err.Error()}
	}

	start, end := lastModifiedRange(doc)
	c := &Compiled{
		schema:      sch,
		startSuffix: start,
		endSuffix:   end,
	}
	compiled.Set(key, c, cache.DefaultExpiration)
	return c, nil
}

// Matches reports whether the object satisfies the schema. It never
// panics; an object that cannot be serialized does not match.
func (c *Compiled) Matches(obj *graffiti.Object) bool {
	raw, err := json.Marshal(obj)
	if err != nil {
		return false
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	return c.schema.Validate(instance) == nil
}

// Range returns the zero-padded lastModified suffixes the schema's
// bounds imply: "" when unbounded below, the high sentinel when
// unbounded above.
func (c *Compiled) Range() (string, string) {
	return c.startSuffix, c.endSuffix
}

// lastModifiedRange derives [startSuffix, endSuffix] from the schema's
// properties.lastModified bounds. exclusiveMinimum maps to the smallest
// integer strictly greater; exclusiveMaximum to the largest integer
// strictly less.
func lastModifiedRange(doc any) (string, string) {
	start := ""
	end := graffiti.MaxSuffix

	m, ok := doc.(map[string]any)
	if !ok {
		return start, end
	}
	props, ok := m["properties"].(map[string]any)
	if !ok {
		return start, end
	}
	lm, ok := props["lastModified"].(map[string]any)
	if !ok {
		return start, end
	}

	if v, ok := toFloat(lm["minimum"]); ok {
		start = graffiti.PadLastModified(int64(math.Ceil(v)))
	}
	if v, ok := toFloat(lm["exclusiveMinimum"]); ok {
		start = graffiti.PadLastModified(int64(math.Floor(v)) + 1)
	}
	if v, ok := toFloat(lm["maximum"]); ok {
		end = graffiti.PadLastModified(int64(math.Floor(v)))
	}
	if v, ok := toFloat(lm["exclusiveMaximum"]); ok {
		end = graffiti.PadLastModified(int64(math.Ceil(v)) - 1)
	}

	return start, end
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
