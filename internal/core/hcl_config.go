package core

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// The options file is read without a schema. Every attribute and block is
// turned into a cty.Value and each setting picks out what it understands,
// so a value of the wrong type or shape is dropped and later replaced by
// its default instead of failing the whole file.

// LoadOptions reads the orchestrator's HCL options file. A missing file is
// not an error: it yields empty raw options, which sanitize to defaults.
// Only a file that cannot be parsed at all is an error.
func LoadOptions(filename string) (RawOptions, error) {
	if !ConfigExists(filename) {
		return RawOptions{}, nil
	}

	parser := hclparse.NewParser()
	var file *hcl.File
	var diags hcl.Diagnostics
	if strings.HasSuffix(filename, ".json") {
		file, diags = parser.ParseJSONFile(filename)
	} else {
		file, diags = parser.ParseHCLFile(filename)
	}
	if diags.HasErrors() {
		return RawOptions{}, fmt.Errorf("failed to parse HCL options: %w", diags)
	}

	return decodeOptions(bodyValues(file.Body)), nil
}

func decodeOptions(values map[string]cty.Value) RawOptions {
	raw := RawOptions{
		APISync:           ctyTruthy(lookup(values, "api_sync")),
		FetchTransactions: ctyTruthy(lookup(values, "fetch_transactions")),
		Socket:            ctyString(lookup(values, "socket")),
		Hostname:          ctyString(lookup(values, "hostname")),
		Peers:             ctyStrings(lookup(values, "peers")),
	}
	if port := ctyInt(lookup(values, "port")); port != nil {
		raw.Port = *port
	}

	if tor := objectFields(lookup(values, "tor")); tor != nil {
		enabled := ctyTruthy(lookup(tor, "enabled"))
		raw.Tor = &RawTor{
			Enabled: enabled != nil && *enabled,
			Path:    ctyString(lookup(tor, "path")),
		}
		if instances := objectFields(lookup(tor, "instances")); instances != nil {
			raw.Tor.Instances = &RawInstances{
				Min: ctyInt(lookup(instances, "min")),
				Max: ctyInt(lookup(instances, "max")),
			}
		}
	}

	if reconnect := objectFields(lookup(values, "reconnect")); reconnect != nil {
		raw.Reconnect = RawReconnect{
			InitialBackoff: ctyString(lookup(reconnect, "initial_backoff")),
			MaxBackoff:     ctyString(lookup(reconnect, "max_backoff")),
		}
		if factor := ctyInt(lookup(reconnect, "backoff_factor")); factor != nil {
			raw.Reconnect.BackoffFactor = *factor
		}
		if retries := ctyInt(lookup(reconnect, "max_retries")); retries != nil {
			raw.Reconnect.MaxRetries = *retries
		}
	}

	return raw
}

// bodyValues evaluates every attribute of body and turns each block into an
// object value. Attributes that fail to evaluate are left out.
func bodyValues(body hcl.Body) map[string]cty.Value {
	values := make(map[string]cty.Value)

	if syntax, ok := body.(*hclsyntax.Body); ok {
		for name, attr := range syntax.Attributes {
			if v, diags := attr.Expr.Value(nil); !diags.HasErrors() {
				values[name] = v
			}
		}
		for _, block := range syntax.Blocks {
			values[block.Type] = cty.ObjectVal(bodyValues(block.Body))
		}
		return values
	}

	// JSON bodies have no blocks, nested objects are plain attributes
	attrs, _ := body.JustAttributes()
	for name, attr := range attrs {
		if v, diags := attr.Expr.Value(nil); !diags.HasErrors() {
			values[name] = v
		}
	}
	return values
}

func lookup(values map[string]cty.Value, name string) cty.Value {
	if v, ok := values[name]; ok {
		return v
	}
	return cty.NullVal(cty.DynamicPseudoType)
}

// objectFields returns the fields of an object or map value, or nil when v
// is anything else
func objectFields(v cty.Value) map[string]cty.Value {
	if v.IsNull() || !v.IsWhollyKnown() {
		return nil
	}
	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil
	}
	fields := make(map[string]cty.Value)
	for it := v.ElementIterator(); it.Next(); {
		key, value := it.Element()
		fields[key.AsString()] = value
	}
	return fields
}

// ctyInt returns nil for anything that is not a number
func ctyInt(v cty.Value) *int {
	if v.IsNull() || !v.IsKnown() || !v.Type().Equals(cty.Number) {
		return nil
	}
	f := v.AsBigFloat()
	if f.IsInf() {
		return nil
	}
	i, _ := f.Int64()
	n := int(i)
	return &n
}

// ctyString returns "" for anything that is not a string
func ctyString(v cty.Value) string {
	if v.IsNull() || !v.IsKnown() || !v.Type().Equals(cty.String) {
		return ""
	}
	return v.AsString()
}

// ctyStrings keeps the string elements of a list or tuple
func ctyStrings(v cty.Value) []string {
	if v.IsNull() || !v.IsWhollyKnown() {
		return nil
	}
	ty := v.Type()
	if !ty.IsListType() && !ty.IsTupleType() && !ty.IsSetType() {
		return nil
	}
	var out []string
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if str := ctyString(elem); str != "" {
			out = append(out, str)
		}
	}
	return out
}

// ctyTruthy coerces a value to a bool the way a loosely typed config would:
// false, 0, "" and null are false, everything else is true.
func ctyTruthy(v cty.Value) *bool {
	if v.IsNull() || !v.IsKnown() {
		return nil
	}
	var b bool
	switch {
	case v.Type().Equals(cty.Bool):
		b = v.True()
	case v.Type().Equals(cty.Number):
		b = v.AsBigFloat().Cmp(new(big.Float)) != 0
	case v.Type().Equals(cty.String):
		b = v.AsString() != ""
	default:
		b = true
	}
	return &b
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
