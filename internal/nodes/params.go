package nodes

import (
	"encoding/json"
	"strconv"

	"github.com/rendis/tradeflow/pkg/schema"
)

func paramString(node *schema.Node, key, def string) string {
	if v, ok := node.Params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func paramBool(node *schema.Node, key string) bool {
	v, _ := node.Params[key].(bool)
	return v
}

// paramFloat reads a numeric param. ok is false when the key is absent.
func paramFloat(node *schema.Node, key string) (float64, bool, error) {
	v, present := node.Params[key]
	if !present || v == nil {
		return 0, false, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, true, schema.PermanentError("param %s: %s", key, err.Error()).WithNode(node.ID)
	}
	return f, true, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%v (%T) is not a number", v, v)
	}
}
