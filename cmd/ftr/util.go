package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/golang-sql/civil"
	jsoniter "github.com/json-iterator/go"
	"github.com/peterbourgon/ftr/ftrcodec"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func contextSleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// writeJSON writes v in the selected JSON output format.
func (cfg *rootConfig) writeJSON(v any) error {
	enc := json.NewEncoder(cfg.stdout)
	switch cfg.output {
	case "prettyjson":
		enc.SetIndent("", "    ")
	case "ndjson":
		//
	default:
		//
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return nil
}

//
//
//

// jsonValue converts a decoded trace value to something JSON can represent.
func jsonValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int64, uint64:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Sprint(x)
		}
		return x
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case civil.Date:
		return x.String()
	case civil.Time:
		return x.String()
	case *big.Int:
		return x.String()
	case decimal.Decimal:
		return x.String()
	case ftrcodec.Opaque:
		return x.Text
	case ftrcodec.EncodingFailure:
		return x.String()
	case ftrcodec.Tuple:
		return jsonSlice(x)
	case ftrcodec.Set:
		return jsonSlice(x)
	case ftrcodec.FrozenSet:
		return jsonSlice(x)
	case []any:
		return jsonSlice(x)
	case map[string]any:
		res := make(map[string]any, len(x))
		for k, v := range x {
			res[k] = jsonValue(v)
		}
		return res
	case map[any]any:
		res := make(map[string]any, len(x))
		for k, v := range x {
			res[fmt.Sprint(jsonValue(k))] = jsonValue(v)
		}
		return res
	default:
		return fmt.Sprint(x)
	}
}

func jsonSlice(vs []any) []any {
	res := make([]any, len(vs))
	for i, v := range vs {
		res[i] = jsonValue(v)
	}
	return res
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
