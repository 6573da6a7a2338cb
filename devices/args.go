package devices

import (
	"fmt"
	"strconv"
	"time"
)

// args reads the loosely typed driver arguments of a config entry.  YAML
// and environment sources disagree on number types, so every getter accepts
// any numeric type or a string.
type args map[string]interface{}

func (a args) float(key string, def float64) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (a args) int(key string, def int) int {
	if _, ok := a[key]; !ok {
		return def
	}
	return int(a.float(key, float64(def)))
}

func (a args) str(key, def string) string {
	if v, ok := a[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return def
}

func (a args) strs(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = fmt.Sprint(s)
		}
		return out
	}
	return nil
}

// duration accepts Go duration strings or seconds.
func (a args) duration(key string, def time.Duration) time.Duration {
	if s, ok := a[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	if _, ok := a[key]; !ok {
		return def
	}
	return time.Duration(a.float(key, def.Seconds()) * float64(time.Second))
}
