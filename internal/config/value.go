package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// fieldType resolves a dotted key such as "process.stop_grace" to the Go type
// of the matching Config field, following mapstructure tags.
func fieldType(key string) (reflect.Type, bool) {
	t := reflect.TypeOf(Config{})
	for _, part := range strings.Split(key, ".") {
		if t.Kind() != reflect.Struct {
			return nil, false
		}
		found := false
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if tag, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ","); tag == part {
				t, found = f.Type, true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return t, t.Kind() != reflect.Struct
}

// ParseValue converts the command-line text raw into the type the key holds
// in Config, rejecting unknown keys and out-of-range values.
func ParseValue(key, raw string) (any, error) {
	t, ok := fieldType(key)
	if !ok {
		return nil, fmt.Errorf("unknown key: %s", key)
	}

	var v any
	switch {
	case t == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s: duration must not be negative", key)
		}
		v = d
	case t.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: expected true or false", key)
		}
		v = b
	case t.Kind() == reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: expected an integer", key)
		}
		v = n
	default:
		v = raw
	}

	switch key {
	case "server.port":
		if n := v.(int); n < 0 || n > 65535 {
			return nil, fmt.Errorf("server.port: %d out of range", n)
		}
	case "log.level":
		switch strings.ToLower(raw) {
		case "trace", "debug", "info", "warn", "warning", "error", "fatal":
		default:
			return nil, fmt.Errorf("log.level: unknown level %q", raw)
		}
	case "log.format":
		if raw != "console" && raw != "json" {
			return nil, fmt.Errorf("log.format: want console or json, got %q", raw)
		}
	}
	return v, nil
}
