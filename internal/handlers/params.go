package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// isTruthy accepts the usual spellings of a boolean true
func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "y", "1", "on":
		return true
	}
	return false
}

// params collects request values from the query string, a form body or a
// JSON object body
type params map[string]string

func readParams(r *http.Request) (params, error) {
	values := params{}

	if isJSON(r) {
		data, err := decodeJSONBody(r)
		if err != nil {
			return nil, err
		}
		for key, value := range r.URL.Query() {
			values[key] = value[0]
		}
		for key, value := range data {
			if value == nil {
				continue
			}
			values[key] = fmt.Sprint(value)
		}
		return values, nil
	}

	if mediaType(r) == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBodySize); err != nil {
			return nil, badRequest("Malformed form body in request")
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, badRequest("Malformed form body in request")
	}
	for key := range r.Form {
		values[key] = r.Form.Get(key)
	}
	return values, nil
}

func (p params) has(key string) bool {
	_, ok := p[key]
	return ok
}

// intParam parses key as an integer accepted by valid. A missing key yields
// def.
func (p params) intParam(key string, def int, valid func(int) bool) (int, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || !valid(value) {
		return 0, badRequest("Invalid value for %s: %s", key, raw)
	}
	return value, nil
}

func nonNegative(v int) bool { return v >= 0 }

func positive(v int) bool { return v > 0 }
