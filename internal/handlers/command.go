package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
)

const maxBodySize = 1 << 20

// requestError is a client error answered with 400 and its message
type requestError struct {
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(format string, args ...interface{}) *requestError {
	return &requestError{message: fmt.Sprintf(format, args...)}
}

// parseCommand reads a JSON command request. validCommands maps every
// accepted command to its mandatory parameters.
func parseCommand(r *http.Request, validCommands map[string][]string) (string, map[string]interface{}, error) {
	if !isJSON(r) {
		return "", nil, badRequest("Expected content-type JSON")
	}

	data, err := decodeJSONBody(r)
	if err != nil {
		return "", nil, err
	}

	command, _ := data["command"].(string)
	mandatory, ok := validCommands[command]
	if !ok {
		return "", nil, badRequest("Expected valid command")
	}

	for _, param := range mandatory {
		if _, ok := data[param]; !ok {
			return "", nil, badRequest("Mandatory parameter %s missing for command %s", param, command)
		}
	}

	return command, data, nil
}

func isJSON(r *http.Request) bool {
	return mediaType(r) == "application/json"
}

func mediaType(r *http.Request) string {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mediaType
}

func decodeJSONBody(r *http.Request) (map[string]interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, badRequest("Malformed JSON body in request")
	}

	var data map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&data); err != nil || data == nil {
		return nil, badRequest("Malformed JSON body in request")
	}
	return data, nil
}
